package render

import (
	"fmt"
	"strings"

	"unflutter/internal/disasm"
)

// Provenance categories extracted from CallEdgeRecord.Via.
const (
	ProvTHR        = "thr"
	ProvPP         = "pp"
	ProvDispatch   = "dispatch_table"
	ProvObject     = "object_field"
	ProvDirect     = "direct"
	ProvUnresolved = "unresolved"
)

// ClassifyEdgeProv returns the provenance category for a call edge.
func ClassifyEdgeProv(e disasm.CallEdgeRecord) string {
	if e.Kind == "bl" {
		return ProvDirect
	}
	switch {
	case strings.HasPrefix(e.Via, "THR."):
		return ProvTHR
	case strings.HasPrefix(e.Via, "PP["):
		return ProvPP
	case e.Via == "dispatch_table":
		return ProvDispatch
	case e.Via == "object_field":
		return ProvObject
	case e.Via == "":
		return ProvUnresolved
	default:
		return ProvUnresolved
	}
}

// edgeColor returns the DOT color for an edge provenance category.
func edgeColor(prov string, t Theme) string {
	switch prov {
	case ProvTHR:
		return t.EdgeTHR
	case ProvPP:
		return t.EdgePP
	case ProvDispatch:
		return t.EdgeDispatch
	case ProvObject:
		return t.EdgeObject
	case ProvDirect:
		return t.EdgeDirect
	case ProvUnresolved:
		return t.EdgeUnresolved
	default:
		return t.EdgeDirect
	}
}

// edgeStyle returns dot style attributes for provenance.
func edgeStyle(prov string) string {
	switch prov {
	case ProvDispatch:
		return "dotted"
	case ProvObject:
		return "dotted"
	case ProvUnresolved:
		return "dashed"
	default:
		return "solid"
	}
}

// CallgraphDOT renders a callgraph from functions and call edges as DOT.
// Edges are rendered from the rendered functions; targets that are not
// rendered functions (stubs, runtime, BLR provenance) are shown as plaintext nodes.
// maxNodes limits the number of function nodes rendered (0 = all).
func CallgraphDOT(funcs []disasm.FuncRecord, edges []disasm.CallEdgeRecord, title string, t Theme, maxNodes int) string {
	// Build set of known function names.
	funcSet := make(map[string]bool, len(funcs))
	for _, f := range funcs {
		funcSet[f.Name] = true
	}

	// Deduplicate edges: caller→callee→prov.
	type edgeKey struct {
		from, to, prov string
	}
	type edgeVal struct {
		count int
		via   string
	}
	dedupEdges := make(map[edgeKey]*edgeVal)

	for _, e := range edges {
		prov := ClassifyEdgeProv(e)
		var target string
		if e.Kind == "bl" {
			target = e.Target
		} else {
			// For BLR, target is unresolvable — group by "from → via" label.
			target = e.Via
			if target == "" {
				target = "unresolved_blr"
			}
		}
		if target == "" {
			continue
		}
		k := edgeKey{e.FromFunc, target, prov}
		if v, ok := dedupEdges[k]; ok {
			v.count++
		} else {
			dedupEdges[k] = &edgeVal{count: 1, via: e.Via}
		}
	}

	// Identify referenced nodes (callers + callees).
	refNodes := make(map[string]bool)
	for k := range dedupEdges {
		refNodes[k.from] = true
		refNodes[k.to] = true
	}

	// Filter to functions that participate in edges.
	var renderFuncs []disasm.FuncRecord
	for _, f := range funcs {
		if refNodes[f.Name] {
			renderFuncs = append(renderFuncs, f)
		}
	}
	if maxNodes > 0 && len(renderFuncs) > maxNodes {
		renderFuncs = renderFuncs[:maxNodes]
		// Rebuild funcSet to only include rendered functions.
		funcSet = make(map[string]bool, len(renderFuncs))
		for _, f := range renderFuncs {
			funcSet[f.Name] = true
		}
	}

	// Collect external nodes (targets not in funcSet, reachable from rendered funcs).
	externalNodes := make(map[string]bool)
	for k := range dedupEdges {
		if !funcSet[k.from] {
			continue // edge from non-rendered function — skip entirely
		}
		if !funcSet[k.to] {
			externalNodes[k.to] = true
		}
	}

	// Group rendered functions by owner for clustering.
	ownerFuncs := make(map[string][]disasm.FuncRecord)
	var noOwner []disasm.FuncRecord
	for _, f := range renderFuncs {
		if f.Owner != "" {
			ownerFuncs[f.Owner] = append(ownerFuncs[f.Owner], f)
		} else {
			noOwner = append(noOwner, f)
		}
	}

	var b strings.Builder
	b.WriteString("digraph callgraph {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  compound=true;\n")
	b.WriteString("  splines=true;\n")
	b.WriteString("  nodesep=0.4;\n")
	b.WriteString("  ranksep=0.6;\n")
	fmt.Fprintf(&b, "  bgcolor=%q;\n", t.Background)
	fmt.Fprintf(&b, "  node [shape=rect, style=filled, fillcolor=%q, color=%q, penwidth=0.5, fontname=\"Helvetica Neue,Helvetica,Arial\", fontsize=9, fontcolor=%q, height=0.3, margin=\"0.12,0.06\"];\n",
		t.NodeFill, t.NodeBorder, t.TextColor)
	fmt.Fprintf(&b, "  edge [penwidth=0.5, arrowsize=0.5, arrowhead=vee];\n")
	if title != "" {
		fmt.Fprintf(&b, "  labelloc=t;\n  labeljust=l;\n")
		fmt.Fprintf(&b, "  label=<<font face=\"Helvetica Neue,Helvetica\" point-size=\"8\" color=\"%s\">%s</font>>;\n",
			t.TextColor, dotEscape(title))
	}
	b.WriteByte('\n')

	// Render clustered function nodes (grouped by owner).
	for owner, funcsInOwner := range ownerFuncs {
		if len(funcsInOwner) < 2 {
			// Singletons go at top level.
			noOwner = append(noOwner, funcsInOwner...)
			continue
		}
		clusterID := "cluster_" + dotID(owner)
		ownerLabel := stripOwnerHash(owner)
		fmt.Fprintf(&b, "  subgraph %s {\n", clusterID)
		fmt.Fprintf(&b, "    label=<<font point-size=\"8\" color=\"%s\">%s</font>>;\n",
			t.ClusterLabel, dotEscape(ownerLabel))
		fmt.Fprintf(&b, "    style=dotted; color=%q; penwidth=0.3;\n", t.ClusterBorder)
		for _, f := range funcsInOwner {
			id := dotID(f.Name)
			// Inside a cluster, strip owner prefix for shorter labels.
			label := stripMethodName(f.Name, owner)
			label = truncLabel(label, 50)
			if strings.HasPrefix(f.Name, "sub_") {
				fmt.Fprintf(&b, "    %s [label=%q, fillcolor=%q];\n", id, label, t.StubFill)
			} else {
				fmt.Fprintf(&b, "    %s [label=%q];\n", id, label)
			}
		}
		fmt.Fprintf(&b, "  }\n")
	}

	// Render unclustered nodes (no owner or singletons).
	for _, f := range noOwner {
		id := dotID(f.Name)
		label := truncLabel(f.Name, 60)
		if strings.HasPrefix(f.Name, "sub_") {
			fmt.Fprintf(&b, "  %s [label=%q, fillcolor=%q];\n", id, label, t.StubFill)
		} else {
			fmt.Fprintf(&b, "  %s [label=%q];\n", id, label)
		}
	}
	b.WriteByte('\n')

	// Render external nodes.
	for name := range externalNodes {
		id := dotID(name)
		label := truncLabel(name, 50)
		fmt.Fprintf(&b, "  %s [label=%q, shape=plaintext, style=\"\", fillcolor=none, fontcolor=%q, fontsize=8];\n",
			id, label, t.ExternalText)
	}
	b.WriteByte('\n')

	// Render edges.
	for k, v := range dedupEdges {
		if !funcSet[k.from] && !externalNodes[k.from] {
			continue
		}
		fromID := dotID(k.from)
		toID := dotID(k.to)
		color := edgeColor(k.prov, t)
		style := edgeStyle(k.prov)

		attrs := fmt.Sprintf("color=%q, style=%q", color, style)
		if v.count > 1 {
			attrs += fmt.Sprintf(", penwidth=%.1f", 0.5+float64(v.count)*0.1)
			if v.count > 2 {
				attrs += fmt.Sprintf(", label=<<font point-size=\"7\" color=\"%s\">%dx</font>>", color, v.count)
			}
		}
		fmt.Fprintf(&b, "  %s -> %s [%s];\n", fromID, toID, attrs)
	}

	b.WriteString("}\n")
	return b.String()
}

// CallgraphStats computes summary statistics from edges.
type CallgraphStats struct {
	TotalFunctions int
	TotalEdges     int
	BLEdges        int
	BLREdges       int
	BLRAnnotated   int
	UniqueOwners   int
	ProvCounts     map[string]int
	TopCallers     []NameCount // sorted desc
	TopCallees     []NameCount // sorted desc
	TopOwners      []NameCount // sorted desc by method count
}

// NameCount pairs a name with a count.
type NameCount struct {
	Name  string
	Count int
}

// ComputeStats computes callgraph statistics from JSONL data.
func ComputeStats(funcs []disasm.FuncRecord, edges []disasm.CallEdgeRecord) CallgraphStats {
	stats := CallgraphStats{
		TotalFunctions: len(funcs),
		TotalEdges:     len(edges),
		ProvCounts:     make(map[string]int),
	}

	callerCount := make(map[string]int)
	calleeCount := make(map[string]int)

	for _, e := range edges {
		prov := ClassifyEdgeProv(e)
		stats.ProvCounts[prov]++

		callerCount[e.FromFunc]++
		if e.Kind == "bl" {
			stats.BLEdges++
			if e.Target != "" {
				calleeCount[e.Target]++
			}
		} else {
			stats.BLREdges++
			if e.Via != "" {
				stats.BLRAnnotated++
			}
		}
	}

	// Count methods per owner class.
	ownerCount := make(map[string]int)
	for _, f := range funcs {
		if f.Owner != "" {
			ownerCount[f.Owner]++
		}
	}
	stats.UniqueOwners = len(ownerCount)

	stats.TopCallers = topNMap(callerCount, 20)
	stats.TopCallees = topNMap(calleeCount, 20)
	stats.TopOwners = topNMap(ownerCount, 30)
	return stats
}

// topNMap returns the top N entries from a map, sorted descending.
func topNMap(m map[string]int, n int) []NameCount {
	entries := make([]NameCount, 0, len(m))
	for name, count := range m {
		entries = append(entries, NameCount{name, count})
	}
	// Sort descending by count.
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].Count > entries[i].Count {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
