package render

import (
	"fmt"
	"strings"

	"unflutter/internal/flow"
)

// FunctionSource renders a reconstructed Function as pseudo-C, in the
// style of the original tool's closure-display pass: a Closure becomes
// a brace block, an If/IfElse ControlStructure becomes an if/if-else
// whose condition names the branch instruction's address, and an
// Unknown ControlStructure is rendered as a `mess { ... }` block that
// lists its raw events and numbered segments, rather than forced into
// a shape it doesn't have.
func FunctionSource(fn *flow.Function) (string, error) {
	body, err := renderClosure(fn.Body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("// 0x%x\nfunc f_0x%x() {\n%s\n}\n", fn.Address, fn.Address, indent(body)), nil
}

func renderClosure(c *flow.Closure) (string, error) {
	var parts []string
	for _, node := range c.Flow {
		s, err := renderNode(node)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n"), nil
}

func renderNode(n flow.Node) (string, error) {
	switch v := n.(type) {
	case flow.LinearBlock:
		return renderLinear(v), nil
	case *flow.ControlStructure:
		return renderControlStructure(v)
	default:
		return "", fmt.Errorf("render: unhandled node type %T", n)
	}
}

func renderLinear(b flow.LinearBlock) string {
	var lines []string
	for _, inst := range b.Instructions {
		lines = append(lines, fmt.Sprintf("0x%x: %s", inst.Address, inst.Text))
	}
	return strings.Join(lines, "\n")
}

func renderControlStructure(cs *flow.ControlStructure) (string, error) {
	switch cs.Kind.Tag {
	case flow.KindIf:
		if len(cs.Flow) != 1 {
			return "", &flow.StructureArityError{Kind: flow.KindIf, Got: len(cs.Flow), Want: 1}
		}
		body, err := renderClosure(cs.Flow[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("if (branch@0x%x) {\n%s\n}", cs.Kind.Cause.Address, indent(body)), nil

	case flow.KindIfElse:
		if len(cs.Flow) != 2 {
			return "", &flow.StructureArityError{Kind: flow.KindIfElse, Got: len(cs.Flow), Want: 2}
		}
		then, err := renderClosure(cs.Flow[0])
		if err != nil {
			return "", err
		}
		els, err := renderClosure(cs.Flow[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("if (branch@0x%x) {\n%s\n} else {\n%s\n}",
			cs.Kind.Cause.Address, indent(then), indent(els)), nil

	default:
		return renderUnknown(cs)
	}
}

// renderUnknown renders an irreducible mess as a labeled block with
// its children laid out in source order and its raw event list as a
// comment — the pretty-printer's equivalent of giving up gracefully
// rather than lying about structure.
func renderUnknown(cs *flow.ControlStructure) (string, error) {
	var b strings.Builder
	b.WriteString("mess {\n")
	for _, ev := range cs.Mess {
		fmt.Fprintf(&b, "    // %s at index %d (cause 0x%x)\n", ev.Kind, ev.Index, ev.Cause.Address)
	}
	for i, child := range cs.Flow {
		inner, err := renderClosure(child)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "    // segment %d\n%s\n", i, indent(inner))
	}
	b.WriteString("}")
	return b.String(), nil
}

func indent(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line == "" {
			continue
		}
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n")
}
