package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"unflutter/internal/cluster"
	"unflutter/internal/dartfmt"
	"unflutter/internal/elfx"
	"unflutter/internal/snapshot"
)

func cmdStrings(args []string) error {
	fs := flag.NewFlagSet("strings", flag.ExitOnError)
	libapp := fs.String("lib", "", "path to libapp.so")
	maxSteps := fs.Int("max-steps", 0, "global loop cap")
	which := fs.String("which", "isolate", "which snapshot: vm, isolate, or both")
	maxLen := fs.Int("max-len", 200, "max display length per string (0 = unlimited)")
	names := fs.Bool("names", false, "extract and display named objects (Function, Class, Library, Script)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *libapp == "" {
		return fmt.Errorf("--lib is required")
	}

	opts := dartfmt.Options{
		Mode:     dartfmt.ModeBestEffort,
		MaxSteps: *maxSteps,
	}

	ef, err := elfx.Open(*libapp)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer ef.Close()

	info, err := snapshot.Extract(ef, opts)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	if info.Version != nil && info.Version.DartVersion != "" {
		fmt.Fprintf(os.Stderr, "Dart SDK version: %s\n", info.Version.DartVersion)
	}
	if info.Version != nil && !info.Version.Supported {
		return fmt.Errorf("HALT_UNSUPPORTED_VERSION: Dart %s (hash %s)", info.Version.DartVersion, info.VmHeader.SnapshotHash)
	}

	type target struct {
		name         string
		data         []byte
		snapshotSize int64
	}
	var targets []target
	switch {
	case *names:
		// Always parse both to build complete ref→string map.
		targets = []target{
			{"VM", info.VmData.Data, info.VmHeader.TotalSize},
			{"Isolate", info.IsolateData.Data, info.IsolateHeader.TotalSize},
		}
	case *which == "vm":
		targets = []target{{"VM", info.VmData.Data, info.VmHeader.TotalSize}}
	case *which == "isolate":
		targets = []target{{"Isolate", info.IsolateData.Data, info.IsolateHeader.TotalSize}}
	default:
		targets = []target{
			{"VM", info.VmData.Data, info.VmHeader.TotalSize},
			{"Isolate", info.IsolateData.Data, info.IsolateHeader.TotalSize},
		}
	}

	// When --names is set, build a combined ref→string map from all snapshots
	// so cross-snapshot refs (e.g., isolate name pointing to VM string) resolve.
	type parsedTarget struct {
		name   string
		result *cluster.Result
	}
	var parsed []parsedTarget

	for _, t := range targets {
		if len(t.data) < 64 {
			fmt.Fprintf(os.Stderr, "%s: data too short (%d bytes)\n", t.name, len(t.data))
			continue
		}

		clusterStart, err := cluster.FindClusterDataStart(t.data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", t.name, err)
			continue
		}

		isVM := t.name == "VM"
		result, err := cluster.ScanClusters(t.data, clusterStart, info.Version, isVM, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: scan error: %v\n", t.name, err)
			continue
		}

		if *names {
			if err := cluster.ReadFill(t.data, result, info.Version, isVM, t.snapshotSize); err != nil {
				fmt.Fprintf(os.Stderr, "%s: fill error: %v\n", t.name, err)
				continue
			}
		} else {
			if err := cluster.ReadFillStrings(t.data, result, info.Version, isVM, t.snapshotSize); err != nil {
				fmt.Fprintf(os.Stderr, "%s: fill error: %v\n", t.name, err)
				continue
			}
		}

		parsed = append(parsed, parsedTarget{name: t.name, result: result})
	}

	// Build combined ref→string map across all snapshots.
	refToStr := make(map[int]string)
	if *names {
		for _, pt := range parsed {
			for _, ps := range pt.result.Strings {
				refToStr[ps.RefID] = ps.Value
			}
		}
		// Also build ref→named lookup for owner resolution.
		refToNamed := make(map[int]*cluster.NamedObject)
		for _, pt := range parsed {
			for i := range pt.result.Named {
				no := &pt.result.Named[i]
				refToNamed[no.RefID] = no
			}
		}
		// Resolve owner names through the named object chain.
		for _, pt := range parsed {
			for i := range pt.result.Named {
				no := &pt.result.Named[i]
				if no.OwnerRefID >= 0 {
					if owner, ok := refToNamed[no.OwnerRefID]; ok && owner.NameRefID >= 0 {
						if _, ok := refToStr[no.OwnerRefID]; !ok {
							// Store the owner's name string at the owner's ref ID.
							if ownerName, ok := refToStr[owner.NameRefID]; ok {
								refToStr[no.OwnerRefID] = ownerName
							}
						}
					}
				}
			}
		}
	}

	ct := info.Version.CIDs
	for _, pt := range parsed {
		fmt.Printf("%s Strings (%d):\n", pt.name, len(pt.result.Strings))
		for _, ps := range pt.result.Strings {
			display := ps.Value
			display = strings.ReplaceAll(display, "\n", "\\n")
			display = strings.ReplaceAll(display, "\r", "\\r")
			display = strings.ReplaceAll(display, "\t", "\\t")

			truncated := false
			if *maxLen > 0 && len(display) > *maxLen {
				display = display[:*maxLen]
				truncated = true
			}

			enc := "1b"
			if !ps.IsOneByte {
				enc = "2b"
			}

			suffix := ""
			if truncated {
				suffix = "..."
			}
			fmt.Printf("  [ref=%d] (%s) %q%s\n", ps.RefID, enc, display, suffix)
		}

		if *names && len(pt.result.Named) > 0 {
			fmt.Printf("\n%s Named Objects (%d):\n", pt.name, len(pt.result.Named))
			for _, no := range pt.result.Named {
				name := refToStr[no.NameRefID]
				if name == "" {
					name = fmt.Sprintf("<ref:%d>", no.NameRefID)
				}
				cidName := cluster.CidNameV(no.CID, ct)
				if cidName == "" {
					cidName = fmt.Sprintf("CID_%d", no.CID)
				}

				owner := ""
				if no.OwnerRefID >= 0 {
					if ownerName, ok := refToStr[no.OwnerRefID]; ok {
						owner = fmt.Sprintf(" owner=%q", ownerName)
					} else {
						owner = fmt.Sprintf(" owner=<ref:%d>", no.OwnerRefID)
					}
				}

				display := name
				if *maxLen > 0 && len(display) > *maxLen {
					display = display[:*maxLen] + "..."
				}
				fmt.Printf("  [ref=%d] %-20s %q%s\n", no.RefID, cidName, display, owner)
			}
		}
	}

	return nil
}
