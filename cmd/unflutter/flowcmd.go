package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"unflutter/internal/disasm"
	flowrender "unflutter/internal/render"
)

// cmdFlow reconstructs and prints the structured control flow of a
// single already-disassembled function, without rerunning disasm.
func cmdFlow(args []string) error {
	fs := flag.NewFlagSet("flow", flag.ExitOnError)
	inDir := fs.String("in", "", "input directory (disasm output)")
	funcName := fs.String("func", "", "qualified function name, as it appears in functions.jsonl")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inDir == "" || *funcName == "" {
		return fmt.Errorf("--in and --func are required")
	}

	funcs, err := readJSONL[disasm.FuncRecord](filepath.Join(*inDir, "functions.jsonl"))
	if err != nil {
		return fmt.Errorf("read functions.jsonl: %w", err)
	}

	var rec *disasm.FuncRecord
	for i := range funcs {
		if funcs[i].Name == *funcName {
			rec = &funcs[i]
			break
		}
	}
	if rec == nil {
		return fmt.Errorf("function %q not found in %s", *funcName, filepath.Join(*inDir, "functions.jsonl"))
	}

	asmDir := filepath.Join(*inDir, "asm")
	binPath := filepath.Join(asmDir, funcRelPathFromQualified(rec.Name, rec.Owner)+".bin")
	data, err := os.ReadFile(binPath)
	if err != nil {
		// Fallback: flat layout (pre-subdirectory disasm output).
		flatPath := filepath.Join(asmDir, sanitizeFilename(*funcName)+".bin")
		var flatErr error
		if data, flatErr = os.ReadFile(flatPath); flatErr != nil {
			return fmt.Errorf("read %s: %w", binPath, err)
		}
	}

	pc, err := strconv.ParseUint(strings.TrimPrefix(rec.PC, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("parse PC %q: %w", rec.PC, err)
	}

	insts := decodeRawInsts(data, pc)
	if len(insts) == 0 {
		return fmt.Errorf("no instructions decoded for %s", *funcName)
	}

	fn, err := disasm.BuildFlow(*funcName, insts)
	if err != nil {
		return fmt.Errorf("reconstruct flow: %w", err)
	}

	src, err := flowrender.FunctionSource(fn)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	fmt.Print(src)
	return nil
}
