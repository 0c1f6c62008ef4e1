package disasm

import (
	"fmt"

	"unflutter/internal/flow"
)

// ToFlowInstructions converts already-decoded ARM64 instructions into
// the architecture-agnostic vocabulary internal/flow operates on,
// using the same DecodeBranch classification BuildCFG uses for basic
// blocks:
//
//   - RET                                    -> "ret"
//   - B, B.cond, CBZ, CBNZ, TBZ, TBNZ         -> "bra", Target set,
//     Condition "cond" iff the branch has a fallthrough
//   - anything else                          -> "" (opaque, skipped)
func ToFlowInstructions(insts []Inst) []flow.Instruction {
	out := make([]flow.Instruction, len(insts))
	for i, inst := range insts {
		bi := DecodeBranch(inst.Raw, inst.Addr)
		switch {
		case bi == nil:
			out[i] = flow.Instruction{
				Address: inst.Addr,
				Text:    inst.Text,
			}
		case bi.IsRet:
			out[i] = flow.Instruction{
				Address:  inst.Addr,
				Mnemonic: "ret",
				Text:     inst.Text,
			}
		default:
			fi := flow.Instruction{
				Address:  inst.Addr,
				Mnemonic: "bra",
				Target:   bi.Target,
				Text:     inst.Text,
			}
			if bi.Cond {
				fi.Condition = "cond"
			}
			out[i] = fi
		}
	}
	return out
}

// BuildFlow reconstructs the structured control flow of one procedure
// from its decoded instruction slice. name identifies the procedure in
// the returned error, which wraps the flow error.
func BuildFlow(name string, insts []Inst) (*flow.Function, error) {
	fn, err := flow.Analyze(flow.DefaultConfig(), ToFlowInstructions(insts), 0)
	if err != nil {
		return nil, fmt.Errorf("flow: %s: %w", name, err)
	}
	return fn, nil
}
