package flow

// FindFunctionEnd applies the boundary-discovery rule: a return is the
// procedure's last instruction iff no forward branch still pends. It
// returns the exclusive end index of the procedure body
// (insts[start:end]).
func FindFunctionEnd(cfg Config, insts []Instruction, start int) (end int, err error) {
	if start >= len(insts) {
		return 0, &FunctionUnterminatedError{}
	}
	startAddr := insts[start].Address

	var outside []uint64 // multiset of pending forward branch targets
	for i := start; i < len(insts); i++ {
		inst := insts[i]

		if cfg.FlowChanging[inst.Mnemonic] {
			if inst.Target < startAddr {
				return 0, &OutOfBoundsError{Instruction: inst}
			}
			if inst.Target > inst.Address {
				outside = append(outside, inst.Target)
			}
		}

		if cfg.Finishing[inst.Mnemonic] {
			pruned := outside[:0]
			for _, target := range outside {
				if target > inst.Address {
					pruned = append(pruned, target)
				}
			}
			outside = pruned
			if len(outside) == 0 {
				return i + 1, nil
			}
		}
	}
	return 0, &FunctionUnterminatedError{Start: insts[start]}
}

// findJumps collects every flow-changing instruction in body, resolved
// to source/destination indices within body.
func findJumps(cfg Config, body []Instruction) ([]jump, error) {
	addrToIndex := make(map[uint64]int, len(body))
	for i, inst := range body {
		addrToIndex[inst.Address] = i
	}

	var jumps []jump
	for i, inst := range body {
		if !cfg.FlowChanging[inst.Mnemonic] {
			continue
		}
		dest, ok := addrToIndex[inst.Target]
		if !ok {
			return nil, &OutOfBoundsError{Instruction: inst}
		}
		jumps = append(jumps, jump{
			cause:       inst,
			source:      i,
			destination: dest,
			conditional: cfg.IfLike[inst.Mnemonic] && inst.Condition != "",
		})
	}
	return jumps, nil
}

// Analyze runs the full pipeline for one procedure starting at insts[start]:
// boundary discovery, canonicalization, and recursive closure building.
func Analyze(cfg Config, insts []Instruction, start int) (*Function, error) {
	end, err := FindFunctionEnd(cfg, insts, start)
	if err != nil {
		return nil, err
	}
	body := insts[start:end]

	jumps, err := findJumps(cfg, body)
	if err != nil {
		return nil, err
	}
	events := toEvents(jumps)

	closure, err := buildClosure(body, events)
	if err != nil {
		return nil, err
	}
	return &Function{Address: insts[start].Address, Body: closure}, nil
}
