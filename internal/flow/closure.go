package flow

// buildClosure partitions an event-annotated instruction slice into an
// alternating sequence of LinearBlocks and ControlStructures. It walks
// the slice in one pass, toggling between linear mode (no events open)
// and control mode (one or more forward references still pending),
// committing a ControlStructure each time the pending set empties back
// out.
func buildClosure(insts []Instruction, events []Event) (*Closure, error) {
	if len(events) == 0 {
		return &Closure{Flow: []Node{LinearBlock{Instructions: insts}}}, nil
	}

	var flow []Node
	linear := true
	linearStart := 0
	var windowStart int        // index into events of the current control window's first event
	var forwardRefs []Event    // pending open events in the current control window

	for i, ev := range events {
		if linear {
			if linearStart < ev.Index {
				flow = append(flow, LinearBlock{Instructions: insts[linearStart:ev.Index]})
			}
			linear = false
			windowStart = i
		}

		ref := ev.referencedIndex()
		switch {
		case ref > ev.Index: // new opening
			forwardRefs = append(forwardRefs, ev)
		case ref < ev.Index: // closes a pending opening
			match := -1
			for y, candidate := range forwardRefs {
				if Matches(candidate, ev) {
					if match != -1 {
						return nil, &AmbiguousBackReferenceError{Event: ev, Candidates: len(forwardRefs)}
					}
					match = y
				}
			}
			if match == -1 {
				return nil, &DanglingBackReferenceError{Event: ev}
			}
			forwardRefs = append(forwardRefs[:match], forwardRefs[match+1:]...)
		default:
			return nil, &SelfJumpError{Event: ev}
		}

		if len(forwardRefs) == 0 {
			linear = true
			linearStart = ev.Index

			window := events[windowStart : i+1]
			start := window[0].Index
			stop := window[len(window)-1].Index

			sub := make([]Event, len(window))
			for k, e := range window {
				sub[k] = e.offset(start)
			}

			cs, err := buildControlStructure(insts[start:stop], sub)
			if err != nil {
				return nil, err
			}
			flow = append(flow, cs)
		}
	}

	if !linear {
		return nil, &UnbalancedEventsError{Pending: forwardRefs}
	}
	if linearStart < len(insts) {
		flow = append(flow, LinearBlock{Instructions: insts[linearStart:]})
	}
	return &Closure{Flow: flow}, nil
}
