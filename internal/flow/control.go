package flow

import "sort"

// buildControlStructure classifies one irreducible mess and carves its
// child Closures. events is the canonicalized event list for exactly
// one outer cluster — already re-offset to the sub-slice's own frame.
func buildControlStructure(insts []Instruction, events []Event) (*ControlStructure, error) {
	inMess := make([]bool, len(events))
	inMess[0] = true

	// Step 1: expand to the transitive-intersection fixed point.
	for {
		changed := false
		for i := range events {
			if inMess[i] {
				continue
			}
			for j := range events {
				if inMess[j] && events[i].Intersects(events[j]) {
					inMess[i] = true
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}

	// Step 2: absorb matching partners of the fixed-point mess — pairs
	// stay together even when they don't interval-intersect.
	seed := make([]int, 0, len(events))
	for i, in := range inMess {
		if in {
			seed = append(seed, i)
		}
	}
	for _, mi := range seed {
		for j := range events {
			if !inMess[j] && (Matches(events[mi], events[j]) || Matches(events[j], events[mi])) {
				inMess[j] = true
			}
		}
	}

	// Step 3: carve the gaps between consecutive mess members.
	var messIdx []int
	for i, in := range inMess {
		if in {
			messIdx = append(messIdx, i)
		}
	}

	var children []*Closure
	for p := 0; p+1 < len(messIdx); p++ {
		a := events[messIdx[p]]
		b := events[messIdx[p+1]]
		if a.Index >= b.Index {
			continue // empty gap: no child
		}
		inner := events[messIdx[p]+1 : messIdx[p+1]]
		offset := make([]Event, len(inner))
		for k, e := range inner {
			offset[k] = e.offset(a.Index)
		}
		child, err := buildClosure(insts[a.Index:b.Index], offset)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	mess := make([]Event, len(messIdx))
	for k, idx := range messIdx {
		mess[k] = events[idx]
	}

	return &ControlStructure{
		Mess: mess,
		Flow: children,
		Kind: classify(mess),
	}, nil
}

// classify orders the mess by its canonical key and matches it against
// the If and IfElse event-kind sequences. Anything else is
// KindUnknown — the accepted fallback, never an error.
func classify(mess []Event) Kind {
	ordered := make([]Event, len(mess))
	copy(ordered, mess)
	sort.SliceStable(ordered, func(i, j int) bool {
		return eventLess(ordered[i], ordered[j])
	})

	switch {
	case matchEvents(ordered, ifPattern):
		return Kind{Tag: KindIf, Cause: ordered[0].Cause}
	case matchEvents(ordered, ifElsePattern):
		return Kind{Tag: KindIfElse, Cause: ordered[0].Cause}
	default:
		return Kind{Tag: KindUnknown}
	}
}

type patternToken struct {
	kind   EventKind
	number int
}

var (
	ifPattern     = []patternToken{{SplitEvent, 0}, {JoinEvent, 0}}
	ifElsePattern = []patternToken{{SplitEvent, 0}, {SplitEvent, 1}, {JoinEvent, 0}, {JoinEvent, 1}}
)

// matchEvents reports whether mess, in order, matches pattern: each
// token's event_number toggles membership in a "currently open" set,
// and the set must be empty once every token has been consumed.
func matchEvents(mess []Event, pattern []patternToken) bool {
	if len(mess) != len(pattern) {
		return false
	}
	started := make(map[int]bool)
	for i, ev := range mess {
		tok := pattern[i]
		if ev.Kind != tok.kind {
			return false
		}
		if started[tok.number] {
			delete(started, tok.number)
		} else {
			started[tok.number] = true
		}
	}
	return len(started) == 0
}
