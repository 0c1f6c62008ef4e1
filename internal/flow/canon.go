package flow

import "sort"

// jump is one flow-changing instruction resolved to indices within the
// current slice.
type jump struct {
	cause       Instruction
	source      int
	destination int
	conditional bool
}

// toEvents converts each jump into its Split/Join pair and returns them
// in canonical total order: by Index, Splits before Joins at the same
// index, and — within a kind at the same index — outer events first (a
// Join's tiebreak is -Source, a Split's is -Destination).
//
// Control transfers immediately after the branch instruction executes,
// hence the +1 on the Split's Index and the Join's Source.
func toEvents(jumps []jump) []Event {
	events := make([]Event, 0, len(jumps)*2)
	for _, j := range jumps {
		splitIndex := j.source + 1
		events = append(events, Event{
			Kind:        SplitEvent,
			Cause:       j.cause,
			Index:       splitIndex,
			Destination: j.destination,
			Conditional: j.conditional,
		})
		events = append(events, Event{
			Kind:        JoinEvent,
			Cause:       j.cause,
			Index:       j.destination,
			Source:      splitIndex,
			Conditional: j.conditional,
		})
	}
	sort.SliceStable(events, func(i, k int) bool {
		return eventLess(events[i], events[k])
	})
	return events
}

// eventLess implements the (index, kind_rank, tiebreak) lexicographic
// key. Dropping the tiebreak silently mis-orders nested regions that
// share an index.
func eventLess(a, b Event) bool {
	if a.Index != b.Index {
		return a.Index < b.Index
	}
	if a.Kind != b.Kind {
		return a.Kind == SplitEvent // Split < Join
	}
	return tiebreak(a) < tiebreak(b)
}

func tiebreak(e Event) int {
	if e.Kind == JoinEvent {
		return -e.Source
	}
	return -e.Destination
}
