package flow

import "fmt"

// OutOfBoundsError reports a branch whose target lies before the
// function's first instruction.
type OutOfBoundsError struct {
	Instruction Instruction
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("flow: branch at 0x%x targets 0x%x, before function start", e.Instruction.Address, e.Instruction.Target)
}

// FunctionUnterminatedError reports a function whose instruction
// sequence ran out while forward branches were still pending.
type FunctionUnterminatedError struct {
	Start Instruction
}

func (e *FunctionUnterminatedError) Error() string {
	return fmt.Sprintf("flow: function at 0x%x doesn't finish within the given code", e.Start.Address)
}

// DanglingBackReferenceError reports a back-edge event with no open
// forward partner in the current closure.
type DanglingBackReferenceError struct {
	Event Event
}

func (e *DanglingBackReferenceError) Error() string {
	return fmt.Sprintf("flow: back-reference at index %d (cause 0x%x) has no matching open forward event", e.Event.Index, e.Event.Cause.Address)
}

// AmbiguousBackReferenceError reports a back-edge that matches more
// than one pending forward-reference event — an invariant violation
// the canonicalizer is not supposed to produce. A well-formed jump
// table never leaves two open forward references satisfiable by the
// same back-edge, so this is treated as a corpus bug, not a case to
// resolve silently.
type AmbiguousBackReferenceError struct {
	Event      Event
	Candidates int
}

func (e *AmbiguousBackReferenceError) Error() string {
	return fmt.Sprintf("flow: back-reference at index %d (cause 0x%x) matches %d pending forward events, want 1", e.Event.Index, e.Event.Cause.Address, e.Candidates)
}

// SelfJumpError reports a branch whose source+1 equals its destination.
type SelfJumpError struct {
	Event Event
}

func (e *SelfJumpError) Error() string {
	return fmt.Sprintf("flow: self jump at index %d (cause 0x%x)", e.Event.Index, e.Event.Cause.Address)
}

// UnbalancedEventsError reports events still open after the last index
// of a closure.
type UnbalancedEventsError struct {
	Pending []Event
}

func (e *UnbalancedEventsError) Error() string {
	return fmt.Sprintf("flow: %d events left open after last index", len(e.Pending))
}

// StructureArityError reports an If or IfElse ControlStructure whose
// child-closure count does not match its kind.
type StructureArityError struct {
	Kind KindTag
	Got  int
	Want int
}

func (e *StructureArityError) Error() string {
	return fmt.Sprintf("flow: %s has %d children, want %d", e.Kind, e.Got, e.Want)
}
