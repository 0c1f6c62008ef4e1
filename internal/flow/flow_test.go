package flow

import "testing"

// instAt builds a synthetic instruction at a given address. Addresses
// are spaced by 4 (as if each instruction were one ARM64 word), mirroring
// how internal/disasm lays out real instructions.
func instAt(addr uint64, mnemonic Symbol, target uint64, cond Symbol) Instruction {
	return Instruction{Address: addr, Mnemonic: mnemonic, Target: target, Condition: cond}
}

func nop(addr uint64) Instruction { return instAt(addr, "", 0, "") }
func ret(addr uint64) Instruction { return instAt(addr, "ret", 0, "") }
func bra(addr uint64, target uint64, cond Symbol) Instruction {
	return instAt(addr, "bra", target, cond)
}

func mustAnalyze(t *testing.T, insts []Instruction) *Function {
	t.Helper()
	fn, err := Analyze(DefaultConfig(), insts, 0)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	return fn
}

func kindsOf(t *testing.T, flow []Node) []string {
	t.Helper()
	var kinds []string
	for _, n := range flow {
		switch v := n.(type) {
		case LinearBlock:
			kinds = append(kinds, "linear")
		case *ControlStructure:
			kinds = append(kinds, v.Kind.Tag.String())
		default:
			t.Fatalf("unexpected node type %T", n)
		}
	}
	return kinds
}

// Scenario 1: linear — no branches at all.
func TestAnalyze_Linear(t *testing.T) {
	insts := []Instruction{nop(0), nop(4), ret(8)}
	fn := mustAnalyze(t, insts)

	if fn.Address != 0 {
		t.Errorf("address = %d, want 0", fn.Address)
	}
	if len(fn.Body.Flow) != 1 {
		t.Fatalf("flow = %d nodes, want 1", len(fn.Body.Flow))
	}
	lb, ok := fn.Body.Flow[0].(LinearBlock)
	if !ok {
		t.Fatalf("flow[0] is %T, want LinearBlock", fn.Body.Flow[0])
	}
	if len(lb.Instructions) != 3 {
		t.Errorf("linear block has %d instructions, want 3", len(lb.Instructions))
	}
}

// Scenario 2: simple if — a conditional branch skipping straight to the return.
func TestAnalyze_SimpleIf(t *testing.T) {
	// idx: 0        1         2    3    4
	//      ins@0    bra@4->16 ins  ins  ret@16
	insts := []Instruction{
		nop(0),
		bra(4, 16, "cond"),
		nop(8),
		nop(12),
		ret(16),
	}
	fn := mustAnalyze(t, insts)

	got := kindsOf(t, fn.Body.Flow)
	want := []string{"linear", "if", "linear"}
	if len(got) != len(want) {
		t.Fatalf("flow kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("flow[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	cs := fn.Body.Flow[1].(*ControlStructure)
	if len(cs.Flow) != 1 {
		t.Fatalf("if has %d children, want 1", len(cs.Flow))
	}
	inner := cs.Flow[0]
	if len(inner.Flow) != 1 {
		t.Fatalf("if body has %d nodes, want 1", len(inner.Flow))
	}
	lb, ok := inner.Flow[0].(LinearBlock)
	if !ok || len(lb.Instructions) != 2 {
		t.Fatalf("if body = %+v, want a 2-instruction LinearBlock", inner.Flow[0])
	}
	if cs.Kind.Cause.Address != 4 {
		t.Errorf("if cause address = %d, want 4", cs.Kind.Cause.Address)
	}
}

// Scenario 3: if-else — two conditional/unconditional branches converging.
func TestAnalyze_IfElse(t *testing.T) {
	// idx: 0     1          2    3         4    5    6
	//      ins@0 bra@4->16  ins  bra@12->24 ins  ins  ret@24
	insts := []Instruction{
		nop(0),
		bra(4, 16, "cond"),
		nop(8),
		bra(12, 24, ""),
		nop(16),
		nop(20),
		ret(24),
	}
	fn := mustAnalyze(t, insts)

	got := kindsOf(t, fn.Body.Flow)
	want := []string{"linear", "if-else", "linear"}
	if len(got) != len(want) {
		t.Fatalf("flow kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("flow[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	cs := fn.Body.Flow[1].(*ControlStructure)
	if len(cs.Flow) != 2 {
		t.Fatalf("if-else has %d children, want 2", len(cs.Flow))
	}
	// The then-branch runs from ins@8 up to the else split, so it also
	// holds the bra@12 that jumps over the else-branch.
	if n := len(cs.Flow[0].Flow[0].(LinearBlock).Instructions); n != 2 {
		t.Errorf("then-branch has %d instructions, want 2", n)
	}
	if n := len(cs.Flow[1].Flow[0].(LinearBlock).Instructions); n != 2 {
		t.Errorf("else-branch has %d instructions, want 2", n)
	}
}

// Scenario 4: nested if inside if.
func TestAnalyze_NestedIf(t *testing.T) {
	// Outer branch @0 skips over an inner if/then that itself contains a
	// conditional branch skipping one instruction.
	// idx: 0          1          2    3    4
	//      bra@0->16  bra@4->12  ins  ret  ret@16
	insts := []Instruction{
		bra(0, 16, "cond"),
		bra(4, 12, "cond"),
		nop(8),
		ret(12),
		ret(16),
	}
	fn := mustAnalyze(t, insts)

	// flow[0] is the leading linear run that ends with (and includes) the
	// outer branch instruction itself — control transfers only after it
	// executes — so the branch is part of the block preceding its own
	// ControlStructure, exactly as in the simple-if case.
	if len(fn.Body.Flow) != 3 {
		t.Fatalf("flow = %d nodes, want 3 (linear, if, linear), got %+v", len(fn.Body.Flow), fn.Body.Flow)
	}
	outer, ok := fn.Body.Flow[1].(*ControlStructure)
	if !ok || outer.Kind.Tag != KindIf {
		t.Fatalf("flow[1] = %+v, want an If ControlStructure", fn.Body.Flow[1])
	}
	if len(outer.Flow) != 1 {
		t.Fatalf("outer if has %d children, want 1", len(outer.Flow))
	}
	innerFlow := outer.Flow[0].Flow
	if len(innerFlow) == 0 {
		t.Fatal("outer if's body is empty")
	}
	found := false
	for _, n := range innerFlow {
		if cs, ok := n.(*ControlStructure); ok && cs.Kind.Tag == KindIf {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a nested If inside outer if's body, got %+v", innerFlow)
	}
}

// Scenario 5: tangled jumps — three mutually overlapping forward
// branches chain into one irreducible mess whose event count (6) fits
// neither the If (2) nor IfElse (4) pattern, so classification must
// fall through to Unknown rather than be misclassified.
func TestAnalyze_Tangled(t *testing.T) {
	// idx0 skips to idx4, idx1 skips to idx5, idx2 skips to idx6 — each
	// pair of ranges overlaps the next without either nesting or lining
	// up end-to-end.
	insts := []Instruction{
		bra(0, 16, "cond"),  // idx0 -> idx4
		bra(4, 20, "cond"),  // idx1 -> idx5
		bra(8, 24, "cond"),  // idx2 -> idx6
		nop(12),
		nop(16),
		nop(20),
		ret(24),
	}
	fn := mustAnalyze(t, insts)

	var cs *ControlStructure
	for _, n := range fn.Body.Flow {
		if c, ok := n.(*ControlStructure); ok {
			cs = c
		}
	}
	if cs == nil {
		t.Fatalf("expected a ControlStructure among %+v", fn.Body.Flow)
	}
	if cs.Kind.Tag != KindUnknown {
		t.Errorf("kind = %s, want unknown", cs.Kind.Tag)
	}
	if len(cs.Mess) != 6 {
		t.Errorf("mess size = %d, want 6 (three branches' splits and joins)", len(cs.Mess))
	}
}

// Scenario 6: dangling back-reference.
func TestAnalyze_DanglingBackReference(t *testing.T) {
	// A branch whose destination is earlier than any still-open forward
	// split: construct the events by hand since a single coherent branch
	// always pairs. We simulate it at the buildClosure level.
	insts := []Instruction{nop(0), nop(4), nop(8)}
	events := []Event{
		{Kind: JoinEvent, Cause: insts[1], Index: 1, Source: 0},
	}
	_, err := buildClosure(insts, events)
	if err == nil {
		t.Fatal("expected DanglingBackReferenceError, got nil")
	}
	if _, ok := err.(*DanglingBackReferenceError); !ok {
		t.Errorf("error = %T, want *DanglingBackReferenceError", err)
	}
}

func TestAnalyze_SelfJump(t *testing.T) {
	insts := []Instruction{nop(0), nop(4)}
	events := []Event{
		{Kind: SplitEvent, Cause: insts[0], Index: 1, Destination: 1},
	}
	_, err := buildClosure(insts, events)
	if _, ok := err.(*SelfJumpError); !ok {
		t.Errorf("error = %T (%v), want *SelfJumpError", err, err)
	}
}

func TestFindFunctionEnd_OutOfBounds(t *testing.T) {
	insts := []Instruction{
		bra(4, 0, "cond"), // targets before function start (start=4)
		ret(8),
	}
	_, err := FindFunctionEnd(DefaultConfig(), insts, 0)
	if _, ok := err.(*OutOfBoundsError); !ok {
		t.Errorf("error = %T (%v), want *OutOfBoundsError", err, err)
	}
}

func TestFindFunctionEnd_Unterminated(t *testing.T) {
	insts := []Instruction{nop(0), bra(4, 12, "cond"), nop(8)}
	_, err := FindFunctionEnd(DefaultConfig(), insts, 0)
	if _, ok := err.(*FunctionUnterminatedError); !ok {
		t.Errorf("error = %T (%v), want *FunctionUnterminatedError", err, err)
	}
}

func TestFindFunctionEnd_ForwardOvershootPrunes(t *testing.T) {
	// Branch overshoots past a return that still finishes the function
	// once the overshot target is itself passed.
	insts := []Instruction{
		bra(0, 12, ""), // forward to idx 3 (addr 12), outside pending
		ret(4),         // doesn't finish: target 12 still ahead of addr 4
		nop(8),
		ret(12), // now outside target (12) == current address: pruned, done
	}
	end, err := FindFunctionEnd(DefaultConfig(), insts, 0)
	if err != nil {
		t.Fatalf("FindFunctionEnd: %v", err)
	}
	if end != 4 {
		t.Errorf("end = %d, want 4", end)
	}
}

// Intersects must be symmetric, and two jumps sharing an endpoint never
// intersect.
func TestIntersects_Symmetric(t *testing.T) {
	a := Event{Kind: SplitEvent, Index: 1, Destination: 5}
	b := Event{Kind: JoinEvent, Index: 3, Source: 2}
	if a.Intersects(b) != b.Intersects(a) {
		t.Errorf("Intersects not symmetric: a.Intersects(b)=%v b.Intersects(a)=%v", a.Intersects(b), b.Intersects(a))
	}
}

func TestIntersects_SharedEndpointNeverIntersects(t *testing.T) {
	a := Event{Kind: SplitEvent, Index: 1, Destination: 10}
	b := Event{Kind: SplitEvent, Index: 2, Destination: 10}
	if a.Intersects(b) {
		t.Error("splits to the same destination must never intersect")
	}
	c := Event{Kind: JoinEvent, Index: 10, Source: 6}
	if a.Intersects(c) {
		t.Error("split whose destination equals a join's index must never intersect")
	}
}

func TestMatches_SplitJoinPair(t *testing.T) {
	split := Event{Kind: SplitEvent, Index: 2, Destination: 8}
	join := Event{Kind: JoinEvent, Index: 8, Source: 2}
	if !Matches(split, join) {
		t.Error("split/join produced from the same branch must match")
	}
	if !Matches(join, split) {
		t.Error("Matches must be order-independent")
	}
	other := Event{Kind: JoinEvent, Index: 8, Source: 3}
	if Matches(split, other) {
		t.Error("split must not match a join from a different source")
	}
}

func TestOffset_RoundTrips(t *testing.T) {
	e := Event{Kind: SplitEvent, Index: 12, Destination: 20}
	offset := e.offset(5)
	back := offset.offset(-5)
	if back != e {
		t.Errorf("offset round-trip = %+v, want %+v", back, e)
	}
}

// Running the closure builder twice on the same inputs must yield
// structurally equal trees.
func TestAnalyze_Idempotent(t *testing.T) {
	insts := []Instruction{nop(0), bra(4, 16, "cond"), nop(8), nop(12), ret(16)}
	a := mustAnalyze(t, insts)
	b := mustAnalyze(t, insts)
	if len(a.Body.Flow) != len(b.Body.Flow) {
		t.Fatalf("flow length differs between runs: %d vs %d", len(a.Body.Flow), len(b.Body.Flow))
	}
	ak := kindsOf(t, a.Body.Flow)
	bk := kindsOf(t, b.Body.Flow)
	for i := range ak {
		if ak[i] != bk[i] {
			t.Errorf("flow[%d] kind differs: %s vs %s", i, ak[i], bk[i])
		}
	}
}
