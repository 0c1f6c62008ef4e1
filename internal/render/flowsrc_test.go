package render

import (
	"strings"
	"testing"

	"unflutter/internal/flow"
)

func instAt(addr uint64, text string) flow.Instruction {
	return flow.Instruction{Address: addr, Text: text}
}

func TestFunctionSource_Linear(t *testing.T) {
	fn := &flow.Function{
		Address: 0x1000,
		Body: &flow.Closure{Flow: []flow.Node{
			flow.LinearBlock{Instructions: []flow.Instruction{instAt(0x1000, "nop"), instAt(0x1004, "ret")}},
		}},
	}
	src, err := FunctionSource(fn)
	if err != nil {
		t.Fatalf("FunctionSource: %v", err)
	}
	if !strings.Contains(src, "func f_0x1000()") {
		t.Errorf("missing function header: %s", src)
	}
	if !strings.Contains(src, "0x1000: nop") {
		t.Errorf("missing instruction line: %s", src)
	}
}

func TestFunctionSource_If(t *testing.T) {
	cause := instAt(0x1000, "b.eq 0x1010")
	cs := &flow.ControlStructure{
		Kind: flow.Kind{Tag: flow.KindIf, Cause: cause},
		Flow: []*flow.Closure{
			{Flow: []flow.Node{flow.LinearBlock{Instructions: []flow.Instruction{instAt(0x1004, "nop")}}}},
		},
	}
	fn := &flow.Function{Address: 0x1000, Body: &flow.Closure{Flow: []flow.Node{cs}}}

	src, err := FunctionSource(fn)
	if err != nil {
		t.Fatalf("FunctionSource: %v", err)
	}
	if !strings.Contains(src, "if (branch@0x1000)") {
		t.Errorf("missing if header: %s", src)
	}
	if strings.Contains(src, "else") {
		t.Errorf("unexpected else in plain if: %s", src)
	}
}

func TestFunctionSource_IfElse(t *testing.T) {
	cause := instAt(0x1000, "b.eq 0x1010")
	cs := &flow.ControlStructure{
		Kind: flow.Kind{Tag: flow.KindIfElse, Cause: cause},
		Flow: []*flow.Closure{
			{Flow: []flow.Node{flow.LinearBlock{Instructions: []flow.Instruction{instAt(0x1004, "nop")}}}},
			{Flow: []flow.Node{flow.LinearBlock{Instructions: []flow.Instruction{instAt(0x100c, "nop")}}}},
		},
	}
	fn := &flow.Function{Address: 0x1000, Body: &flow.Closure{Flow: []flow.Node{cs}}}

	src, err := FunctionSource(fn)
	if err != nil {
		t.Fatalf("FunctionSource: %v", err)
	}
	if !strings.Contains(src, "} else {") {
		t.Errorf("missing else branch: %s", src)
	}
}

func TestFunctionSource_IfArityError(t *testing.T) {
	cs := &flow.ControlStructure{
		Kind: flow.Kind{Tag: flow.KindIf, Cause: instAt(0x1000, "b.eq 0x1010")},
		Flow: nil, // wrong arity: If wants exactly one child
	}
	fn := &flow.Function{Address: 0x1000, Body: &flow.Closure{Flow: []flow.Node{cs}}}

	_, err := FunctionSource(fn)
	if err == nil {
		t.Fatal("expected a StructureArityError")
	}
	if _, ok := err.(*flow.StructureArityError); !ok {
		t.Errorf("err = %T, want *flow.StructureArityError", err)
	}
}

func TestFunctionSource_Unknown(t *testing.T) {
	cs := &flow.ControlStructure{
		Kind: flow.Kind{Tag: flow.KindUnknown},
		Mess: []flow.Event{
			{Kind: flow.SplitEvent, Index: 1, Cause: instAt(0x1000, "b.eq 0x100c")},
			{Kind: flow.SplitEvent, Index: 2, Cause: instAt(0x1004, "b.eq 0x1010")},
			{Kind: flow.JoinEvent, Index: 3},
			{Kind: flow.JoinEvent, Index: 4},
		},
		Flow: []*flow.Closure{
			{Flow: []flow.Node{flow.LinearBlock{Instructions: []flow.Instruction{instAt(0x1008, "nop")}}}},
		},
	}
	fn := &flow.Function{Address: 0x1000, Body: &flow.Closure{Flow: []flow.Node{cs}}}

	src, err := FunctionSource(fn)
	if err != nil {
		t.Fatalf("FunctionSource: %v", err)
	}
	if !strings.Contains(src, "mess {") {
		t.Errorf("missing mess block: %s", src)
	}
	if !strings.Contains(src, "segment 0") {
		t.Errorf("missing segment label: %s", src)
	}
}
