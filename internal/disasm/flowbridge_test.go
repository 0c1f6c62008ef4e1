package disasm

import "testing"

func TestToFlowInstructions_Ret(t *testing.T) {
	insts := []Inst{makeInst(0x1000, 0xD65F03C0)}
	out := ToFlowInstructions(insts)
	if out[0].Mnemonic != "ret" {
		t.Errorf("mnemonic = %q, want ret", out[0].Mnemonic)
	}
}

func TestToFlowInstructions_UnconditionalBranch(t *testing.T) {
	b := uint32(0x14000000 | 2) // imm26=2 -> offset=8
	insts := []Inst{makeInst(0x2000, b)}
	out := ToFlowInstructions(insts)
	if out[0].Mnemonic != "bra" {
		t.Fatalf("mnemonic = %q, want bra", out[0].Mnemonic)
	}
	if out[0].Target != 0x2008 {
		t.Errorf("target = 0x%x, want 0x2008", out[0].Target)
	}
	if out[0].Condition != "" {
		t.Errorf("condition = %q, want empty for unconditional branch", out[0].Condition)
	}
}

func TestToFlowInstructions_ConditionalBranch(t *testing.T) {
	beq := uint32(0x54000000 | (4 << 5)) // imm19=4 -> offset=0x10
	insts := []Inst{makeInst(0x1000, beq)}
	out := ToFlowInstructions(insts)
	if out[0].Mnemonic != "bra" {
		t.Fatalf("mnemonic = %q, want bra", out[0].Mnemonic)
	}
	if out[0].Condition != "cond" {
		t.Errorf("condition = %q, want cond", out[0].Condition)
	}
	if out[0].Target != 0x1010 {
		t.Errorf("target = 0x%x, want 0x1010", out[0].Target)
	}
}

func TestToFlowInstructions_Opaque(t *testing.T) {
	insts := []Inst{makeInst(0x1000, 0xD503201F)} // NOP
	out := ToFlowInstructions(insts)
	if out[0].Mnemonic != "" {
		t.Errorf("mnemonic = %q, want empty for a non-branch", out[0].Mnemonic)
	}
}

func TestBuildFlow_SimpleIf(t *testing.T) {
	beq := uint32(0x54000000 | (2 << 5)) // imm19=2 -> offset=8 -> target 0x1008
	insts := []Inst{
		makeInst(0x1000, beq),
		makeInst(0x1004, 0xD503201F), // NOP
		makeInst(0x1008, 0xD503201F), // NOP
		makeInst(0x100C, 0xD65F03C0), // RET
	}
	fn, err := BuildFlow("t", insts)
	if err != nil {
		t.Fatalf("BuildFlow: %v", err)
	}
	if fn.Address != 0x1000 {
		t.Errorf("address = 0x%x, want 0x1000", fn.Address)
	}
	if len(fn.Body.Flow) == 0 {
		t.Fatal("body has no flow nodes")
	}
}

func TestBuildFlow_WrapsError(t *testing.T) {
	// B.EQ targeting below the function start is out of bounds.
	beq := uint32(0x54000000 | (0x7FFFE << 5)) // imm19 = -2 -> offset = -8
	insts := []Inst{
		makeInst(0x1000, beq),
		makeInst(0x1004, 0xD65F03C0),
	}
	_, err := BuildFlow("bad", insts)
	if err == nil {
		t.Fatal("expected an error for an out-of-bounds branch")
	}
}
