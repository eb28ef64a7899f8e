package arm64

import (
	"testing"

	"github.com/bytedriver/strongarm/disasm"
)

func TestDecodeRet(t *testing.T) {
	// ret
	code := []byte{0xc0, 0x03, 0x5f, 0xd6}
	d := NewDecoder()
	insts, err := d.Decode(code, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(insts) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(insts))
	}
	if insts[0].Mnemonic != "ret" {
		t.Errorf("Mnemonic = %q, want ret", insts[0].Mnemonic)
	}
	if insts[0].Address != 0x1000 {
		t.Errorf("Address = %#x, want 0x1000", insts[0].Address)
	}
}

func TestDecodeMovzImmediate(t *testing.T) {
	// movz x0, #5
	code := []byte{0xa0, 0x00, 0x80, 0xd2}
	d := NewDecoder()
	insts, err := d.Decode(code, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(insts) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(insts))
	}
	inst := insts[0]
	if len(inst.Operands) != 2 {
		t.Fatalf("expected 2 operands, got %d", len(inst.Operands))
	}
	if inst.Operands[0].Kind != disasm.OperandRegister || inst.Operands[0].Register != "x0" {
		t.Errorf("operand 0 = %+v, want register x0", inst.Operands[0])
	}
	if inst.Operands[1].Kind != disasm.OperandImmediate || inst.Operands[1].Immediate != 5 {
		t.Errorf("operand 1 = %+v, want immediate 5", inst.Operands[1])
	}
}

func TestDecodeMovRegisterToRegister(t *testing.T) {
	// mov x0, x1 (ORR x0, xzr, x1 alias)
	code := []byte{0xe0, 0x03, 0x01, 0xaa}
	d := NewDecoder()
	insts, err := d.Decode(code, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(insts) != 1 {
		t.Fatalf("expected 1 instruction, got %d", len(insts))
	}
	inst := insts[0]
	if inst.Mnemonic != "mov" {
		t.Errorf("Mnemonic = %q, want mov", inst.Mnemonic)
	}
	if len(inst.Operands) != 2 || inst.Operands[0].Register != "x0" || inst.Operands[1].Register != "x1" {
		t.Errorf("Operands = %+v, want [x0 x1]", inst.Operands)
	}
}

func TestDecodeSkipsUndecodable(t *testing.T) {
	// all-zero word is not a valid instruction encoding.
	code := []byte{0x00, 0x00, 0x00, 0x00}
	d := NewDecoder()
	insts, err := d.Decode(code, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(insts) != 0 {
		t.Errorf("expected decode failure to be skipped, got %d instructions", len(insts))
	}
}
