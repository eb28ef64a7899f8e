package objc

import (
	"encoding/binary"
	"testing"

	"github.com/bytedriver/strongarm/disasm"
)

func TestResolveRegisterEntryStateIsFunctionArgs(t *testing.T) {
	instructions := []disasm.Instruction{
		inst(0x100000000, "ret"),
	}
	for reg, want := range argumentRegisters {
		v := ResolveRegister(nil, instructions, 0, reg)
		if v.Kind != RegisterFunctionArg || v.ArgIndex != want {
			t.Errorf("%s at function entry = %+v, want FUNCTION_ARG(%d)", reg, v, want)
		}
	}
	if v := ResolveRegister(nil, instructions, 0, "x9"); v.Kind != RegisterUnknown {
		t.Errorf("x9 at function entry = %+v, want UNKNOWN", v)
	}
}

func TestResolveRegisterMovImmediate(t *testing.T) {
	instructions := []disasm.Instruction{
		inst(0x100000000, "mov", regOperand("x0"), immOperand(5)),
		inst(0x100000004, "ret"),
	}
	v := ResolveRegister(nil, instructions, 1, "x0")
	if v.Kind != RegisterImmediate || v.Immediate != 5 {
		t.Errorf("got %+v, want IMMEDIATE(5)", v)
	}
}

func TestResolveRegisterMovRegisterCopy(t *testing.T) {
	instructions := []disasm.Instruction{
		inst(0x100000000, "mov", regOperand("x0"), immOperand(7)),
		inst(0x100000004, "mov", regOperand("x1"), regOperand("x0")),
		inst(0x100000008, "ret"),
	}
	v := ResolveRegister(nil, instructions, 2, "x1")
	if v.Kind != RegisterImmediate || v.Immediate != 7 {
		t.Errorf("got %+v, want IMMEDIATE(7)", v)
	}
}

func TestResolveRegisterAdrpAdd(t *testing.T) {
	const pageBase = 0x100008000
	instructions := []disasm.Instruction{
		inst(pageBase, "adrp", regOperand("x0"), immOperand(0x1000)), // page = (pageBase &^ 0xfff) + 0x1000
		inst(pageBase+4, "add", regOperand("x0"), regOperand("x0"), immOperand(0x38)),
		inst(pageBase+8, "ret"),
	}
	v := ResolveRegister(nil, instructions, 2, "x0")
	wantPage := (pageBase &^ 0xfff) + 0x1000
	want := uint64(wantPage + 0x38)
	if v.Kind != RegisterImmediate || v.Immediate != want {
		t.Errorf("got %+v, want IMMEDIATE(%#x)", v, want)
	}
}

func TestResolveRegisterAdrpLdr(t *testing.T) {
	const dataVMAddr = 0x100010000
	const pointerValue = uint64(0x100010123)

	payload := make([]byte, 0x40)
	binary.LittleEndian.PutUint64(payload[0x20:0x28], pointerValue)
	s := buildSliceWithData(t, dataVMAddr, payload)

	// adrp x0, page ; ldr x0, [x0, #0x20] where page+0x20 == dataVMAddr+0x20.
	const pageInstrAddr = 0x100000000
	page := dataVMAddr
	delta := int64(page) - int64(pageInstrAddr&^0xfff)

	instructions := []disasm.Instruction{
		inst(pageInstrAddr, "adrp", regOperand("x0"), immOperand(delta)),
		{Address: pageInstrAddr + 4, Mnemonic: "ldr", ByteSize: 4, Operands: []disasm.Operand{
			regOperand("x0"),
			{Kind: disasm.OperandMemory, MemoryBase: "x0", MemoryDisplacement: 0x20},
		}},
		inst(pageInstrAddr+8, "ret"),
	}

	v := ResolveRegister(s, instructions, 2, "x0")
	if v.Kind != RegisterImmediate || v.Immediate != pointerValue {
		t.Errorf("got %+v, want IMMEDIATE(%#x)", v, pointerValue)
	}
}

func TestResolveRegisterUnknownOnOrdinaryArithmetic(t *testing.T) {
	instructions := []disasm.Instruction{
		inst(0x100000000, "add", regOperand("x0"), regOperand("x1"), regOperand("x2")),
		inst(0x100000004, "ret"),
	}
	v := ResolveRegister(nil, instructions, 1, "x0")
	if v.Kind != RegisterUnknown {
		t.Errorf("got %+v, want UNKNOWN for non-adrp-followup add", v)
	}
}

func TestAdrpTargetPageMasking(t *testing.T) {
	// Instruction not itself page-aligned: the mask must drop the low
	// 12 bits of the instruction's own address before adding the delta.
	i := inst(0x100000fe4, "adrp", regOperand("x0"), immOperand(0x3000))
	got := adrpTarget(i)
	want := uint64(0x100000000 + 0x3000)
	if got != want {
		t.Errorf("adrpTarget = %#x, want %#x", got, want)
	}
}
