// Package arm64 adapts golang.org/x/arch/arm64/arm64asm to the disasm.Decoder
// contract.
package arm64

import (
	"strconv"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/bytedriver/strongarm/disasm"
)

const instructionSize = 4

// Decoder decodes ARM64 instruction streams via arm64asm.
type Decoder struct{}

// NewDecoder returns a ready-to-use ARM64 Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode implements disasm.Decoder. Instructions that fail to decode are
// skipped with a 4-byte advance rather than aborting the whole stream,
// matching the tolerant posture spec §7 asks of downstream (non-container)
// components.
func (d *Decoder) Decode(code []byte, baseAddress uint64) ([]disasm.Instruction, error) {
	var out []disasm.Instruction

	for off := 0; off+instructionSize <= len(code); off += instructionSize {
		inst, err := arm64asm.Decode(code[off : off+instructionSize])
		if err != nil {
			continue
		}

		out = append(out, disasm.Instruction{
			Address:  baseAddress + uint64(off),
			Mnemonic: mnemonicOf(inst),
			Operands: convertOperands(inst),
			ByteSize: instructionSize,
		})
	}

	return out, nil
}

// mnemonicOf lowercases arm64asm's opcode name. Conditional branches decode
// as Op == B with a leading Cond arg rather than a distinct opcode per
// condition, so those are rewritten to the "b.eq"/"b.ne"/... form
// disasm.IsBranch recognizes.
func mnemonicOf(inst arm64asm.Inst) string {
	op := strings.ToLower(inst.Op.String())
	if op == "b" {
		if cond, ok := firstCond(inst); ok {
			return "b." + strings.ToLower(cond.String())
		}
	}
	return op
}

func firstCond(inst arm64asm.Inst) (arm64asm.Cond, bool) {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if c, ok := arg.(arm64asm.Cond); ok {
			return c, true
		}
	}
	return arm64asm.Cond{}, false
}

func convertOperands(inst arm64asm.Inst) []disasm.Operand {
	var out []disasm.Operand
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if op, ok := convertArg(arg); ok {
			out = append(out, op)
		}
	}
	return out
}

// convertArg converts one decoded arm64asm.Arg into disasm's tagged
// operand union. Args with no meaningful representation in that union
// (condition codes, register-arrangement suffixes used by SIMD mnemonics
// this analyzer does not care about) are dropped, reported via ok=false.
func convertArg(arg arm64asm.Arg) (disasm.Operand, bool) {
	switch v := arg.(type) {
	case arm64asm.Reg:
		return disasm.Operand{Kind: disasm.OperandRegister, Register: strings.ToLower(v.String())}, true

	case arm64asm.RegSP:
		return disasm.Operand{Kind: disasm.OperandRegister, Register: strings.ToLower(v.String())}, true

	case arm64asm.Imm:
		return disasm.Operand{Kind: disasm.OperandImmediate, Immediate: int64(v.Imm)}, true

	case arm64asm.Imm64:
		return disasm.Operand{Kind: disasm.OperandImmediate, Immediate: int64(v.Imm)}, true

	case arm64asm.PCRel:
		return disasm.Operand{Kind: disasm.OperandImmediate, Immediate: int64(v)}, true

	case arm64asm.MemImmediate:
		base, disp := decodeMemImmediate(v)
		return disasm.Operand{Kind: disasm.OperandMemory, MemoryBase: base, MemoryDisplacement: disp}, true

	default:
		return disasm.Operand{}, false
	}
}

// decodeMemImmediate recovers a MemImmediate's base register and signed
// displacement. arm64asm keeps the displacement field unexported; its
// String() form is always "[<base>,#<decimal>]" (pre/post-index variants
// append "!" or move the comma), so the decimal immediate is parsed back
// out of that rendering rather than guessing the encoding ourselves.
func decodeMemImmediate(m arm64asm.MemImmediate) (base string, displacement int64) {
	base = strings.ToLower(m.Base.String())

	s := m.String()
	idx := strings.IndexByte(s, '#')
	if idx < 0 {
		return base, 0
	}
	rest := s[idx+1:]
	end := 0
	for end < len(rest) && (rest[end] == '-' || (rest[end] >= '0' && rest[end] <= '9')) {
		end++
	}
	n, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return base, 0
	}
	return base, n
}
