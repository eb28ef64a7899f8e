package objc

import (
	"github.com/bytedriver/strongarm/disasm"
	"github.com/bytedriver/strongarm/macho"
)

// RegisterValueKind discriminates a RegisterValue's tagged union, per
// spec §4.7's {IMMEDIATE, FUNCTION_ARG, UNKNOWN} result set.
type RegisterValueKind int

const (
	RegisterUnknown RegisterValueKind = iota
	RegisterImmediate
	RegisterFunctionArg
)

// RegisterValue is the resolved source of a register at a given point in
// a function's instruction stream.
type RegisterValue struct {
	Kind      RegisterValueKind
	Immediate uint64
	ArgIndex  int // meaningful when Kind == RegisterFunctionArg
}

func unknown() RegisterValue { return RegisterValue{Kind: RegisterUnknown} }

func immediate(v uint64) RegisterValue {
	return RegisterValue{Kind: RegisterImmediate, Immediate: v}
}

func functionArg(k int) RegisterValue {
	return RegisterValue{Kind: RegisterFunctionArg, ArgIndex: k}
}

// argumentRegisters are the ARM64 registers holding function arguments
// 0 through 7 at entry, per the AAPCS64 calling convention.
var argumentRegisters = map[string]int{
	"x0": 0, "x1": 1, "x2": 2, "x3": 3,
	"x4": 4, "x5": 5, "x6": 6, "x7": 7,
}

// ResolveRegister computes the value register reg holds immediately before
// instructions[upTo] executes, per spec §4.7, by replaying
// instructions[0:upTo] forward from the function-entry register state.
//
// This is a single straight-line predecessor walk, not a join over all
// predecessors at a block boundary: callers pass the instruction slice
// for the specific path they care about (typically a function's full
// instruction list up to the query point, since the resolver only ever
// needs the path dominating one call site). Ambiguity along that single
// path resolves conservatively to UNKNOWN, never by guessing.
func ResolveRegister(slice *macho.Slice, instructions []disasm.Instruction, upTo int, reg string) RegisterValue {
	state := entryState()

	limit := upTo
	if limit > len(instructions) {
		limit = len(instructions)
	}
	for i := 0; i < limit; {
		inst := instructions[i]
		consumed := step(slice, instructions, i, inst, state, limit)
		i += consumed
	}

	if v, ok := state[reg]; ok {
		return v
	}
	return unknown()
}

func entryState() map[string]RegisterValue {
	state := make(map[string]RegisterValue, len(argumentRegisters))
	for r, k := range argumentRegisters {
		state[r] = functionArg(k)
	}
	return state
}

// step applies one instruction's effect on the abstract register state,
// per the defining-instruction list in spec §4.7, and returns how many
// instructions it consumed (2 when an adrp+add/adrp+ldr pair is folded
// into one definition, 1 otherwise) so the caller does not re-process a
// folded-in successor against the already-updated state.
func step(slice *macho.Slice, instructions []disasm.Instruction, i int, inst disasm.Instruction, state map[string]RegisterValue, limit int) int {
	switch inst.Mnemonic {
	case "mov":
		if len(inst.Operands) != 2 || inst.Operands[0].Kind != disasm.OperandRegister {
			clearDestination(inst, state)
			return 1
		}
		dst := inst.Operands[0].Register
		src := inst.Operands[1]
		switch src.Kind {
		case disasm.OperandImmediate:
			state[dst] = immediate(uint64(src.Immediate))
		case disasm.OperandRegister:
			if v, ok := state[src.Register]; ok {
				state[dst] = v
			} else {
				state[dst] = unknown()
			}
		default:
			state[dst] = unknown()
		}
		return 1

	case "adrp":
		if len(inst.Operands) != 2 || inst.Operands[0].Kind != disasm.OperandRegister {
			clearDestination(inst, state)
			return 1
		}
		dst := inst.Operands[0].Register
		page := adrpTarget(inst)
		state[dst] = immediate(page)
		if i+1 < limit && resolveAdrpFollowup(slice, instructions[i+1], dst, page, state) {
			return 2
		}
		return 1

	case "ldr":
		if len(inst.Operands) != 2 || inst.Operands[0].Kind != disasm.OperandRegister || inst.Operands[1].Kind != disasm.OperandMemory {
			clearDestination(inst, state)
			return 1
		}
		dst := inst.Operands[0].Register
		mem := inst.Operands[1]
		base, ok := state[mem.MemoryBase]
		if !ok || base.Kind != RegisterImmediate {
			state[dst] = unknown()
			return 1
		}
		addr := uint64(int64(base.Immediate) + mem.MemoryDisplacement)
		v, err := slice.ReadPointer(addr)
		if err != nil {
			state[dst] = unknown()
			return 1
		}
		state[dst] = immediate(v)
		return 1

	case "add":
		// add Rd, Rd, #off immediately following adrp is consumed by
		// resolveAdrpFollowup above; any other add clears its destination
		// since this resolver does not model general arithmetic.
		clearDestination(inst, state)
		return 1

	default:
		clearDestination(inst, state)
		return 1
	}
}

// resolveAdrpFollowup inspects the instruction immediately after an adrp
// and, if it is "add Rd, Rd, #off" or "ldr Rd, [Rd, #off]" targeting the
// same destination register, folds it into a single resolved value, per
// spec §4.7's adrp+add / adrp+ldr pattern. Reports whether it matched and
// consumed follow.
func resolveAdrpFollowup(slice *macho.Slice, follow disasm.Instruction, dst string, page uint64, state map[string]RegisterValue) bool {
	switch follow.Mnemonic {
	case "add":
		if len(follow.Operands) != 3 {
			return false
		}
		if follow.Operands[0].Register != dst || follow.Operands[1].Register != dst {
			return false
		}
		if follow.Operands[2].Kind != disasm.OperandImmediate {
			return false
		}
		state[dst] = immediate(page + uint64(follow.Operands[2].Immediate))
		return true

	case "ldr":
		if len(follow.Operands) != 2 || follow.Operands[1].Kind != disasm.OperandMemory {
			return false
		}
		if follow.Operands[0].Kind != disasm.OperandRegister || follow.Operands[0].Register != dst {
			return false
		}
		mem := follow.Operands[1]
		if mem.MemoryBase != dst {
			return false
		}
		addr := page + uint64(mem.MemoryDisplacement)
		v, err := slice.ReadPointer(addr)
		if err != nil {
			return false
		}
		state[dst] = immediate(v)
		return true
	}
	return false
}

// adrpTarget computes ADRP's page-aligned target address. arm64asm's
// decoded PCRel operand for ADRP is already scaled to page granularity
// (the immhi:immlo field shifted left 12), but it remains a delta from
// the instruction's own address, not from that address's page boundary:
// ADRP's defined semantics are base = PC & ~0xfff, target = base + delta,
// so the instruction address must be page-masked before the delta is
// applied.
func adrpTarget(inst disasm.Instruction) uint64 {
	if len(inst.Operands) != 2 || inst.Operands[1].Kind != disasm.OperandImmediate {
		return 0
	}
	delta := inst.Operands[1].Immediate
	page := inst.Address &^ 0xfff
	return uint64(int64(page) + delta)
}

func clearDestination(inst disasm.Instruction, state map[string]RegisterValue) {
	if len(inst.Operands) == 0 || inst.Operands[0].Kind != disasm.OperandRegister {
		return
	}
	state[inst.Operands[0].Register] = unknown()
}
