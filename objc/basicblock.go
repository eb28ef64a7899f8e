package objc

import (
	"sort"

	"github.com/bytedriver/strongarm/disasm"
)

// BasicBlock is a maximal contiguous, non-overlapping instruction range
// with one entry and one exit, per spec §4.6. EndAddress is exclusive.
type BasicBlock struct {
	StartAddress uint64
	EndAddress   uint64
	Instructions []disasm.Instruction
}

// BuildBasicBlocks partitions a function's sequential instruction list
// into basic blocks, per spec §4.6's leader-set algorithm:
//  1. the first instruction is a leader;
//  2. a branch's in-function target is a leader;
//  3. the instruction immediately following a branch is a leader.
//
// instructions must already be in ascending-address order (as produced
// by a single Decode call over one function body).
func BuildBasicBlocks(instructions []disasm.Instruction) []BasicBlock {
	if len(instructions) == 0 {
		return nil
	}

	byAddress := make(map[uint64]int, len(instructions))
	for i, inst := range instructions {
		byAddress[inst.Address] = i
	}

	leaders := make(map[uint64]bool)
	leaders[instructions[0].Address] = true

	for i, inst := range instructions {
		target, ok := branchTarget(inst)
		if ok {
			if _, inFunction := byAddress[target]; inFunction {
				leaders[target] = true
			}
		}
		if disasm.IsBranch(inst.Mnemonic) && i+1 < len(instructions) {
			leaders[instructions[i+1].Address] = true
		}
	}

	leaderAddrs := make([]uint64, 0, len(leaders))
	for addr := range leaders {
		leaderAddrs = append(leaderAddrs, addr)
	}
	sort.Slice(leaderAddrs, func(i, j int) bool { return leaderAddrs[i] < leaderAddrs[j] })

	blocks := make([]BasicBlock, 0, len(leaderAddrs))
	for bi, addr := range leaderAddrs {
		startIdx := byAddress[addr]
		endIdx := len(instructions)
		if bi+1 < len(leaderAddrs) {
			endIdx = byAddress[leaderAddrs[bi+1]]
		}
		block := BasicBlock{
			StartAddress: addr,
			Instructions: instructions[startIdx:endIdx],
		}
		last := instructions[endIdx-1]
		block.EndAddress = last.Address + uint64(last.ByteSize)
		blocks = append(blocks, block)
	}
	return blocks
}

// branchTarget returns the statically known destination of inst, if it
// is a branch with an immediate (PC-relative) destination operand, per
// disasm.HasImmediateDestination and disasm/arm64's convertArg: such
// branches place the PC-relative delta as their final operand.
func branchTarget(inst disasm.Instruction) (uint64, bool) {
	if !disasm.HasImmediateDestination(inst.Mnemonic) {
		return 0, false
	}
	if len(inst.Operands) == 0 {
		return 0, false
	}
	last := inst.Operands[len(inst.Operands)-1]
	if last.Kind != disasm.OperandImmediate {
		return 0, false
	}
	return uint64(int64(inst.Address) + last.Immediate), true
}
