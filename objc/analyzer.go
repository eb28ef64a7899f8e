package objc

import (
	"fmt"
	"strings"

	"github.com/bytedriver/strongarm/disasm"
	"github.com/bytedriver/strongarm/macho"
)

// msgSendSelectors are the entry points whose first data argument (x1) is
// an Obj-C selector reference rather than an ordinary pointer, per spec
// §4.5.
var msgSendSelectors = map[string]bool{
	"_objc_msgSend":       true,
	"_objc_msgSendSuper2": true,
}

// WrappedInstruction decorates a decoded instruction with the branch
// classification spec §4.5 describes: local branch, external call (with
// recovered symbol and, for message sends, selector), direct local call,
// or — for anything that is not a statically resolvable branch — none of
// the above.
type WrappedInstruction struct {
	Instruction        disasm.Instruction
	Symbol             string
	Selector           *Selector
	DestinationAddress *uint64
}

// IsLocalBranch reports whether w's destination lies within its owning
// function view's address range.
func (w WrappedInstruction) IsLocalBranch(entry, end uint64) bool {
	if w.DestinationAddress == nil {
		return false
	}
	addr := *w.DestinationAddress
	return addr >= entry && addr < end
}

// FunctionView is one function's disassembled instruction list plus its
// basic-block partition, per spec §3's "function view" data model.
// Constructed once by BuildFunctionView and never mutated afterward.
type FunctionView struct {
	EntryAddress uint64
	Instructions []disasm.Instruction
	BasicBlocks  []BasicBlock

	resolver *Resolver
	slice    *macho.Slice
	byAddr   map[uint64]int
}

// BuildFunctionView disassembles lengthBytes of code starting at
// entryAddress, partitions it into basic blocks, and returns the
// resulting function view, per spec §3/§4.6.
func BuildFunctionView(resolver *Resolver, decoder disasm.Decoder, entryAddress uint64, lengthBytes uint64) (*FunctionView, error) {
	slice := resolver.slice
	if slice.CPUType != macho.CPUArm64 {
		return nil, fmt.Errorf("function analysis requires an ARM64 slice, got %s", slice.CPUType)
	}
	off, err := slice.FileOffsetForVirtualAddress(entryAddress)
	if err != nil {
		return nil, err
	}
	code, err := slice.ReadAt(int64(off), int64(lengthBytes))
	if err != nil {
		return nil, err
	}

	instructions, err := decoder.Decode(code, entryAddress)
	if err != nil {
		return nil, err
	}

	byAddr := make(map[uint64]int, len(instructions))
	for i, inst := range instructions {
		byAddr[inst.Address] = i
	}

	return &FunctionView{
		EntryAddress: entryAddress,
		Instructions: instructions,
		BasicBlocks:  BuildBasicBlocks(instructions),
		resolver:     resolver,
		slice:        slice,
		byAddr:       byAddr,
	}, nil
}

// endAddress is the exclusive upper bound of the function's instruction
// range, derived from the last decoded instruction.
func (f *FunctionView) endAddress() uint64 {
	if len(f.Instructions) == 0 {
		return f.EntryAddress
	}
	last := f.Instructions[len(f.Instructions)-1]
	return last.Address + uint64(last.ByteSize)
}

// GetInstructionAtAddress returns the instruction at addr, if any, per
// spec §6's function-view accessor list.
func (f *FunctionView) GetInstructionAtAddress(addr uint64) (disasm.Instruction, bool) {
	idx, ok := f.byAddr[addr]
	if !ok {
		return disasm.Instruction{}, false
	}
	return f.Instructions[idx], true
}

// IsLocalBranch reports whether w's destination falls within this
// function view's own instruction range, per spec §6's function-view
// accessor list.
func (f *FunctionView) IsLocalBranch(w WrappedInstruction) bool {
	return w.IsLocalBranch(f.EntryAddress, f.endAddress())
}

// ClassifyBranch applies the branch classifier of spec §4.5 to inst,
// which must be one of f.Instructions. Non-branch instructions, and
// branches whose destination cannot be statically resolved (e.g.
// "blr xN"), return a WrappedInstruction with no destination or symbol.
func (f *FunctionView) ClassifyBranch(inst disasm.Instruction) WrappedInstruction {
	w := WrappedInstruction{Instruction: inst}

	target, ok := branchTarget(inst)
	if !ok {
		return w
	}
	addr := target
	w.DestinationAddress = &addr

	if symbol, isStub := f.resolver.SymbolAtStub(addr); isStub {
		w.Symbol = symbol
		if msgSendSelectors[symbol] {
			w.Selector = f.recoverSelector(inst)
		}
		return w
	}

	// Local branch: destination falls within this function's own range.
	if addr >= f.EntryAddress && addr < f.endAddress() {
		return w
	}

	// Direct local call: destination lies in the image but is not a stub
	// and not within this function — symbol stays unset.
	return w
}

// recoverSelector resolves x1 at a message-send call site to the selector
// it names, per spec §4.7's selref dereference rule. x1's resolved value
// is the address __objc_selrefs' fixed-up pointer holds, which under the
// non-relative method-list ABI this resolver targets is already the
// address of the selector name's C string.
func (f *FunctionView) recoverSelector(callSite disasm.Instruction) *Selector {
	idx, ok := f.byAddr[callSite.Address]
	if !ok {
		return nil
	}
	v := f.GetRegisterContentsAtIndex("x1", idx)
	if v.Kind != RegisterImmediate {
		return nil
	}
	name, err := f.slice.ReadCString(v.Immediate)
	if err != nil {
		return nil
	}
	return &Selector{Name: name}
}

// GetRegisterContentsAtInstruction resolves regName's value immediately
// before w's instruction executes, per spec §4.7.
func (f *FunctionView) GetRegisterContentsAtInstruction(regName string, w WrappedInstruction) RegisterValue {
	idx, ok := f.byAddr[w.Instruction.Address]
	if !ok {
		return unknown()
	}
	return f.GetRegisterContentsAtIndex(regName, idx)
}

// GetRegisterContentsAtIndex resolves regName's value immediately before
// f.Instructions[idx] executes.
func (f *FunctionView) GetRegisterContentsAtIndex(regName string, idx int) RegisterValue {
	return ResolveRegister(f.slice, f.Instructions, idx, regName)
}

// RecoverMessageSendArguments resolves x2..x(1+argCount) at a
// _objc_msgSend call site, where argCount is the selector's colon count,
// per spec §4.7's final paragraph.
func (f *FunctionView) RecoverMessageSendArguments(w WrappedInstruction) []RegisterValue {
	if w.Selector == nil {
		return nil
	}
	argCount := strings.Count(w.Selector.Name, ":")
	out := make([]RegisterValue, 0, argCount)
	for i := 0; i < argCount; i++ {
		reg := argRegisterName(2 + i)
		out = append(out, f.GetRegisterContentsAtInstruction(reg, w))
	}
	return out
}

func argRegisterName(n int) string {
	switch {
	case n <= 7:
		return "x" + string(rune('0'+n))
	default:
		return ""
	}
}
