// Package disasm defines the instruction/operand data model and the
// Decoder contract the rest of strongarm consumes. The concrete ARM64
// decoder lives in disasm/arm64; this package only fixes the shape so
// objc and the function analyzer can depend on an interface rather than
// a specific disassembler.
package disasm

import "fmt"

// OperandKind discriminates an Operand's tagged union, per spec §6's
// {REG, IMM, MEM} discriminator.
type OperandKind int

const (
	OperandRegister OperandKind = iota
	OperandImmediate
	OperandMemory
)

// Operand is one decoded instruction operand. Exactly one of the fields
// matching Kind is meaningful; pattern-match on Kind at use sites rather
// than relying on zero values, per spec §9's "tagged union, not subclass
// polymorphism" design note.
type Operand struct {
	Kind OperandKind

	// Register is the ARM64 register name (e.g. "x0", "sp"), set when
	// Kind == OperandRegister.
	Register string

	// Immediate is the literal value, set when Kind == OperandImmediate.
	Immediate int64

	// MemoryBase is the base register name, and MemoryDisplacement the
	// signed byte offset, set when Kind == OperandMemory.
	MemoryBase        string
	MemoryDisplacement int64
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandRegister:
		return o.Register
	case OperandImmediate:
		return fmt.Sprintf("#%#x", o.Immediate)
	case OperandMemory:
		if o.MemoryDisplacement != 0 {
			return fmt.Sprintf("[%s, #%#x]", o.MemoryBase, o.MemoryDisplacement)
		}
		return fmt.Sprintf("[%s]", o.MemoryBase)
	default:
		return "?"
	}
}

// Instruction is one decoded machine instruction.
type Instruction struct {
	Address   uint64
	Mnemonic  string
	Operands  []Operand
	ByteSize  int
}

// Decoder decodes a contiguous byte stream into Instructions, with
// addresses assigned starting at baseAddress. This is the external
// collaborator contract spec §1/§6 describes: "the underlying ARM64
// instruction decoder, assumed provided as a library".
type Decoder interface {
	Decode(code []byte, baseAddress uint64) ([]Instruction, error)
}

// Branch mnemonic classification shared by callers that need to recognize
// control-flow instructions without depending on disasm/arm64 directly.
const (
	MnemonicB    = "b"
	MnemonicBL   = "bl"
	MnemonicBR   = "br"
	MnemonicBLR  = "blr"
	MnemonicRet  = "ret"
	MnemonicCBZ  = "cbz"
	MnemonicCBNZ = "cbnz"
	MnemonicTBZ  = "tbz"
	MnemonicTBNZ = "tbnz"
)

// conditionalBranchPrefixes covers b.eq, b.ne, b.gt, ... — ARM64's
// condition-coded branch mnemonics.
var conditionalBranchPrefixes = []string{"b.eq", "b.ne", "b.cs", "b.cc", "b.mi", "b.pl", "b.vs", "b.vc",
	"b.hi", "b.ls", "b.ge", "b.lt", "b.gt", "b.le", "b.al"}

// IsBranch reports whether mnemonic is any ARM64 branch form (conditional
// or unconditional) this analyzer recognizes.
func IsBranch(mnemonic string) bool {
	switch mnemonic {
	case MnemonicB, MnemonicBL, MnemonicBR, MnemonicBLR, MnemonicRet, MnemonicCBZ, MnemonicCBNZ, MnemonicTBZ, MnemonicTBNZ:
		return true
	}
	for _, p := range conditionalBranchPrefixes {
		if mnemonic == p {
			return true
		}
	}
	return false
}

// HasImmediateDestination reports whether mnemonic's branch target (its
// final operand: the only one for b/bl/b.cond, the second for cbz/cbnz,
// the third for tbz/tbnz) is expected to be an immediate rather than a register, i.e.
// whether this is a statically resolvable branch as opposed to br/blr/ret.
func HasImmediateDestination(mnemonic string) bool {
	switch mnemonic {
	case MnemonicBR, MnemonicBLR, MnemonicRet:
		return false
	}
	return IsBranch(mnemonic)
}
