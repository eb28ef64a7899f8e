package macho

import "fmt"

// Magic numbers for FAT and Mach-O headers.
const (
	MagicFat      uint32 = 0xcafebabe
	MagicFatCigam uint32 = 0xbebafeca
	Magic32       uint32 = 0xfeedface
	Magic32Cigam  uint32 = 0xcefaedfe
	Magic64       uint32 = 0xfeedfacf
	Magic64Cigam  uint32 = 0xcffaedfe
)

// CPUType is the coarse architecture classification this analyzer cares
// about. Unrecognized cpu_type_t values map to CPUUnknown rather than
// failing slice enumeration, per spec.md §3.
type CPUType int

const (
	CPUUnknown CPUType = iota
	CPUArmv7
	CPUArm64
)

func (t CPUType) String() string {
	switch t {
	case CPUArmv7:
		return "ARMV7"
	case CPUArm64:
		return "ARM64"
	default:
		return "UNKNOWN"
	}
}

// Raw cpu_type_t values from <mach/machine.h>.
const (
	cpuTypeARM   uint32 = 12
	cpuArch64Bit uint32 = 0x01000000
	cpuTypeARM64 uint32 = cpuTypeARM | cpuArch64Bit
)

func cpuTypeFromRaw(raw uint32) CPUType {
	switch raw {
	case cpuTypeARM:
		return CPUArmv7
	case cpuTypeARM64:
		return CPUArm64
	default:
		return CPUUnknown
	}
}

// HeaderFlag is one bit of a Mach-O header's flags bitset.
type HeaderFlag uint32

// The subset of mach_header flags strongarm cares about identifying.
const (
	FlagNoUndefs            HeaderFlag = 0x1
	FlagDyldLink            HeaderFlag = 0x4
	FlagTwoLevel            HeaderFlag = 0x80
	FlagPIE                 HeaderFlag = 0x200000
	FlagHasTLVDescriptors   HeaderFlag = 0x800000
	FlagAppExtensionSafe    HeaderFlag = 0x2000000
	FlagNoHeapExecution     HeaderFlag = 0x1000000
	FlagAllowStackExecution HeaderFlag = 0x20000
)

var allHeaderFlags = []HeaderFlag{
	FlagNoUndefs, FlagDyldLink, FlagTwoLevel, FlagPIE, FlagHasTLVDescriptors,
	FlagAppExtensionSafe, FlagNoHeapExecution, FlagAllowStackExecution,
}

// decodeHeaderFlags interprets a header's raw flags bitset into the set of
// flags it has set, per spec.md §4.2 ("header flags decoded bitwise from the
// known flag set into a set").
func decodeHeaderFlags(raw uint32) map[HeaderFlag]bool {
	set := make(map[HeaderFlag]bool)
	for _, f := range allHeaderFlags {
		if raw&uint32(f) == uint32(f) {
			set[f] = true
		}
	}
	return set
}

// SymbolKind discriminates how a Symbol's Value should be interpreted.
type SymbolKind int

const (
	SymbolLocal SymbolKind = iota
	SymbolExported
	SymbolImported
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolExported:
		return "exported"
	case SymbolImported:
		return "imported"
	default:
		return "local"
	}
}

// Symbol is one entry from the symbol table, classified per spec.md §3.
type Symbol struct {
	Name  string
	Kind  SymbolKind
	Value uint64 // n_value: virtual address for local/exported; for imported symbols the raw n_value (normally 0), not a stub address

	// LibraryOrdinal is GET_LIBRARY_ORDINAL(n_desc): the 1-based index
	// into the slice's Dylibs list supplying an imported symbol. Only
	// meaningful when Kind == SymbolImported.
	LibraryOrdinal uint8
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s %s %#x", s.Kind, s.Name, s.Value)
}
