package objc

import (
	"fmt"

	"github.com/bytedriver/strongarm/macho"
)

// Rebase/bind opcode constants from the dyld info opcode stream, per
// spec §4.4's "dyld info opcodes (compressed bind/rebase stream)". This is
// the LC_DYLD_INFO / LC_DYLD_INFO_ONLY format, distinct from the newer
// LC_DYLD_CHAINED_FIXUPS format (see DESIGN.md).
const (
	rebaseOpcodeMask                          = 0xf0
	rebaseImmediateMask                       = 0x0f
	rebaseOpcodeDone                          = 0x00
	rebaseOpcodeSetTypeImm                    = 0x10
	rebaseOpcodeSetSegmentAndOffsetULEB       = 0x20
	rebaseOpcodeAddAddrULEB                   = 0x30
	rebaseOpcodeAddAddrImmScaled              = 0x40
	rebaseOpcodeDoRebaseImmTimes              = 0x50
	rebaseOpcodeDoRebaseULEBTimes             = 0x60
	rebaseOpcodeDoRebaseAddAddrULEB           = 0x70
	rebaseOpcodeDoRebaseULEBTimesSkippingULEB = 0x80
)

const (
	bindOpcodeMask                        = 0xf0
	bindImmediateMask                     = 0x0f
	bindOpcodeDone                        = 0x00
	bindOpcodeSetDylibOrdinalImm          = 0x10
	bindOpcodeSetDylibOrdinalULEB         = 0x20
	bindOpcodeSetDylibSpecialImm          = 0x30
	bindOpcodeSetSymbolTrailingFlagsImm   = 0x40
	bindOpcodeSetTypeImm                  = 0x50
	bindOpcodeSetAddendSLEB               = 0x60
	bindOpcodeSetSegmentAndOffsetULEB     = 0x70
	bindOpcodeAddAddrULEB                 = 0x80
	bindOpcodeDoBind                      = 0x90
	bindOpcodeDoBindAddAddrULEB           = 0xa0
	bindOpcodeDoBindAddAddrImmScaled      = 0xb0
	bindOpcodeDoBindULEBTimesSkippingULEB = 0xc0
)

const pointerSize = 8

// FixupTarget describes what a pointer-sized field in an __objc_* section
// resolves to once dyld fixes it up.
type FixupTarget struct {
	IsBind     bool
	SymbolName string // set when IsBind
	Ordinal    int32  // set when IsBind; dylib ordinal into the slice's Dylibs list
}

// FixupMap maps the virtual address of a pointer field to its fixup
// target, per spec §4.4.
type FixupMap map[uint64]FixupTarget

// buildFixupMap walks the rebase and bind opcode streams and returns the
// resulting address-to-target map. Absent LC_DYLD_INFO (e.g. a binary
// using the newer chained-fixups format exclusively), this returns an
// empty map and callers fall back to reading the raw pointer bytes.
func buildFixupMap(s *macho.Slice) FixupMap {
	fixups := make(FixupMap)
	if s.DyldInfo == nil {
		return fixups
	}

	if s.DyldInfo.RebaseSize > 0 {
		walkRebase(s, fixups)
	}
	if s.DyldInfo.BindSize > 0 {
		walkBind(s, fixups, s.DyldInfo.BindOff, s.DyldInfo.BindSize)
	}
	if s.DyldInfo.LazyBindSize > 0 {
		walkBind(s, fixups, s.DyldInfo.LazyBindOff, s.DyldInfo.LazyBindSize)
	}
	return fixups
}

func segmentByIndex(s *macho.Slice, index int) *macho.Segment {
	names := s.SegmentNames()
	if index < 0 || index >= len(names) {
		return nil
	}
	return s.Segments[names[index]]
}

func walkRebase(s *macho.Slice, fixups FixupMap) {
	buf, err := s.ReadAt(int64(s.DyldInfo.RebaseOff), int64(s.DyldInfo.RebaseSize))
	if err != nil {
		Log.Debugw("skipping rebase opcode stream", "error", err)
		return
	}

	var segIndex int
	var segOffset uint64

	pos := 0
	for pos < len(buf) {
		opcode := buf[pos] & rebaseOpcodeMask
		imm := uint64(buf[pos] & rebaseImmediateMask)
		pos++

		switch opcode {
		case rebaseOpcodeDone:
			return

		case rebaseOpcodeSetTypeImm:
			// Only pointer rebases are relevant to this analyzer.

		case rebaseOpcodeSetSegmentAndOffsetULEB:
			segIndex = int(imm)
			v, n := readULEB128(buf[pos:])
			segOffset = v
			pos += n

		case rebaseOpcodeAddAddrULEB:
			v, n := readULEB128(buf[pos:])
			segOffset += v
			pos += n

		case rebaseOpcodeAddAddrImmScaled:
			segOffset += imm * pointerSize

		case rebaseOpcodeDoRebaseImmTimes:
			for i := uint64(0); i < imm; i++ {
				markRebase(s, fixups, segIndex, segOffset)
				segOffset += pointerSize
			}

		case rebaseOpcodeDoRebaseULEBTimes:
			count, n := readULEB128(buf[pos:])
			pos += n
			for i := uint64(0); i < count; i++ {
				markRebase(s, fixups, segIndex, segOffset)
				segOffset += pointerSize
			}

		case rebaseOpcodeDoRebaseAddAddrULEB:
			markRebase(s, fixups, segIndex, segOffset)
			v, n := readULEB128(buf[pos:])
			pos += n
			segOffset += pointerSize + v

		case rebaseOpcodeDoRebaseULEBTimesSkippingULEB:
			count, n := readULEB128(buf[pos:])
			pos += n
			skip, n2 := readULEB128(buf[pos:])
			pos += n2
			for i := uint64(0); i < count; i++ {
				markRebase(s, fixups, segIndex, segOffset)
				segOffset += pointerSize + skip
			}

		default:
			Log.Debugw("unrecognized rebase opcode", "opcode", fmt.Sprintf("%#x", opcode))
			return
		}
	}
}

func markRebase(s *macho.Slice, fixups FixupMap, segIndex int, segOffset uint64) {
	seg := segmentByIndex(s, segIndex)
	if seg == nil {
		return
	}
	addr := seg.VMAddr + segOffset
	fixups[addr] = FixupTarget{IsBind: false}
}

func walkBind(s *macho.Slice, fixups FixupMap, off, size uint32) {
	buf, err := s.ReadAt(int64(off), int64(size))
	if err != nil {
		Log.Debugw("skipping bind opcode stream", "error", err)
		return
	}

	var segIndex int
	var segOffset uint64
	var ordinal int32
	var symbolName string

	pos := 0
	for pos < len(buf) {
		opcode := buf[pos] & bindOpcodeMask
		imm := buf[pos] & bindImmediateMask
		pos++

		switch opcode {
		case bindOpcodeDone:
			return

		case bindOpcodeSetDylibOrdinalImm:
			ordinal = int32(imm)

		case bindOpcodeSetDylibOrdinalULEB:
			v, n := readULEB128(buf[pos:])
			ordinal = int32(v)
			pos += n

		case bindOpcodeSetDylibSpecialImm:
			if imm == 0 {
				ordinal = 0
			} else {
				// Sign-extend the 4-bit immediate: ordinals -1 (main
				// executable), -2 (flat lookup), -3 (weak lookup).
				ordinal = int32(int8(0xf0 | imm))
			}

		case bindOpcodeSetSymbolTrailingFlagsImm:
			end := pos
			for end < len(buf) && buf[end] != 0 {
				end++
			}
			symbolName = string(buf[pos:end])
			pos = end + 1

		case bindOpcodeSetTypeImm:
			// Only pointer binds are relevant.

		case bindOpcodeSetAddendSLEB:
			_, n := readSLEB128(buf[pos:])
			pos += n

		case bindOpcodeSetSegmentAndOffsetULEB:
			segIndex = int(imm)
			v, n := readULEB128(buf[pos:])
			segOffset = v
			pos += n

		case bindOpcodeAddAddrULEB:
			v, n := readULEB128(buf[pos:])
			segOffset += v
			pos += n

		case bindOpcodeDoBind:
			markBind(s, fixups, segIndex, segOffset, ordinal, symbolName)
			segOffset += pointerSize

		case bindOpcodeDoBindAddAddrULEB:
			markBind(s, fixups, segIndex, segOffset, ordinal, symbolName)
			v, n := readULEB128(buf[pos:])
			pos += n
			segOffset += pointerSize + v

		case bindOpcodeDoBindAddAddrImmScaled:
			markBind(s, fixups, segIndex, segOffset, ordinal, symbolName)
			segOffset += pointerSize + uint64(imm)*pointerSize

		case bindOpcodeDoBindULEBTimesSkippingULEB:
			count, n := readULEB128(buf[pos:])
			pos += n
			skip, n2 := readULEB128(buf[pos:])
			pos += n2
			for i := uint64(0); i < count; i++ {
				markBind(s, fixups, segIndex, segOffset, ordinal, symbolName)
				segOffset += pointerSize + skip
			}

		default:
			Log.Debugw("unrecognized bind opcode", "opcode", fmt.Sprintf("%#x", opcode))
			return
		}
	}
}

func markBind(s *macho.Slice, fixups FixupMap, segIndex int, segOffset uint64, ordinal int32, symbolName string) {
	seg := segmentByIndex(s, segIndex)
	if seg == nil || symbolName == "" {
		return
	}
	addr := seg.VMAddr + segOffset
	fixups[addr] = FixupTarget{IsBind: true, SymbolName: symbolName, Ordinal: ordinal}
}

func readULEB128(buf []byte) (uint64, int) {
	var result uint64
	var shift uint
	var i int
	for i = 0; i < len(buf); i++ {
		b := buf[i]
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			i++
			break
		}
		shift += 7
	}
	return result, i
}

func readSLEB128(buf []byte) (int64, int) {
	var result int64
	var shift uint
	var i int
	var b byte
	for i = 0; i < len(buf); i++ {
		b = buf[i]
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			i++
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, i
}
