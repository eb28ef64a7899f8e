package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Segment is a parsed LC_SEGMENT_64 record.
type Segment struct {
	Name     string
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  uint32
	InitProt uint32
	Flags    uint32
}

// Section is a parsed section_64 record, with its end address precomputed.
type Section struct {
	Name       string
	SegName    string
	VMAddr     uint64
	Size       uint64
	EndAddr    uint64
	FileOffset uint64
	Flags      uint32
}

// Symtab is the parsed LC_SYMTAB command plus its table location; symbols
// are materialized lazily via Slice.Symbols.
type Symtab struct {
	SymOff  uint32
	NSyms   uint32
	StrOff  uint32
	StrSize uint32
}

// Dysymtab is the parsed LC_DYSYMTAB command.
type Dysymtab struct {
	IUndefSym          uint32
	NUndefSym          uint32
	IndirectSymOff     uint32
	NIndirectSyms      uint32
}

// EncryptionInfo is the parsed LC_ENCRYPTION_INFO_64 command.
type EncryptionInfo struct {
	Offset  uint32
	Size    uint32
	CryptID uint32
}

// LinkEditData is the parsed payload of an LC_CODE_SIGNATURE or
// LC_FUNCTION_STARTS command: an offset/size pair into the file.
type LinkEditData struct {
	DataOff  uint32
	DataSize uint32
}

// DylibCommand is one LC_LOAD_DYLIB / LC_LOAD_WEAK_DYLIB entry.
type DylibCommand struct {
	Name           string
	CurrentVersion uint32
	Weak           bool
}

// DyldInfo is the parsed LC_DYLD_INFO / LC_DYLD_INFO_ONLY command: offsets
// into the file for the rebase and bind opcode streams the objc resolver
// walks to fix up zeroed pointer fields in __objc_* sections.
type DyldInfo struct {
	RebaseOff     uint32
	RebaseSize    uint32
	BindOff       uint32
	BindSize      uint32
	WeakBindOff   uint32
	WeakBindSize  uint32
	LazyBindOff   uint32
	LazyBindSize  uint32
}

// Slice is a parsed view of one Mach-O image (one FAT architecture, or the
// whole file if not FAT).
type Slice struct {
	r *byteReader

	Is64Bit     bool
	IsSwapped   bool
	CPUType     CPUType
	HeaderFlags map[HeaderFlag]bool
	VirtualBase uint64

	segmentOrder []string
	Segments     map[string]*Segment
	sectionOrder []string
	Sections     map[string]*Section

	Symtab         *Symtab
	Dysymtab       *Dysymtab
	EncryptionInfo *EncryptionInfo
	CodeSignature  *LinkEditData
	FunctionStarts *LinkEditData
	DyldInfo       *DyldInfo

	Dylibs []DylibCommand

	loadCommandsEnd uint64

	order binary.ByteOrder
}

// parseSlice parses a slice's Mach-O header and load commands per spec §4.2.
func parseSlice(r *byteReader) (*Slice, error) {
	magicBuf, err := r.read(0, 4)
	if err != nil {
		return nil, err
	}
	// Read as little-endian: a little-endian image yields Magic64, a
	// big-endian one Magic64Cigam.
	magic := binary.LittleEndian.Uint32(magicBuf)

	s := &Slice{
		r:        r,
		Segments: make(map[string]*Segment),
		Sections: make(map[string]*Section),
	}

	switch magic {
	case Magic64:
		s.Is64Bit = true
		s.IsSwapped = false
		s.order = binary.LittleEndian
	case Magic64Cigam:
		s.Is64Bit = true
		s.IsSwapped = true
		s.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: magic %#x", ErrUnsupportedFormat, magic)
	}

	hdrBuf, err := r.read(0, fileHeader64Size)
	if err != nil {
		return nil, err
	}
	var hdr fileHeader64
	hdr.Magic = s.order.Uint32(hdrBuf[0:4])
	hdr.CPUType = s.order.Uint32(hdrBuf[4:8])
	hdr.CPUSubtype = s.order.Uint32(hdrBuf[8:12])
	hdr.FileType = s.order.Uint32(hdrBuf[12:16])
	hdr.NCmds = s.order.Uint32(hdrBuf[16:20])
	hdr.SizeOfCmds = s.order.Uint32(hdrBuf[20:24])
	hdr.Flags = s.order.Uint32(hdrBuf[24:28])

	s.CPUType = cpuTypeFromRaw(hdr.CPUType)
	s.HeaderFlags = decodeHeaderFlags(hdr.Flags)
	s.loadCommandsEnd = uint64(fileHeader64Size) + uint64(hdr.SizeOfCmds)

	if err := s.parseLoadCommands(uint64(fileHeader64Size), hdr.NCmds, hdr.SizeOfCmds); err != nil {
		return nil, err
	}

	if seg, ok := s.Segments["__TEXT"]; ok {
		s.VirtualBase = seg.VMAddr
	}

	return s, nil
}

func (s *Slice) parseLoadCommands(start uint64, ncmds, sizeofcmds uint32) error {
	off := start
	end := start + uint64(sizeofcmds)

	for i := uint32(0); i < ncmds; i++ {
		if off+8 > end {
			return fmt.Errorf("%w: load command %d starts past sizeofcmds", ErrMalformedHeader, i)
		}
		hdrBuf, err := s.r.read(int64(off), 8)
		if err != nil {
			return fmt.Errorf("%w: reading load command %d header: %v", ErrMalformedHeader, i, err)
		}
		cmd := s.order.Uint32(hdrBuf[0:4])
		cmdSize := s.order.Uint32(hdrBuf[4:8])
		if cmdSize < 8 || off+uint64(cmdSize) > end {
			return fmt.Errorf("%w: load command %d has invalid cmdsize %d", ErrMalformedHeader, i, cmdSize)
		}

		if err := s.dispatchCommand(LoadCmd(cmd), off, cmdSize); err != nil {
			return err
		}

		off += uint64(cmdSize)
	}

	if off != end {
		return fmt.Errorf("%w: load commands consumed %#x, expected %#x", ErrMalformedHeader, off, end)
	}
	return nil
}

func (s *Slice) dispatchCommand(cmd LoadCmd, off uint64, cmdSize uint32) error {
	switch cmd {
	case LcSegment:
		// 32-bit segment, skipped per spec §4.2.
		return nil

	case LcSegment64:
		return s.parseSegment64(off, cmdSize)

	case LcSymtab:
		buf, err := s.r.read(int64(off+8), symtabCommandSize)
		if err != nil {
			return fmt.Errorf("%w: LC_SYMTAB: %v", ErrMalformedHeader, err)
		}
		s.Symtab = &Symtab{
			SymOff:  s.order.Uint32(buf[0:4]),
			NSyms:   s.order.Uint32(buf[4:8]),
			StrOff:  s.order.Uint32(buf[8:12]),
			StrSize: s.order.Uint32(buf[12:16]),
		}
		return nil

	case LcDysymtab:
		buf, err := s.r.read(int64(off+8), dysymtabCommandSize)
		if err != nil {
			return fmt.Errorf("%w: LC_DYSYMTAB: %v", ErrMalformedHeader, err)
		}
		s.Dysymtab = &Dysymtab{
			IUndefSym:      s.order.Uint32(buf[16:20]),
			NUndefSym:      s.order.Uint32(buf[20:24]),
			IndirectSymOff: s.order.Uint32(buf[48:52]),
			NIndirectSyms:  s.order.Uint32(buf[52:56]),
		}
		return nil

	case LcEncryptionInfo64:
		buf, err := s.r.read(int64(off+8), encryptionInfoCommand64Size)
		if err != nil {
			return fmt.Errorf("%w: LC_ENCRYPTION_INFO_64: %v", ErrMalformedHeader, err)
		}
		s.EncryptionInfo = &EncryptionInfo{
			Offset:  s.order.Uint32(buf[0:4]),
			Size:    s.order.Uint32(buf[4:8]),
			CryptID: s.order.Uint32(buf[8:12]),
		}
		return nil

	case LcCodeSignature:
		buf, err := s.r.read(int64(off+8), linkeditDataCommandSize)
		if err != nil {
			return fmt.Errorf("%w: LC_CODE_SIGNATURE: %v", ErrMalformedHeader, err)
		}
		s.CodeSignature = &LinkEditData{
			DataOff:  s.order.Uint32(buf[0:4]),
			DataSize: s.order.Uint32(buf[4:8]),
		}
		return nil

	case LcFunctionStarts:
		buf, err := s.r.read(int64(off+8), linkeditDataCommandSize)
		if err != nil {
			return fmt.Errorf("%w: LC_FUNCTION_STARTS: %v", ErrMalformedHeader, err)
		}
		s.FunctionStarts = &LinkEditData{
			DataOff:  s.order.Uint32(buf[0:4]),
			DataSize: s.order.Uint32(buf[4:8]),
		}
		return nil

	case LcDyldInfo, LcDyldInfoOnly:
		buf, err := s.r.read(int64(off+8), dyldInfoCommandSize)
		if err != nil {
			return fmt.Errorf("%w: LC_DYLD_INFO: %v", ErrMalformedHeader, err)
		}
		s.DyldInfo = &DyldInfo{
			RebaseOff:    s.order.Uint32(buf[0:4]),
			RebaseSize:   s.order.Uint32(buf[4:8]),
			BindOff:      s.order.Uint32(buf[8:12]),
			BindSize:     s.order.Uint32(buf[12:16]),
			WeakBindOff:  s.order.Uint32(buf[16:20]),
			WeakBindSize: s.order.Uint32(buf[20:24]),
			LazyBindOff:  s.order.Uint32(buf[24:28]),
			LazyBindSize: s.order.Uint32(buf[28:32]),
		}
		return nil

	case LcLoadDylib, LcLoadWeakDylib:
		buf, err := s.r.read(int64(off+8), dylibCommandSize)
		if err != nil {
			return fmt.Errorf("%w: LC_LOAD_DYLIB: %v", ErrMalformedHeader, err)
		}
		nameOff := s.order.Uint32(buf[0:4])
		currentVersion := s.order.Uint32(buf[8:12])
		if uint64(nameOff) >= uint64(cmdSize) {
			return fmt.Errorf("%w: dylib name offset %d exceeds cmdsize %d", ErrMalformedHeader, nameOff, cmdSize)
		}
		nameBuf, err := s.r.read(int64(off+uint64(nameOff)), int64(cmdSize)-int64(nameOff))
		if err != nil {
			return fmt.Errorf("%w: reading dylib name: %v", ErrMalformedHeader, err)
		}
		name := string(nameBuf[:bytes.IndexByte(append(nameBuf, 0), 0)])
		s.Dylibs = append(s.Dylibs, DylibCommand{
			Name:           name,
			CurrentVersion: currentVersion,
			Weak:           cmd == LcLoadWeakDylib,
		})
		return nil

	default:
		// Any other command is tolerated and skipped, per spec §4.2.
		return nil
	}
}

func (s *Slice) parseSegment64(off uint64, cmdSize uint32) error {
	buf, err := s.r.read(int64(off+8), segmentCommand64Size)
	if err != nil {
		return fmt.Errorf("%w: LC_SEGMENT_64: %v", ErrMalformedHeader, err)
	}

	name := cStringFromFixed(buf[0:16])
	seg := &Segment{
		Name:     name,
		VMAddr:   s.order.Uint64(buf[16:24]),
		VMSize:   s.order.Uint64(buf[24:32]),
		FileOff:  s.order.Uint64(buf[32:40]),
		FileSize: s.order.Uint64(buf[40:48]),
		MaxProt:  s.order.Uint32(buf[48:52]),
		InitProt: s.order.Uint32(buf[52:56]),
		Flags:    s.order.Uint32(buf[60:64]),
	}
	nsects := s.order.Uint32(buf[56:60])

	if _, exists := s.Segments[name]; !exists {
		s.segmentOrder = append(s.segmentOrder, name)
	}
	s.Segments[name] = seg

	sectStart := off + 8 + segmentCommand64Size
	for i := uint32(0); i < nsects; i++ {
		sectOff := sectStart + uint64(i)*sectionHeader64Size
		if sectOff+sectionHeader64Size > off+uint64(cmdSize) {
			return fmt.Errorf("%w: section %d in segment %s exceeds cmdsize", ErrMalformedHeader, i, name)
		}
		sectBuf, err := s.r.read(int64(sectOff), sectionHeader64Size)
		if err != nil {
			return fmt.Errorf("%w: reading section %d of %s: %v", ErrMalformedHeader, i, name, err)
		}

		sectName := cStringFromFixed(sectBuf[0:16])
		vmaddr := s.order.Uint64(sectBuf[32:40])
		size := s.order.Uint64(sectBuf[40:48])
		section := &Section{
			Name:       sectName,
			SegName:    name,
			VMAddr:     vmaddr,
			Size:       size,
			EndAddr:    vmaddr + size,
			FileOffset: uint64(s.order.Uint32(sectBuf[48:52])),
			Flags:      s.order.Uint32(sectBuf[64:68]),
		}
		if _, exists := s.Sections[sectName]; !exists {
			s.sectionOrder = append(s.sectionOrder, sectName)
		}
		s.Sections[sectName] = section
	}

	return nil
}

// cStringFromFixed trims a fixed-width byte array at the first NUL.
func cStringFromFixed(b []byte) string {
	if idx := bytes.IndexByte(b, 0); idx >= 0 {
		return string(b[:idx])
	}
	return string(b)
}

// Identity returns the (file path, byte offset within the enclosing file)
// pair that uniquely identifies this slice, per spec.md §4.8's
// process-wide analyzer cache key ("slice identity (filename +
// offset-within-FAT)").
func (s *Slice) Identity() (path string, offset int64) {
	return s.r.path, s.r.base
}

// SegmentNames returns segment names in load-command declaration order.
func (s *Slice) SegmentNames() []string {
	out := make([]string, len(s.segmentOrder))
	copy(out, s.segmentOrder)
	return out
}

// SectionNames returns section names in load-command declaration order.
func (s *Slice) SectionNames() []string {
	out := make([]string, len(s.sectionOrder))
	copy(out, s.sectionOrder)
	return out
}

// IndirectSymbolTable returns the raw indirect-symbol-table array, per
// SPEC_FULL.md §7.1.
func (s *Slice) IndirectSymbolTable() ([]uint32, error) {
	if s.Dysymtab == nil {
		return nil, nil
	}
	n := s.Dysymtab.NIndirectSyms
	buf, err := s.r.read(int64(s.Dysymtab.IndirectSymOff), int64(n)*4)
	if err != nil {
		return nil, fmt.Errorf("reading indirect symbol table: %w", err)
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = s.order.Uint32(buf[i*4 : i*4+4])
	}
	return out, nil
}

// RawStringTable returns the packed, NUL-delimited symbol string table, per
// SPEC_FULL.md §7.2.
func (s *Slice) RawStringTable() ([]byte, error) {
	if s.Symtab == nil {
		return nil, nil
	}
	return s.r.read(int64(s.Symtab.StrOff), int64(s.Symtab.StrSize))
}

// Symbols parses and returns the slice's full symbol table, classifying
// each entry's Kind per spec §3.
func (s *Slice) Symbols() ([]Symbol, error) {
	if s.Symtab == nil {
		return nil, nil
	}
	strtab, err := s.RawStringTable()
	if err != nil {
		return nil, err
	}
	buf, err := s.r.read(int64(s.Symtab.SymOff), int64(s.Symtab.NSyms)*nlist64Size)
	if err != nil {
		return nil, fmt.Errorf("reading symbol table: %w", err)
	}

	out := make([]Symbol, 0, s.Symtab.NSyms)
	for i := uint32(0); i < s.Symtab.NSyms; i++ {
		rec := buf[i*nlist64Size : i*nlist64Size+nlist64Size]
		strx := s.order.Uint32(rec[0:4])
		typ := rec[4]
		desc := s.order.Uint16(rec[6:8])
		value := s.order.Uint64(rec[8:16])

		name := cStringAt(strtab, strx)

		var kind SymbolKind
		switch {
		case typ&nTypeMask == nTypeUndf:
			kind = SymbolImported
		case typ&nTypeExt != 0:
			kind = SymbolExported
		default:
			kind = SymbolLocal
		}

		sym := Symbol{Name: name, Kind: kind, Value: value}
		if kind == SymbolImported {
			sym.LibraryOrdinal = uint8(desc >> 8)
		}
		out = append(out, sym)
	}
	return out, nil
}

func cStringAt(table []byte, offset uint32) string {
	if int(offset) >= len(table) {
		return ""
	}
	rest := table[offset:]
	if idx := bytes.IndexByte(rest, 0); idx >= 0 {
		return string(rest[:idx])
	}
	return string(rest)
}
