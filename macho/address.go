package macho

import (
	"fmt"
)

const (
	cfStringStructSize     = 32
	cfStringLiteralOffset  = 16
	initialStringChunkSize = 16
)

// ReadAt returns size bytes starting at the given file offset (relative to
// this slice's own start within the enclosing FAT file, if any).
func (s *Slice) ReadAt(fileOffset int64, size int64) ([]byte, error) {
	return s.r.read(fileOffset, size)
}

// FileOffsetForVirtualAddress translates a virtual address to a file offset,
// per spec §4.2: first check whether it falls within the load-commands
// region (computed relative to the virtual base), then fall back to section
// translation.
func (s *Slice) FileOffsetForVirtualAddress(vmaddr uint64) (uint64, error) {
	if vmaddr >= s.VirtualBase {
		unslid := vmaddr - s.VirtualBase
		if unslid < s.loadCommandsEnd {
			return unslid, nil
		}
	}

	section := s.SectionForAddress(vmaddr)
	if section == nil {
		return 0, fmt.Errorf("%w: address %#x", ErrUnmappedVirtualAddress, vmaddr)
	}
	return vmaddr - section.VMAddr + section.FileOffset, nil
}

// SectionForAddress returns the section whose [VMAddr, EndAddr) contains
// vmaddr, or the highest-addressed section as a best-effort fallback when
// no section contains it (per SPEC_FULL.md §7.3, mirroring
// macho_binary.py's section_for_address). Returns nil only when the slice
// has no sections at all.
func (s *Slice) SectionForAddress(vmaddr uint64) *Section {
	var highest *Section
	for _, name := range s.sectionOrder {
		sect := s.Sections[name]
		if vmaddr >= sect.VMAddr && vmaddr < sect.EndAddr {
			return sect
		}
		if highest == nil || sect.VMAddr > highest.VMAddr {
			highest = sect
		}
	}
	return highest
}

// SectionNameForAddress is a convenience wrapper over SectionForAddress, per
// SPEC_FULL.md §7.4.
func (s *Slice) SectionNameForAddress(vmaddr uint64) (string, bool) {
	sect := s.SectionForAddress(vmaddr)
	if sect == nil {
		return "", false
	}
	return sect.Name, true
}

// ReadEmbeddedString reads the NUL-terminated UTF-8 string whose address is
// vmaddr, per spec §4.2. If vmaddr lies within __cfstring, the CFString
// record is parsed first and the string is read from its literal pointer
// instead.
func (s *Slice) ReadEmbeddedString(vmaddr uint64) (string, error) {
	if name, ok := s.SectionNameForAddress(vmaddr); ok && name == "__cfstring" {
		literalAddr, err := s.readCFStringLiteralPointer(vmaddr)
		if err != nil {
			return "", err
		}
		vmaddr = literalAddr
	}
	return s.readCStringAtVirtualAddress(vmaddr)
}

func (s *Slice) readCFStringLiteralPointer(vmaddr uint64) (uint64, error) {
	off, err := s.FileOffsetForVirtualAddress(vmaddr)
	if err != nil {
		return 0, err
	}
	buf, err := s.r.read(int64(off), cfStringStructSize)
	if err != nil {
		return 0, fmt.Errorf("reading cfstring struct at %#x: %w", vmaddr, err)
	}
	return s.order.Uint64(buf[cfStringLiteralOffset : cfStringLiteralOffset+8]), nil
}

// ReadCString reads the plain NUL-terminated string at vmaddr, without the
// __cfstring special-casing ReadEmbeddedString applies — for reading
// Obj-C metadata strings (class/selector/ivar names) directly.
func (s *Slice) ReadCString(vmaddr uint64) (string, error) {
	return s.readCStringAtVirtualAddress(vmaddr)
}

// ReadPointer reads one slice-endian 8-byte pointer field at vmaddr.
func (s *Slice) ReadPointer(vmaddr uint64) (uint64, error) {
	off, err := s.FileOffsetForVirtualAddress(vmaddr)
	if err != nil {
		return 0, err
	}
	buf, err := s.r.read(int64(off), 8)
	if err != nil {
		return 0, fmt.Errorf("reading pointer at %#x: %w", vmaddr, err)
	}
	return s.order.Uint64(buf), nil
}

// ReadUint32 reads one slice-endian 4-byte word at vmaddr.
func (s *Slice) ReadUint32(vmaddr uint64) (uint32, error) {
	off, err := s.FileOffsetForVirtualAddress(vmaddr)
	if err != nil {
		return 0, err
	}
	buf, err := s.r.read(int64(off), 4)
	if err != nil {
		return 0, fmt.Errorf("reading uint32 at %#x: %w", vmaddr, err)
	}
	return s.order.Uint32(buf), nil
}

// readCStringAtVirtualAddress reads in exponentially growing chunks
// (initial 16, doubling) to avoid many short I/Os, per spec §4.2.
func (s *Slice) readCStringAtVirtualAddress(vmaddr uint64) (string, error) {
	off, err := s.FileOffsetForVirtualAddress(vmaddr)
	if err != nil {
		return "", err
	}
	return s.readCStringAtFileOffset(int64(off))
}

func (s *Slice) readCStringAtFileOffset(off int64) (string, error) {
	chunkSize := int64(initialStringChunkSize)
	const maxAttempts = 24 // last chunk is 16 * 2^23 = 128 MiB, far past any realistic C string

	for attempt := 0; attempt < maxAttempts; attempt++ {
		buf, err := s.r.read(off, chunkSize)
		if err != nil {
			// Truncated read at end of file: try whatever fits.
			remaining := s.r.size - off
			if remaining <= 0 {
				return "", fmt.Errorf("%w: reading string at file offset %#x", ErrMalformedString, off)
			}
			buf, err = s.r.read(off, remaining)
			if err != nil {
				return "", fmt.Errorf("%w: reading string at file offset %#x", ErrMalformedString, off)
			}
			if idx := indexNUL(buf); idx >= 0 {
				return string(buf[:idx]), nil
			}
			return "", fmt.Errorf("%w: no NUL terminator before end of file at %#x", ErrMalformedString, off)
		}

		if idx := indexNUL(buf); idx >= 0 {
			return string(buf[:idx]), nil
		}
		chunkSize *= 2
	}
	return "", fmt.Errorf("%w: string at %#x exceeded search bound", ErrMalformedString, off)
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
