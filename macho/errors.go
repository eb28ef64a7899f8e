package macho

import "errors"

// Sentinel errors returned by the container parser. Wrapped at call sites
// with fmt.Errorf("...: %w", err) so callers can errors.Is against these.
var (
	// ErrUnsupportedFormat is returned when a slice's magic is not a
	// supported 64-bit Mach-O magic.
	ErrUnsupportedFormat = errors.New("unsupported or non-64-bit mach-o format")

	// ErrMalformedHeader is returned when load commands exceed their
	// declared size or a structure extends past the file.
	ErrMalformedHeader = errors.New("malformed mach-o header or load commands")

	// ErrOutOfBounds is returned when a byte read falls outside the file.
	ErrOutOfBounds = errors.New("read out of bounds of file")

	// ErrLooksLikeVirtualAddress is returned when a caller passes an
	// address >= 2^32 to a file-offset read. The caller almost certainly
	// meant to translate the address first.
	ErrLooksLikeVirtualAddress = errors.New("offset looks like a virtual address, did you mean to translate it first")

	// ErrUnmappedVirtualAddress is returned when no section can translate
	// a virtual address and there are no sections at all to fall back on.
	ErrUnmappedVirtualAddress = errors.New("could not map virtual address to a section")

	// ErrMalformedString is returned when a NUL terminator is not found
	// within a bounded search window.
	ErrMalformedString = errors.New("could not find NUL terminator within search bound")
)
