package macho

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Log is the package-level logger, silent by default. Callers that want
// visibility into best-effort skips (malformed sections, truncated
// commands tolerated during enumeration) should replace it, e.g.:
//
//	macho.Log = zap.Must(zap.NewProduction()).Sugar()
var Log = zap.NewNop().Sugar()

const (
	fatMagicMinCPUs = 0
	fatArchSize     = 20 // cputype, cpusubtype, offset, size, align — all uint32
	virtualAddrBits = 32
)

// SliceDescriptor identifies one CPU-specific image within a file: its
// architecture, and its byte range within the (possibly FAT) file.
type SliceDescriptor struct {
	CPUType CPUType
	Offset  int64
	Size    int64
}

// FatView is a random-access view over a Mach-O file, FAT or thin.
type FatView struct {
	path string
	f    *os.File
	size int64

	slices []SliceDescriptor
}

// Open reads the first bytes of path to determine whether it is a FAT
// archive or a thin Mach-O file, and returns one SliceDescriptor per
// contained architecture. Per spec, a non-FAT file yields a single
// descriptor (UNKNOWN, 0, filesize) — the CPU type is only known once the
// slice itself is parsed.
func Open(path string) (*FatView, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	view := &FatView{path: path, f: f, size: info.Size()}

	var magicBuf [4]byte
	if _, err := f.ReadAt(magicBuf[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading magic from %s: %w", path, err)
	}
	magic := binary.BigEndian.Uint32(magicBuf[:])

	if magic != MagicFat && magic != MagicFatCigam {
		view.slices = []SliceDescriptor{{CPUType: CPUUnknown, Offset: 0, Size: view.size}}
		return view, nil
	}

	swapped := magic == MagicFatCigam
	order := binary.ByteOrder(binary.BigEndian)
	if swapped {
		order = binary.LittleEndian
	}

	var hdr [8]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("reading fat header from %s: %w", path, err)
	}
	nArch := order.Uint32(hdr[4:8])

	archBuf := make([]byte, int(nArch)*fatArchSize)
	if _, err := f.ReadAt(archBuf, 8); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: truncated fat arch table in %s", ErrMalformedHeader, path)
	}

	slices := make([]SliceDescriptor, 0, nArch)
	for i := 0; i < int(nArch); i++ {
		rec := archBuf[i*fatArchSize : (i+1)*fatArchSize]
		cpuType := order.Uint32(rec[0:4])
		offset := order.Uint32(rec[8:12])
		size := order.Uint32(rec[12:16])
		slices = append(slices, SliceDescriptor{
			CPUType: cpuTypeFromRaw(cpuType),
			Offset:  int64(offset),
			Size:    int64(size),
		})
	}
	view.slices = slices
	return view, nil
}

// Close releases the underlying file handle.
func (v *FatView) Close() error {
	return v.f.Close()
}

// Slices returns the descriptors discovered by Open, in FAT-arch-table
// order (or a single synthetic descriptor for a thin file).
func (v *FatView) Slices() []SliceDescriptor {
	return v.slices
}

// Slice parses the slice at descriptor d and returns its Slice.
func (v *FatView) Slice(d SliceDescriptor) (*Slice, error) {
	r := &byteReader{
		f:      v.f,
		base:   d.Offset,
		size:   d.Size,
		cache:  make(map[cacheKey][]byte),
		path:   v.path,
	}
	return parseSlice(r)
}

type cacheKey struct {
	offset int64
	size   int64
}

// byteReader is a bounds-checked, caching random-access view of one slice's
// bytes, offset by its position within the enclosing (possibly FAT) file.
// Mirrors macho_binary.py's get_bytes: caches by (offset, size) and rejects
// reads that look like a caller forgot to translate a virtual address.
type byteReader struct {
	f    *os.File
	base int64
	size int64
	path string

	mu    sync.Mutex
	cache map[cacheKey][]byte
}

// read returns size bytes starting at offset (relative to the slice's own
// start), bounds-checked against the slice's declared size.
func (r *byteReader) read(offset, size int64) ([]byte, error) {
	if offset >= (int64(1) << virtualAddrBits) {
		return nil, fmt.Errorf("%w: offset %#x in %s", ErrLooksLikeVirtualAddress, offset, r.path)
	}
	if offset < 0 || size < 0 || offset+size > r.size {
		return nil, fmt.Errorf("%w: offset %#x size %#x exceeds slice size %#x in %s",
			ErrOutOfBounds, offset, size, r.size, r.path)
	}

	key := cacheKey{offset, size}
	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	buf := make([]byte, size)
	if _, err := r.f.ReadAt(buf, r.base+offset); err != nil {
		return nil, fmt.Errorf("%w: reading %d bytes at %#x in %s: %v", ErrOutOfBounds, size, offset, r.path, err)
	}

	r.mu.Lock()
	r.cache[key] = buf
	r.mu.Unlock()
	return buf, nil
}
