package strongarm

import (
	"sync"

	"github.com/bytedriver/strongarm/macho"
)

// sliceKey identifies a slice by filename and byte offset within its
// (possibly FAT) enclosing file, per spec.md §4.8.
type sliceKey struct {
	path   string
	offset int64
}

var (
	cacheMu sync.Mutex
	cache   = make(map[sliceKey]*Analyzer)
)

// GetAnalyzer returns the process-wide Analyzer for slice, constructing
// one on first request. Analyzers are never evicted during the process's
// lifetime, per spec.md §4.8 ("the expectation is tool-session usage").
// Subsequent calls for the same slice identity return the same instance.
func GetAnalyzer(slice *macho.Slice, cfg CacheConfig) (*Analyzer, error) {
	path, offset := slice.Identity()
	key := sliceKey{path: path, offset: offset}

	cacheMu.Lock()
	if a, ok := cache[key]; ok {
		cacheMu.Unlock()
		return a, nil
	}
	cacheMu.Unlock()

	a, err := newAnalyzer(slice, cfg)
	if err != nil {
		return nil, err
	}

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if existing, ok := cache[key]; ok {
		return existing, nil
	}
	cache[key] = a
	return a, nil
}
