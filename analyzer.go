// Package strongarm ties the macho container parser, the Obj-C metadata
// resolver, and the ARM64 function analyzer together behind the public
// client surface described by spec.md §6: an Analyzer owns one parsed
// slice, eagerly resolves its Obj-C metadata, and builds FunctionViews on
// demand.
package strongarm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/bytedriver/strongarm/disasm"
	"github.com/bytedriver/strongarm/disasm/arm64"
	"github.com/bytedriver/strongarm/macho"
	"github.com/bytedriver/strongarm/objc"
)

// Log is the package-level logger, silent by default. See macho.Log and
// objc.Log for the same shape; swap in a real core with:
//
//	strongarm.Log = zap.Must(zap.NewProduction()).Sugar()
var Log = zap.NewNop().Sugar()

// CacheConfig bounds an Analyzer's function-view cache. MaxByteCacheEntries
// of zero (or less) means unbounded. A positive value caps the number of
// cached function views: once the cap is reached, further views are still
// built and returned but are not cached, and no cached view is evicted.
type CacheConfig struct {
	MaxByteCacheEntries int
}

// Analyzer is the per-slice entry point for the client API spec.md §6
// describes. Construct via GetAnalyzer, not directly, so that repeated
// lookups against the same slice share one instance per spec.md §4.8.
type Analyzer struct {
	slice    *macho.Slice
	resolver *objc.Resolver
	decoder  disasm.Decoder

	functionViews map[uint64]*objc.FunctionView
	cacheConfig   CacheConfig
}

// newAnalyzer builds an Analyzer over slice, eagerly resolving Obj-C
// metadata per spec.md §4.8's "analyzer construction triggers Obj-C
// metadata resolution eagerly".
func newAnalyzer(slice *macho.Slice, cfg CacheConfig) (*Analyzer, error) {
	resolver, err := objc.NewResolver(slice)
	if err != nil {
		return nil, fmt.Errorf("resolving objc metadata: %w", err)
	}
	return &Analyzer{
		slice:         slice,
		resolver:      resolver,
		decoder:       arm64.NewDecoder(),
		functionViews: make(map[uint64]*objc.FunctionView),
		cacheConfig:   cfg,
	}, nil
}

// Slice returns the underlying parsed Mach-O slice.
func (a *Analyzer) Slice() *macho.Slice { return a.slice }

// ImportedSymbols returns every imported symbol, per spec.md §6.
func (a *Analyzer) ImportedSymbols() ([]macho.Symbol, error) {
	return a.symbolsOfKind(macho.SymbolImported)
}

// ExportedSymbols returns every exported symbol, per spec.md §6.
func (a *Analyzer) ExportedSymbols() ([]macho.Symbol, error) {
	return a.symbolsOfKind(macho.SymbolExported)
}

func (a *Analyzer) symbolsOfKind(kind macho.SymbolKind) ([]macho.Symbol, error) {
	all, err := a.slice.Symbols()
	if err != nil {
		return nil, err
	}
	out := make([]macho.Symbol, 0, len(all))
	for _, s := range all {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out, nil
}

// ImportedSymbolNamesToPointers maps each imported symbol's name to its
// resolved stub/GOT address, per spec.md §6.
func (a *Analyzer) ImportedSymbolNamesToPointers() (map[string]uint64, error) {
	syms, err := a.symbolsOfKind(macho.SymbolImported)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(syms))
	for _, s := range syms {
		if addr, ok := a.resolver.StubAddress(s.Name); ok {
			out[s.Name] = addr
		}
	}
	return out, nil
}

// ExternalSymbolNamesToBranchDestinations is an alias over
// ImportedSymbolNamesToPointers naming the same mapping the way spec.md §6
// names it from the branch-classifier side.
func (a *Analyzer) ExternalSymbolNamesToBranchDestinations() (map[string]uint64, error) {
	return a.ImportedSymbolNamesToPointers()
}

// GetObjcMethods returns every method (selector) defined across every
// parsed class, per spec.md §6's get_objc_methods().
func (a *Analyzer) GetObjcMethods() []objc.Selector {
	var out []objc.Selector
	for _, c := range a.resolver.Classes() {
		out = append(out, c.SelectorList...)
	}
	return out
}

// ObjcClasses returns every class parsed from __objc_classlist.
func (a *Analyzer) ObjcClasses() []*objc.Class { return a.resolver.Classes() }

// ObjcCategories returns every category parsed from __objc_catlist.
func (a *Analyzer) ObjcCategories() []*objc.Category { return a.resolver.Categories() }

// GetConformedProtocols returns every protocol referenced by the binary,
// deduplicated by name, per spec.md §6.
func (a *Analyzer) GetConformedProtocols() []*objc.Protocol { return a.resolver.Protocols() }

// GetImpsForSel returns the implementation addresses of every method
// named selName across every parsed class and category, per spec.md §6's
// get_imps_for_sel(name).
func (a *Analyzer) GetImpsForSel(selName string) []uint64 {
	var out []uint64
	for _, c := range a.resolver.Classes() {
		for _, sel := range c.SelectorList {
			if sel.Name == selName {
				out = append(out, sel.ImplementationAddress)
			}
		}
	}
	for _, cat := range a.resolver.Categories() {
		for _, sel := range cat.SelectorList {
			if sel.Name == selName {
				out = append(out, sel.ImplementationAddress)
			}
		}
	}
	return out
}

// PathForExternalSymbol returns the install path of the dylib supplying
// name, per spec.md §6/§4.4.
func (a *Analyzer) PathForExternalSymbol(name string) (string, bool) {
	return a.resolver.PathForExternalSymbol(name)
}

// GetFunctionView returns the cached FunctionView for entryAddress,
// building it lazily on first request, per spec.md §4.8. lengthBytes
// bounds how much code is disassembled starting at entryAddress.
func (a *Analyzer) GetFunctionView(entryAddress uint64, lengthBytes uint64) (*objc.FunctionView, error) {
	if fv, ok := a.functionViews[entryAddress]; ok {
		return fv, nil
	}
	fv, err := objc.BuildFunctionView(a.resolver, a.decoder, entryAddress, lengthBytes)
	if err != nil {
		return nil, err
	}
	if a.cacheConfig.MaxByteCacheEntries <= 0 || len(a.functionViews) < a.cacheConfig.MaxByteCacheEntries {
		a.functionViews[entryAddress] = fv
	}
	return fv, nil
}
