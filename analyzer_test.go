package strongarm

import "testing"

func TestGetAnalyzerExposesExportedSymbol(t *testing.T) {
	s := buildTestSlice(t)
	a, err := GetAnalyzer(s, CacheConfig{})
	if err != nil {
		t.Fatalf("GetAnalyzer: %v", err)
	}

	exported, err := a.ExportedSymbols()
	if err != nil {
		t.Fatalf("ExportedSymbols: %v", err)
	}
	if len(exported) != 1 || exported[0].Name != "_main" {
		t.Fatalf("ExportedSymbols = %+v, want one _main entry", exported)
	}

	imported, err := a.ImportedSymbols()
	if err != nil {
		t.Fatalf("ImportedSymbols: %v", err)
	}
	if len(imported) != 0 {
		t.Errorf("ImportedSymbols = %+v, want none", imported)
	}
}

func TestGetAnalyzerWithNoObjcMetadataReturnsEmptyCollections(t *testing.T) {
	s := buildTestSlice(t)
	a, err := GetAnalyzer(s, CacheConfig{})
	if err != nil {
		t.Fatalf("GetAnalyzer: %v", err)
	}

	if classes := a.ObjcClasses(); len(classes) != 0 {
		t.Errorf("ObjcClasses = %+v, want none", classes)
	}
	if cats := a.ObjcCategories(); len(cats) != 0 {
		t.Errorf("ObjcCategories = %+v, want none", cats)
	}
	if protos := a.GetConformedProtocols(); len(protos) != 0 {
		t.Errorf("GetConformedProtocols = %+v, want none", protos)
	}
	if imps := a.GetImpsForSel("doesNotExist:"); imps != nil {
		t.Errorf("GetImpsForSel = %+v, want nil", imps)
	}
}

func TestPathForExternalSymbolUnknownReturnsFalse(t *testing.T) {
	s := buildTestSlice(t)
	a, err := GetAnalyzer(s, CacheConfig{})
	if err != nil {
		t.Fatalf("GetAnalyzer: %v", err)
	}
	if _, ok := a.PathForExternalSymbol("XXX_fake_symbol_XXX"); ok {
		t.Error("expected no path for an unknown symbol")
	}
}
