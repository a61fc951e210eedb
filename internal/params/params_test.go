package params

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func writeTestArchive(t *testing.T, entries map[string][]byte) string {
	t.Helper()
	var buf []byte
	for name, payload := range entries {
		var nameLen [4]byte
		binary.BigEndian.PutUint32(nameLen[:], uint32(len(name)))
		buf = append(buf, nameLen[:]...)
		buf = append(buf, name...)
		var payloadLen [8]byte
		binary.BigEndian.PutUint64(payloadLen[:], uint64(len(payload)))
		buf = append(buf, payloadLen[:]...)
		buf = append(buf, payload...)
	}
	path := filepath.Join(t.TempDir(), "weights.irpa")
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestScope(t *testing.T, scopeName string) *StaticProgramParameters {
	t.Helper()
	pp, err := New(nil, scopeName, 4)
	if err != nil {
		t.Fatal(err)
	}
	return pp
}

func TestInferFormatFromExtension(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"model.irpa", FormatIRPA},
		{"model.gguf", FormatGGUF},
		{"model.safetensors", FormatSafetensors},
		{"model.bin", FormatUnknown},
	}
	for _, tt := range tests {
		if got := InferFormat(tt.path); got != tt.want {
			t.Errorf("InferFormat(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestNewRejectsEmptyScopeName(t *testing.T) {
	if _, err := New(nil, "", 1); err == nil {
		t.Fatal("expected error for an empty scope name")
	}
}

func TestLoadAndLookupRoundTrip(t *testing.T) {
	path := writeTestArchive(t, map[string][]byte{
		"layer0.weight": {1, 2, 3, 4},
		"layer0.bias":   {5, 6},
	})

	pp := newTestScope(t, "main")
	if err := pp.Load(path, LoadOptions{Readable: true}); err != nil {
		t.Fatal(err)
	}
	if pp.Format() != FormatIRPA {
		t.Errorf("Format() = %v, want irpa", pp.Format())
	}

	param, ok := pp.Lookup("layer0.weight")
	if !ok {
		t.Fatal("Lookup() missing layer0.weight")
	}
	if len(param.Data) != 4 || param.Data[0] != 1 || param.Data[3] != 4 {
		t.Errorf("Lookup() data = %v, want [1 2 3 4]", param.Data)
	}

	if _, ok := pp.Lookup("nonexistent"); ok {
		t.Error("Lookup() found a name that was never written")
	}
}

func TestLoadRejectsNeitherReadableNorWritable(t *testing.T) {
	path := writeTestArchive(t, map[string][]byte{"a": {1}})
	pp := newTestScope(t, "main")
	if err := pp.Load(path, LoadOptions{}); err == nil {
		t.Fatal("expected error for LoadOptions with neither Readable nor Writable set")
	}
}

func TestLoadUnknownFormatFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.bin")
	if err := os.WriteFile(path, []byte{0}, 0o600); err != nil {
		t.Fatal(err)
	}
	pp := newTestScope(t, "main")
	if err := pp.Load(path, LoadOptions{Readable: true}); err == nil {
		t.Fatal("expected error for an unrecognized extension with no explicit Format")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	pp := newTestScope(t, "main")
	if err := pp.Load(filepath.Join(t.TempDir(), "missing.irpa"), LoadOptions{Readable: true}); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestNamesListsAllEntries(t *testing.T) {
	path := writeTestArchive(t, map[string][]byte{"a": {1}, "b": {2}, "c": {3}})
	pp := newTestScope(t, "main")
	if err := pp.Load(path, LoadOptions{Readable: true}); err != nil {
		t.Fatal(err)
	}
	names := pp.Names()
	if len(names) != 3 {
		t.Fatalf("Names() = %v, want 3 entries", names)
	}
}

// TestLoadTwiceUnderSameScopeIsNoOp exercises spec.md testable property 7:
// loading a parameter file twice under the same scope must not change what
// is visible (and must not error).
func TestLoadTwiceUnderSameScopeIsNoOp(t *testing.T) {
	path := writeTestArchive(t, map[string][]byte{"a": {1, 2}})
	pp := newTestScope(t, "main")

	if err := pp.Load(path, LoadOptions{Readable: true}); err != nil {
		t.Fatal(err)
	}
	before := pp.Names()

	if err := pp.Load(path, LoadOptions{Readable: true}); err != nil {
		t.Fatalf("second Load of the same path errored: %v", err)
	}
	after := pp.Names()

	if len(before) != len(after) {
		t.Fatalf("Names() changed across the repeated Load: %v -> %v", before, after)
	}
	param, ok := pp.Lookup("a")
	if !ok || len(param.Data) != 2 {
		t.Fatalf("Lookup(a) = %+v, ok=%v, want original entry unchanged", param, ok)
	}
}

// TestLoadAccumulatesAcrossFilesInOneScope exercises the "repeated Load
// calls add into the shared index" half of §4.5: two different files
// loaded into the same scope both remain visible.
func TestLoadAccumulatesAcrossFilesInOneScope(t *testing.T) {
	path1 := writeTestArchive(t, map[string][]byte{"a": {1}})
	path2 := writeTestArchive(t, map[string][]byte{"b": {2}})
	pp := newTestScope(t, "main")

	if err := pp.Load(path1, LoadOptions{Readable: true}); err != nil {
		t.Fatal(err)
	}
	if err := pp.Load(path2, LoadOptions{Readable: true}); err != nil {
		t.Fatal(err)
	}

	if _, ok := pp.Lookup("a"); !ok {
		t.Error("Lookup(a) missing after loading a second file into the same scope")
	}
	if _, ok := pp.Lookup("b"); !ok {
		t.Error("Lookup(b) missing after loading a second file into the same scope")
	}
}

// TestTwoScopesAreIndependent exercises the other half of property 7:
// loading into two scopes produces two independent indices.
func TestTwoScopesAreIndependent(t *testing.T) {
	path := writeTestArchive(t, map[string][]byte{"a": {1}})
	scopeA := newTestScope(t, "scope-a")
	scopeB := newTestScope(t, "scope-b")

	if err := scopeA.Load(path, LoadOptions{Readable: true}); err != nil {
		t.Fatal(err)
	}

	if _, ok := scopeA.Lookup("a"); !ok {
		t.Fatal("Lookup(a) missing from the scope it was loaded into")
	}
	if _, ok := scopeB.Lookup("a"); ok {
		t.Error("Lookup(a) visible in a scope it was never loaded into")
	}
}
