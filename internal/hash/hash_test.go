package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestBytesMatchesRawSHA256(t *testing.T) {
	content := []byte("class GuessBot:\n    pass\n")
	sum := sha256.Sum256(content)
	want := Prefix + hex.EncodeToString(sum[:])
	if got := Bytes(content); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCodePrefersInline(t *testing.T) {
	inline := Code("print('x')", "builtin://GuessBot")
	refOnly := Code("", "builtin://GuessBot")
	if inline == refOnly {
		t.Fatal("inline code and code_ref must hash differently")
	}
	if refOnly != Bytes([]byte("builtin://GuessBot")) {
		t.Fatal("code_ref hash must cover the reference string")
	}
}

func TestManifestKeyOrderIndependent(t *testing.T) {
	a := map[string]any{
		"name":   "guess",
		"params": map[string]any{"range": []any{1, 100}, "mode": "number"},
	}
	b := map[string]any{
		"params": map[string]any{"mode": "number", "range": []any{1, 100}},
		"name":   "guess",
	}
	ha, err := Manifest(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hb, err := Manifest(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ha != hb {
		t.Fatalf("manifest hash depends on key order: %s vs %s", ha, hb)
	}
	if !strings.HasPrefix(ha, Prefix) {
		t.Fatalf("missing prefix on %s", ha)
	}
}

func TestManifestNilIsEmptyObject(t *testing.T) {
	hn, err := Manifest(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	he, err := Manifest(map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hn != he {
		t.Fatalf("nil manifest must hash like an empty object: %s vs %s", hn, he)
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"b": 1, "a": map[string]any{"z": true, "y": false}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"a":{"y":false,"z":true},"b":1}`
	if string(out) != want {
		t.Fatalf("expected %s, got %s", want, out)
	}
}
