package proofs

import (
	"strings"
	"testing"
)

func TestHashDeterministic(t *testing.T) {
	payload := map[string]any{
		"task":   "sum",
		"inputs": []any{1, 2, 3},
		"nested": map[string]any{"b": true, "a": "x"},
	}

	first, err := Hash(payload, "buyer1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Hash(payload, "buyer1")
		if err != nil {
			t.Fatalf("hash repeat %d: %v", i, err)
		}
		if again != first {
			t.Fatalf("hash not deterministic: %s != %s", again, first)
		}
	}

	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(first))
	}
	if first != strings.ToLower(first) {
		t.Fatalf("digest must be lowercase: %s", first)
	}
}

func TestHashKeyOrderIndependence(t *testing.T) {
	left := map[string]any{
		"alpha": 1,
		"beta":  map[string]any{"x": "1", "y": "2"},
		"gamma": []any{"a", "b"},
	}
	right := map[string]any{
		"gamma": []any{"a", "b"},
		"beta":  map[string]any{"y": "2", "x": "1"},
		"alpha": 1,
	}

	a, err := Hash(left, "salt")
	if err != nil {
		t.Fatalf("hash left: %v", err)
	}
	b, err := Hash(right, "salt")
	if err != nil {
		t.Fatalf("hash right: %v", err)
	}
	if a != b {
		t.Fatalf("insertion order changed the digest: %s != %s", a, b)
	}
}

func TestHashSaltSensitivity(t *testing.T) {
	payload := map[string]any{"task": "sum"}

	a, err := Hash(payload, "buyer1")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := Hash(payload, "buyer2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if a == b {
		t.Fatalf("different salts produced identical digests")
	}

	if _, err := Hash(payload, "  "); err == nil {
		t.Fatalf("expected error for blank salt")
	}
}

func TestCanonicalizeStringVerbatim(t *testing.T) {
	raw := `{"sum":42}`
	got, err := Canonicalize(raw)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if got != raw {
		t.Fatalf("string payload must be used verbatim: got %q", got)
	}
}

func TestCanonicalizeSortsRecursively(t *testing.T) {
	payload := map[string]any{
		"z": map[string]any{"b": 2, "a": 1},
		"a": []any{map[string]any{"k2": "v", "k1": "v"}},
	}
	got, err := Canonicalize(payload)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":[{"k1":"v","k2":"v"}],"z":{"a":1,"b":2}}`
	if got != want {
		t.Fatalf("canonical form mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestCanonicalizeNumbersStable(t *testing.T) {
	got, err := Canonicalize(map[string]any{
		"int":   42,
		"float": 1.5,
		"big":   int64(9007199254740993),
	})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"big":9007199254740993,"float":1.5,"int":42}`
	if got != want {
		t.Fatalf("number formatting drifted:\n got %s\nwant %s", got, want)
	}
}

func TestCanonicalizeTypedValues(t *testing.T) {
	type workOrder struct {
		Task  string `json:"task"`
		Count int    `json:"count"`
	}
	structGot, err := Canonicalize(workOrder{Task: "sum", Count: 3})
	if err != nil {
		t.Fatalf("canonicalize struct: %v", err)
	}
	mapGot, err := Canonicalize(map[string]any{"task": "sum", "count": 3})
	if err != nil {
		t.Fatalf("canonicalize map: %v", err)
	}
	if structGot != mapGot {
		t.Fatalf("struct and map forms must agree: %s != %s", structGot, mapGot)
	}
}
