package hasher_test

import (
	"encoding/json"
	"testing"

	"github.com/propack/propack/internal/hasher"
)

func TestSum(t *testing.T) {
	// BLAKE3 of the empty input.
	const empty = "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	if got := hasher.Sum(nil).String(); got != empty {
		t.Fatalf("got %s, want %s", got, empty)
	}
	if hasher.Sum([]byte("a")) == hasher.Sum([]byte("b")) {
		t.Fatal("expected different digests")
	}
}

func TestPackOrderIndependent(t *testing.T) {
	a := hasher.Entry{Path: "assets/a.png", Digest: hasher.Sum([]byte("a"))}
	b := hasher.Entry{Path: "assets/b.png", Digest: hasher.Sum([]byte("b"))}
	c := hasher.Entry{Path: "pack.png", Digest: hasher.Sum([]byte("c"))}

	d1 := hasher.Pack([]hasher.Entry{a, b, c})
	d2 := hasher.Pack([]hasher.Entry{c, a, b})
	if d1 != d2 {
		t.Fatalf("pack digest depends on order: %v != %v", d1, d2)
	}

	// Moving a payload to another path changes the digest.
	moved := hasher.Entry{Path: "assets/z.png", Digest: a.Digest}
	if d3 := hasher.Pack([]hasher.Entry{moved, b, c}); d3 == d1 {
		t.Fatal("expected different digest")
	}
}

func TestConfigBoundaries(t *testing.T) {
	if hasher.Config("ab", "c") == hasher.Config("a", "bc") {
		t.Fatal("parameter boundaries must be significant")
	}
	if hasher.Config("a", "b") == hasher.Config("b", "a") {
		t.Fatal("parameter order must be significant")
	}
}

func TestTextRoundTrip(t *testing.T) {
	d := hasher.Sum([]byte("payload"))
	bs, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}

	var got hasher.Digest
	if err := json.Unmarshal(bs, &got); err != nil {
		t.Fatal(err)
	}
	if got != d {
		t.Fatalf("got %v, want %v", got, d)
	}

	if _, err := hasher.Parse("abc"); err == nil {
		t.Fatal("expected error")
	}
}
