// Package hasher computes the BLAKE3-256 digests that address processed
// assets, transform configurations and whole packs.
package hasher

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest.
type Digest [32]byte

// Zero is the digest of nothing; it never results from hashing.
var Zero Digest

type domainKey [32]byte

// Domain keys are the ASCII domain name, zero padded.
var (
	packDomain = domainKey{
		'p', 'r', 'o', 'p', 'a', 'c', 'k', '.', 'p', 'a', 'c', 'k',
	}
	configDomain = domainKey{
		'p', 'r', 'o', 'p', 'a', 'c', 'k', '.', 'c', 'o', 'n', 'f', 'i', 'g',
	}
)

// Sum returns the content digest of a payload.
func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters, for logs.
func (d Digest) Short() string {
	return d.String()[:12]
}

func (d Digest) IsZero() bool {
	return d == Zero
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	p, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = p
	return nil
}

// Parse decodes a 64-character hex digest.
func Parse(s string) (Digest, error) {
	var d Digest
	bs, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parsing digest: %w", err)
	}
	if len(bs) != len(d) {
		return d, fmt.Errorf("digest is %d bytes, want %d", len(bs), len(d))
	}
	copy(d[:], bs)
	return d, nil
}

// Entry is one (path, digest) pair of a pack.
type Entry struct {
	Path   string
	Digest Digest
}

// Pack returns the digest of a whole pack. Entries are sorted by path first,
// so the result does not depend on the order they are listed in.
func Pack(entries []Entry) Digest {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) int { return strings.Compare(a.Path, b.Path) })

	h := keyed(packDomain)
	var n [8]byte
	for _, e := range sorted {
		binary.BigEndian.PutUint64(n[:], uint64(len(e.Path)))
		h.Write(n[:])
		h.Write([]byte(e.Path))
		h.Write(e.Digest[:])
	}
	return sum(h)
}

// Config returns the digest of a transform configuration given as ordered
// key/value parameters. Parameter order is significant.
func Config(params ...string) Digest {
	var buf bytes.Buffer
	var n [8]byte
	for _, p := range params {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		buf.Write(n[:])
		buf.WriteString(p)
	}
	h := keyed(configDomain)
	h.Write(buf.Bytes())
	return sum(h)
}

// Combine hashes several digests into one, in order, in the config domain.
func Combine(ds ...Digest) Digest {
	h := keyed(configDomain)
	for _, d := range ds {
		h.Write(d[:])
	}
	return sum(h)
}

func keyed(key domainKey) *blake3.Hasher {
	// NewKeyed only fails for keys that are not 32 bytes long.
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("hasher: " + err.Error())
	}
	return h
}

func sum(h *blake3.Hasher) Digest {
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}
