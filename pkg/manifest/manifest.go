// Package manifest describes the content of a built pack. Clients compare
// the manifest of the pack they have with the manifest of a new build to
// fetch only what changed.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Entry is one asset of the pack.
type Entry struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
	Kind   string `json:"kind"`
}

type Manifest struct {
	Pack       string  `json:"pack"`
	Version    string  `json:"version,omitempty"`
	PackFormat int     `json:"pack_format"`
	Digest     string  `json:"digest"`
	Entries    []Entry `json:"entries"`
}

// Sort orders the entries by path.
func (m *Manifest) Sort() {
	slices.SortFunc(m.Entries, func(a, b Entry) int { return strings.Compare(a.Path, b.Path) })
}

// Lookup returns the entry at path.
func (m *Manifest) Lookup(path string) (Entry, bool) {
	i, ok := slices.BinarySearchFunc(m.Entries, path, func(e Entry, p string) int { return strings.Compare(e.Path, p) })
	if !ok {
		return Entry{}, false
	}
	return m.Entries[i], true
}

// Marshal encodes the manifest as indented JSON with entries sorted by path.
// Equal manifests always encode to the same bytes.
func (m *Manifest) Marshal() ([]byte, error) {
	c := *m
	c.Entries = slices.Clone(m.Entries)
	if c.Entries == nil {
		c.Entries = []Entry{}
	}
	c.Sort()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Parse decodes a manifest, rejecting duplicate paths.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	m.Sort()
	for i := 1; i < len(m.Entries); i++ {
		if m.Entries[i].Path == m.Entries[i-1].Path {
			return nil, fmt.Errorf("manifest: duplicate entry %q", m.Entries[i].Path)
		}
	}
	return &m, nil
}

func Read(path string) (*Manifest, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(bs)
}

// Write replaces the manifest file at path atomically: readers see either
// the previous manifest or the complete new one.
func (m *Manifest) Write(path string) error {
	bs, err := m.Marshal()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(bs)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0o644)
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Delta lists what changed between two manifests. Changed holds the new
// entries.
type Delta struct {
	Added   []Entry `json:"added"`
	Changed []Entry `json:"changed"`
	Removed []Entry `json:"removed"`
}

func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// Diff compares two manifests. A nil old manifest means everything is new.
func Diff(old, new *Manifest) Delta {
	var o, n []Entry
	if old != nil {
		o = sorted(old.Entries)
	}
	if new != nil {
		n = sorted(new.Entries)
	}

	var d Delta
	i, j := 0, 0
	for i < len(o) || j < len(n) {
		switch {
		case j == len(n) || i < len(o) && o[i].Path < n[j].Path:
			d.Removed = append(d.Removed, o[i])
			i++
		case i == len(o) || n[j].Path < o[i].Path:
			d.Added = append(d.Added, n[j])
			j++
		default:
			if o[i].Digest != n[j].Digest || o[i].Kind != n[j].Kind {
				d.Changed = append(d.Changed, n[j])
			}
			i++
			j++
		}
	}
	return d
}

func sorted(es []Entry) []Entry {
	es = slices.Clone(es)
	slices.SortFunc(es, func(a, b Entry) int { return strings.Compare(a.Path, b.Path) })
	return es
}
