package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/propack/propack/pkg/manifest"
)

func TestMarshalStable(t *testing.T) {
	a := &manifest.Manifest{Pack: "p", Version: "1.0.0", PackFormat: 15, Digest: "d", Entries: []manifest.Entry{
		{Path: "b.png", Digest: "2", Size: 2, Kind: "raw"},
		{Path: "a.png", Digest: "1", Size: 1, Kind: "raw"},
	}}
	b := &manifest.Manifest{Pack: "p", Version: "1.0.0", PackFormat: 15, Digest: "d", Entries: []manifest.Entry{
		{Path: "a.png", Digest: "1", Size: 1, Kind: "raw"},
		{Path: "b.png", Digest: "2", Size: 2, Kind: "raw"},
	}}

	ba, err := a.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	bb, err := b.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(string(bb), string(ba)); diff != "" {
		t.Fatalf("listing order leaked into the encoding (-want, +got):\n%s", diff)
	}

	// Marshal does not reorder the caller's entries.
	if a.Entries[0].Path != "b.png" {
		t.Fatal("entries were modified")
	}

	parsed, err := manifest.Parse(ba)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(b, parsed); diff != "" {
		t.Fatalf("unexpected manifest (-want, +got):\n%s", diff)
	}
}

func TestEmptyEntries(t *testing.T) {
	bs, err := (&manifest.Manifest{Pack: "p"}).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	exp := "{\n  \"pack\": \"p\",\n  \"pack_format\": 0,\n  \"digest\": \"\",\n  \"entries\": []\n}\n"
	if diff := cmp.Diff(exp, string(bs)); diff != "" {
		t.Fatalf("unexpected encoding (-want, +got):\n%s", diff)
	}
}

func TestParseDuplicate(t *testing.T) {
	_, err := manifest.Parse([]byte(`{"pack": "p", "entries": [{"path": "a"}, {"path": "a"}]}`))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestReadWriteLookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pack.manifest.json")
	m := &manifest.Manifest{Pack: "p", Entries: []manifest.Entry{{Path: "z"}, {Path: "a", Digest: "x"}}}
	if err := m.Write(path); err != nil {
		t.Fatal(err)
	}
	got, err := manifest.Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if e, ok := got.Lookup("a"); !ok || e.Digest != "x" {
		t.Fatalf("unexpected lookup: %+v, %v", e, ok)
	}
	if _, ok := got.Lookup("m"); ok {
		t.Fatal("unexpected entry")
	}
}

func TestWriteReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pack.manifest.json")
	for _, pack := range []string{"first", "second"} {
		m := &manifest.Manifest{Pack: pack, Entries: []manifest.Entry{{Path: "a", Digest: pack}}}
		if err := m.Write(path); err != nil {
			t.Fatal(err)
		}
	}

	got, err := manifest.Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Pack != "second" {
		t.Fatalf("expected the second manifest, got %q", got.Pack)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("unexpected files: %v", files)
	}

	m := &manifest.Manifest{Pack: "p"}
	if err := m.Write(filepath.Join(dir, "missing", "pack.manifest.json")); err == nil {
		t.Fatal("expected error")
	}
}

func TestDiff(t *testing.T) {
	old := &manifest.Manifest{Entries: []manifest.Entry{
		{Path: "keep", Digest: "1"},
		{Path: "change", Digest: "1"},
		{Path: "remove", Digest: "1"},
	}}
	new := &manifest.Manifest{Entries: []manifest.Entry{
		{Path: "add", Digest: "1"},
		{Path: "change", Digest: "2"},
		{Path: "keep", Digest: "1"},
	}}

	exp := manifest.Delta{
		Added:   []manifest.Entry{{Path: "add", Digest: "1"}},
		Changed: []manifest.Entry{{Path: "change", Digest: "2"}},
		Removed: []manifest.Entry{{Path: "remove", Digest: "1"}},
	}
	if diff := cmp.Diff(exp, manifest.Diff(old, new)); diff != "" {
		t.Fatalf("unexpected delta (-want, +got):\n%s", diff)
	}

	if !manifest.Diff(new, new).Empty() {
		t.Fatal("expected empty delta")
	}

	all := manifest.Diff(nil, new)
	if len(all.Added) != 3 || len(all.Removed) != 0 {
		t.Fatalf("unexpected delta: %+v", all)
	}
}
