package archive_test

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zip"

	"github.com/propack/propack/internal/archive"
	"github.com/propack/propack/internal/layout"
)

var meta = archive.Metadata{PackFormat: 46, Description: "test pack", ID: "base", Version: "1.0.0", Digest: "abc"}

func TestWriteDeterministic(t *testing.T) {
	a := []archive.Entry{
		{Path: "assets/minecraft/textures/b.png", Data: []byte("bbb")},
		{Path: "assets/minecraft/lang/en_us.json", Data: []byte(`{"a": "b"}`)},
		{Path: "pack.png", Data: []byte("png")},
	}
	b := []archive.Entry{a[2], a[0], a[1]}

	var ba, bb bytes.Buffer
	if err := archive.Write(&ba, a, meta, archive.Options{Level: 9, Comment: "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := archive.Write(&bb, b, meta, archive.Options{Level: 9, Comment: "hello"}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ba.Bytes(), bb.Bytes()) {
		t.Fatal("archives differ")
	}

	zr, err := zip.NewReader(bytes.NewReader(ba.Bytes()), int64(ba.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if zr.Comment != "hello" {
		t.Fatalf("unexpected comment %q", zr.Comment)
	}

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		if !f.Modified.Equal(archive.Epoch) {
			t.Errorf("%s: unexpected modification time %v", f.Name, f.Modified)
		}
		if f.Mode().Perm() != 0o644 {
			t.Errorf("%s: unexpected mode %v", f.Name, f.Mode())
		}
		if f.Method != zip.Deflate {
			t.Errorf("%s: unexpected method %d", f.Name, f.Method)
		}
	}
	exp := []string{
		layout.MetadataFile,
		"assets/minecraft/lang/en_us.json",
		"assets/minecraft/textures/b.png",
		"pack.png",
	}
	if diff := cmp.Diff(exp, names); diff != "" {
		t.Fatalf("unexpected entries (-want, +got):\n%s", diff)
	}

	if got := read(t, zr, "assets/minecraft/textures/b.png"); got != "bbb" {
		t.Fatalf("unexpected content %q", got)
	}

	var m map[string]map[string]any
	if err := json.Unmarshal([]byte(read(t, zr, layout.MetadataFile)), &m); err != nil {
		t.Fatal(err)
	}
	if m["pack"]["pack_format"] != float64(46) || m["pack"]["description"] != "test pack" {
		t.Fatalf("unexpected pack section: %v", m["pack"])
	}
	if m["propack"]["id"] != "base" || m["propack"]["digest"] != "abc" {
		t.Fatalf("unexpected propack section: %v", m["propack"])
	}
}

func TestWriteStore(t *testing.T) {
	var buf bytes.Buffer
	if err := archive.Write(&buf, []archive.Entry{{Path: "a", Data: []byte("a")}}, meta, archive.Options{}); err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range zr.File {
		if f.Method != zip.Store {
			t.Fatalf("%s: unexpected method %d", f.Name, f.Method)
		}
	}
}

func TestWriteErrors(t *testing.T) {
	tests := []struct {
		note    string
		entries []archive.Entry
		opts    archive.Options
	}{
		{note: "duplicate", entries: []archive.Entry{{Path: "a"}, {Path: "a"}}},
		{note: "metadata collision", entries: []archive.Entry{{Path: layout.MetadataFile}}},
		{note: "bad level", opts: archive.Options{Level: 10}},
	}
	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			if err := archive.Write(io.Discard, tc.entries, meta, tc.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestWriteFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	entries := []archive.Entry{{Path: "assets/x/sounds/a.ogg", Data: []byte("ogg")}}

	r, err := archive.WriteFile(dir, "pack", entries, meta, archive.Options{Level: -1})
	if err != nil {
		t.Fatal(err)
	}

	bs, err := os.ReadFile(r.Path)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha1.Sum(bs)
	if r.SHA1 != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected sha1 %s", r.SHA1)
	}
	if r.Size != int64(len(bs)) {
		t.Fatalf("unexpected size %d", r.Size)
	}

	sidecar, err := os.ReadFile(filepath.Join(dir, "pack.sha1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(sidecar) != r.SHA1 {
		t.Fatalf("unexpected sidecar %q", sidecar)
	}

	// A rebuild yields the same bytes and no leftover temporary files.
	r2, err := archive.WriteFile(dir, "pack", entries, meta, archive.Options{Level: -1})
	if err != nil {
		t.Fatal(err)
	}
	if r2.SHA1 != r.SHA1 {
		t.Fatal("rebuild changed the archive")
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("unexpected files: %v", files)
	}
}

func TestStage(t *testing.T) {
	dir := t.TempDir()
	entries := []archive.Entry{{Path: "assets/x/misc/a.txt", Data: []byte("a")}}

	discarded, err := archive.Stage(dir, "pack", entries, meta, archive.Options{})
	if err != nil {
		t.Fatal(err)
	}
	discarded.Discard()
	if files, _ := os.ReadDir(dir); len(files) != 0 {
		t.Fatalf("discarded archive left files: %v", files)
	}

	s, err := archive.Stage(dir, "pack", entries, meta, archive.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.Path); !os.IsNotExist(err) {
		t.Fatal("staged archive must not be in place before commit")
	}
	r, err := s.Commit()
	if err != nil {
		t.Fatal(err)
	}
	s.Discard()
	if _, err := os.Stat(r.Path); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(); err == nil {
		t.Fatal("expected a second commit to fail")
	}
}

func read(t *testing.T, zr *zip.Reader, name string) string {
	t.Helper()
	f, err := zr.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	bs, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	return string(bs)
}
