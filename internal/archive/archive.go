// Package archive writes the distributable pack archive. The same entries
// and options always produce the same bytes.
package archive

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/propack/propack/internal/layout"
)

// Epoch is the modification time of every archive entry.
var Epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

const mode = 0o644

type Entry struct {
	Path string
	Data []byte
}

// Metadata is written to the top-level metadata file of the archive.
type Metadata struct {
	PackFormat  int
	Description string
	ID          string
	Version     string
	Digest      string
}

type metadataFile struct {
	Pack struct {
		PackFormat  int    `json:"pack_format"`
		Description string `json:"description"`
	} `json:"pack"`
	ProPack struct {
		ID      string `json:"id"`
		Version string `json:"version,omitempty"`
		Digest  string `json:"digest"`
	} `json:"propack"`
}

// Marshal encodes the metadata file.
func (m Metadata) Marshal() ([]byte, error) {
	var f metadataFile
	f.Pack.PackFormat = m.PackFormat
	f.Pack.Description = m.Description
	f.ProPack.ID = m.ID
	f.ProPack.Version = m.Version
	f.ProPack.Digest = m.Digest

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type Options struct {
	// Level is the deflate level, 0 stores entries uncompressed and -1
	// selects the default level.
	Level   int
	Comment string
}

func (o Options) Validate() error {
	if o.Level < flate.DefaultCompression || o.Level > flate.BestCompression {
		return fmt.Errorf("compression level %d out of range [-1, 9]", o.Level)
	}
	if len(o.Comment) > 0xffff {
		return fmt.Errorf("archive comment too long")
	}
	return nil
}

// Write writes the metadata file followed by the entries sorted by path.
func Write(w io.Writer, entries []Entry, meta Metadata, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) int { return strings.Compare(a.Path, b.Path) })
	for i, e := range sorted {
		if e.Path == layout.MetadataFile {
			return fmt.Errorf("entry %q collides with the metadata file", e.Path)
		}
		if i > 0 && sorted[i-1].Path == e.Path {
			return fmt.Errorf("duplicate entry %q", e.Path)
		}
	}

	md, err := meta.Marshal()
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, opts.Level)
	})

	method := zip.Deflate
	if opts.Level == flate.NoCompression {
		method = zip.Store
	}

	if err := add(zw, layout.MetadataFile, md, method); err != nil {
		return err
	}
	for _, e := range sorted {
		if err := add(zw, e.Path, e.Data, method); err != nil {
			return err
		}
	}

	if opts.Comment != "" {
		if err := zw.SetComment(opts.Comment); err != nil {
			return err
		}
	}
	return zw.Close()
}

func add(zw *zip.Writer, name string, data []byte, method uint16) error {
	fh := &zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: Epoch,
	}
	fh.SetMode(mode)

	w, err := zw.CreateHeader(fh)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Result describes an archive written to disk.
type Result struct {
	Path     string
	SHA1Path string
	SHA1     string
	Size     int64
}

// WriteFile writes <dir>/<name>.zip and its <dir>/<name>.sha1 sidecar. The
// archive replaces any previous one atomically.
func WriteFile(dir, name string, entries []Entry, meta Metadata, opts Options) (*Result, error) {
	s, err := Stage(dir, name, entries, meta, opts)
	if err != nil {
		return nil, err
	}
	defer s.Discard()
	return s.Commit()
}

// Staged is an archive written next to its destination but not yet moved
// into place. Files that must match the archive, such as its manifest, are
// written between Stage and Commit.
type Staged struct {
	Result
	tmp string
}

// Stage writes the archive to a temporary file in dir.
func Stage(dir, name string, entries []Entry, meta Metadata, opts Options) (*Staged, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(dir, "."+name+"-*.zip")
	if err != nil {
		return nil, err
	}

	h := sha1.New()
	cw := &countWriter{w: io.MultiWriter(tmp, h)}
	err = Write(cw, entries, meta, opts)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), mode)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}

	return &Staged{
		Result: Result{
			Path:     filepath.Join(dir, name+".zip"),
			SHA1Path: filepath.Join(dir, name+".sha1"),
			SHA1:     hex.EncodeToString(h.Sum(nil)),
			Size:     cw.n,
		},
		tmp: tmp.Name(),
	}, nil
}

// Commit moves the archive into place and writes its sidecar.
func (s *Staged) Commit() (*Result, error) {
	if s.tmp == "" {
		return nil, errors.New("archive already committed or discarded")
	}
	if err := os.Rename(s.tmp, s.Path); err != nil {
		return nil, err
	}
	s.tmp = ""
	if err := WriteAtomic(s.SHA1Path, []byte(s.SHA1)); err != nil {
		return nil, err
	}
	r := s.Result
	return &r, nil
}

// Discard removes the staged archive. It does nothing after Commit.
func (s *Staged) Discard() {
	if s.tmp != "" {
		os.Remove(s.tmp)
		s.tmp = ""
	}
}

// WriteAtomic replaces path with data through a temporary file in the same
// directory.
func WriteAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), mode)
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
