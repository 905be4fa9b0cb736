package fs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/yalue/merged_fs"

	"github.com/propack/propack/internal/fs/mountfs"
)

// Root is one opened source tree of a pack: a directory or a zip archive.
type Root struct {
	FS     fs.FS
	closer io.Closer
}

func (r *Root) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// OpenRoot opens a directory or, for paths ending in ".zip", a zip archive as
// a read-only filesystem.
func OpenRoot(p string) (*Root, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return &Root{FS: os.DirFS(p)}, nil
	}

	if !strings.EqualFold(path.Ext(p), ".zip") {
		return nil, fmt.Errorf("%s: not a directory or zip archive", p)
	}

	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, err
	}
	return &Root{FS: zr, closer: zr}, nil
}

// Mount places fsys under prefix. An empty prefix returns fsys unchanged.
func Mount(prefix string, fsys fs.FS) fs.FS {
	prefix = strings.Trim(path.Clean("/"+prefix), "/")
	if prefix == "" {
		return fsys
	}
	return mountfs.New(map[string]fs.FS{prefix: fsys})
}

// Merge overlays the filesystems; on path collisions the earliest one wins.
func Merge(fses ...fs.FS) fs.FS {
	switch len(fses) {
	case 0:
		return merged_fs.MergeMultiple()
	case 1:
		return fses[0]
	}
	return merged_fs.MergeMultiple(fses...)
}
