package fs

import (
	"io/fs"
	"slices"
	"strings"
	"testing/fstest"
)

// Files lists every regular file of fsys in lexical order.
func Files(fsys fs.FS) ([]string, error) {
	var paths []string
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)
	return paths, nil
}

// Hidden reports whether any segment of the slash-separated path starts with
// a dot, e.g. ".git/config" or "textures/.DS_Store".
func Hidden(path string) bool {
	for seg := range strings.SplitSeq(path, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." {
			return true
		}
	}
	return false
}

// MapFS builds an in-memory filesystem from path → content.
func MapFS(m map[string]string) fs.FS {
	m0 := make(map[string]*fstest.MapFile, len(m))
	for p, f := range m {
		m0[strings.TrimPrefix(p, "/")] = &fstest.MapFile{Data: []byte(f), Mode: 0o644}
	}
	return fstest.MapFS(m0)
}
