package fs

import (
	"io/fs"
	"path"

	"github.com/propack/propack/internal/pathmatch"
)

// FilterFS hides every file of the underlying filesystem whose path is not
// admitted by the include/exclude set. Directories stay visible, so walking
// a filtered tree may yield empty directories.
type FilterFS struct {
	fsys fs.FS
	set  *pathmatch.Set
}

// NewFilterFS compiles the include and exclude patterns and wraps fsys. With
// no patterns at all, fsys is returned unchanged.
func NewFilterFS(fsys fs.FS, included, excluded []string) (fs.FS, error) {
	set, err := pathmatch.NewSet(included, excluded)
	if err != nil {
		return nil, err
	}
	return FilterBySet(fsys, set), nil
}

// FilterBySet wraps fsys with an already compiled set.
func FilterBySet(fsys fs.FS, set *pathmatch.Set) fs.FS {
	if set.Empty() {
		return fsys
	}
	return &FilterFS{fsys: fsys, set: set}
}

func (f *FilterFS) Open(name string) (fs.File, error) {
	file, err := f.fsys.Open(name)
	if err != nil {
		return nil, err
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	if !fi.IsDir() {
		if !f.set.Admits(name) {
			file.Close()
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}
		return file, nil
	}

	dir, ok := file.(fs.ReadDirFile)
	if !ok {
		return file, nil
	}
	return &filterDir{ReadDirFile: dir, name: name, set: f.set}, nil
}

type filterDir struct {
	fs.ReadDirFile
	name string
	set  *pathmatch.Set
}

func (d *filterDir) ReadDir(n int) ([]fs.DirEntry, error) {
	for {
		entries, err := d.ReadDirFile.ReadDir(n)
		kept := entries[:0]
		for _, e := range entries {
			if e.IsDir() || d.set.Admits(path.Join(d.name, e.Name())) {
				kept = append(kept, e)
			}
		}
		// A batch of n entries that were all filtered out must not look like
		// the end of the directory to the caller.
		if n > 0 && len(kept) == 0 && err == nil {
			continue
		}
		return kept, err
	}
}
