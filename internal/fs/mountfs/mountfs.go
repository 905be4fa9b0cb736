// This is based on testing/fstest, go1.25.2:
// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// Altered to take a map of prefixes to fs.FS instances, so pack roots can be
// placed under a path inside the virtual asset tree.

package mountfs

import (
	"cmp"
	"io"
	"io/fs"
	"maps"
	"path"
	"slices"
	"strings"
	"time"
)

// A MountFS places existing [fs.FS] instances under specific prefixes.
// Parent directories of the mount points are synthesized.
//
// When mount points nest, the longest matching prefix wins. Opening or
// reading a synthesized directory iterates over all mount points, so a
// MountFS is meant for a handful of mounts, not thousands.
type MountFS struct {
	mounts map[string]fs.FS
	order  []string // mount points, longest first
}

func New(m map[string]fs.FS) *MountFS {
	order := slices.Collect(maps.Keys(m))
	slices.SortFunc(order, func(a, b string) int {
		return cmp.Or(cmp.Compare(len(b), len(a)), strings.Compare(a, b))
	})
	return &MountFS{mounts: m, order: order}
}

var _ fs.FS = (*MountFS)(nil)

// Open opens the named file.
func (fsys *MountFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	if m := fsys.mounts[name]; m != nil {
		return &mntDir{path: name, info: dirInfo(path.Base(name)), fsys: m}, nil
	}
	for _, mnt := range fsys.order {
		if strings.HasPrefix(name, mnt+"/") {
			return fsys.mounts[mnt].Open(name[len(mnt)+1:])
		}
	}

	// Directory, possibly synthesized.
	synthesize := make(map[string]bool)
	prefix := ""
	if name != "." {
		prefix = name + "/"
	}
	for mnt := range fsys.mounts {
		if !strings.HasPrefix(mnt, prefix) {
			continue
		}
		elem, _, _ := strings.Cut(mnt[len(prefix):], "/")
		if elem != "" && elem != "." {
			synthesize[elem] = true
		}
	}
	// If the directory has no mount points below it, it does not exist.
	if name != "." && len(synthesize) == 0 {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}

	list := make([]fileInfo, 0, len(synthesize))
	for _, elem := range slices.Sorted(maps.Keys(synthesize)) {
		list = append(list, dirInfo(elem))
	}
	return &mapDir{path: name, info: dirInfo(path.Base(name)), entry: list}, nil
}

// fileInfo implements fs.FileInfo and fs.DirEntry for synthesized directories.
type fileInfo struct {
	name string
	mode fs.FileMode
}

func dirInfo(name string) fileInfo {
	return fileInfo{name: name, mode: fs.ModeDir | 0o555}
}

func (i *fileInfo) Name() string               { return i.name }
func (*fileInfo) Size() int64                  { return 0 }
func (i *fileInfo) Mode() fs.FileMode          { return i.mode }
func (i *fileInfo) Type() fs.FileMode          { return i.mode.Type() }
func (*fileInfo) ModTime() time.Time           { return time.Time{} }
func (i *fileInfo) IsDir() bool                { return i.mode&fs.ModeDir != 0 }
func (*fileInfo) Sys() any                     { return nil }
func (i *fileInfo) Info() (fs.FileInfo, error) { return i, nil }
func (i *fileInfo) String() string             { return fs.FormatFileInfo(i) }

// A mapDir is a synthesized directory open for reading.
type mapDir struct {
	path   string
	info   fileInfo
	entry  []fileInfo
	offset int
}

func (d *mapDir) Stat() (fs.FileInfo, error) { return &d.info, nil }
func (*mapDir) Close() error                 { return nil }
func (d *mapDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.path, Err: fs.ErrInvalid}
}

func (d *mapDir) ReadDir(count int) ([]fs.DirEntry, error) {
	n := len(d.entry) - d.offset
	if n == 0 && count > 0 {
		return nil, io.EOF
	}
	if count > 0 && n > count {
		n = count
	}
	list := make([]fs.DirEntry, n)
	for i := range list {
		list[i] = &d.entry[d.offset+i]
	}
	d.offset += n
	return list, nil
}

// A mntDir is the root directory of a mount point.
type mntDir struct {
	path string
	info fileInfo
	fsys fs.FS
	done bool
}

func (*mntDir) Close() error                 { return nil }
func (d *mntDir) Stat() (fs.FileInfo, error) { return &d.info, nil }
func (d *mntDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.path, Err: fs.ErrInvalid}
}

// ReadDir returns all entries on the first call, ignoring count.
func (d *mntDir) ReadDir(count int) ([]fs.DirEntry, error) {
	if d.done {
		if count > 0 {
			return nil, io.EOF
		}
		return nil, nil
	}
	d.done = true
	return fs.ReadDir(d.fsys, ".")
}
