// Package registry discovers the assets of each pack and merges them into a
// single virtual tree following the merge plan.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"

	"github.com/propack/propack/internal/asset"
	"github.com/propack/propack/internal/errs"
	"github.com/propack/propack/internal/layout"
	"github.com/propack/propack/internal/logging"
	"github.com/propack/propack/internal/pathmatch"
)

// Pack is one source pack, immutable for the duration of a build.
type Pack struct {
	ID           string
	Version      string
	Dependencies []Dependency
	Root         fs.FS

	// Rules filters the logical paths this pack may contribute.
	Rules *pathmatch.Set

	// Kinds force the kind of matching logical paths, first match wins.
	Kinds []KindRule
}

// Dependency declares that a pack needs another pack at a minimum version.
type Dependency struct {
	ID      string
	Version string
}

type KindRule struct {
	Pattern *pathmatch.Pattern
	Kind    asset.Kind
}

func (p *Pack) String() string {
	if p.Version == "" {
		return p.ID
	}
	return p.ID + "@" + p.Version
}

func (p *Pack) kindOf(logical string, inferred asset.Kind) asset.Kind {
	for _, r := range p.Kinds {
		if r.Pattern.Match(logical) {
			return r.Kind
		}
	}
	return inferred
}

// Strict selects what happens to files whose logical path the target runtime
// cannot load.
type Strict string

const (
	StrictError Strict = "error"
	StrictWarn  Strict = "warn"
	StrictOff   Strict = "off"
)

func ParseStrict(s string) (Strict, error) {
	switch st := Strict(s); st {
	case "":
		return StrictError, nil
	case StrictError, StrictWarn, StrictOff:
		return st, nil
	}
	return "", errs.Config("strict", fmt.Errorf("unknown mode %q (want error, warn or off)", s))
}

// Tree is the set of assets discovered in one pack, keyed by logical path.
type Tree struct {
	Pack   *Pack
	Assets map[string]*asset.Asset
}

// Paths returns the logical paths of the tree in lexical order.
func (t *Tree) Paths() []string {
	return slices.Sorted(maps.Keys(t.Assets))
}

// Loader walks pack roots. It never writes to the filesystem.
type Loader struct {
	Layout layout.Layout
	Strict Strict
	Log    *logging.Logger
}

// Load walks the root of p and returns one asset per regular file, keyed by
// its lower-cased logical path. Hidden files and directories are skipped.
func (l *Loader) Load(ctx context.Context, p *Pack) (*Tree, error) {
	if p.Root == nil {
		return nil, errs.Config(fmt.Sprintf("pack %q", p.ID), errors.New("no root"))
	}

	tree := &Tree{Pack: p, Assets: map[string]*asset.Asset{}}

	err := fs.WalkDir(p.Root, ".", func(source string, d fs.DirEntry, err error) error {
		if err != nil {
			return errs.IO("walk", source, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if source != "." && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		// Logical paths are lower case; two sources differing only in case
		// collide below.
		logical, kind := l.Layout.Classify(strings.ToLower(source))
		if err := asset.ValidPath(logical); err != nil {
			switch l.Strict {
			case StrictOff:
			case StrictWarn:
				l.Log.Warnf("pack %q: skipping %v", p.ID, err)
				return nil
			default:
				return errs.Config(fmt.Sprintf("pack %q", p.ID), err)
			}
		}

		if prev, ok := tree.Assets[logical]; ok {
			return &ConflictError{Path: logical, Packs: []string{p.ID, p.ID}, Sources: []string{prev.Source, source}}
		}

		data, err := fs.ReadFile(p.Root, source)
		if err != nil {
			return errs.IO("read", source, err)
		}

		tree.Assets[logical] = &asset.Asset{
			Path:   logical,
			Source: source,
			Kind:   p.kindOf(logical, kind),
			Data:   data,
			Pack:   p.ID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.Log.Debugf("pack %q: loaded %d assets", p.ID, len(tree.Assets))
	return tree, nil
}

// ConflictError reports an override the registry cannot resolve: two files
// of one pack at the same logical path, or packs contributing the same path
// with incompatible kinds.
type ConflictError struct {
	Path    string
	Packs   []string
	Sources []string
	Kinds   []asset.Kind
}

func (e *ConflictError) Error() string {
	if len(e.Kinds) == 2 {
		return fmt.Sprintf("conflict at %s: pack %q provides %s, pack %q provides %s", e.Path, e.Packs[0], e.Kinds[0], e.Packs[1], e.Kinds[1])
	}
	return fmt.Sprintf("conflict at %s: pack %q provides it from both %s and %s", e.Path, e.Packs[0], e.Sources[0], e.Sources[1])
}

// Override records that a later pack replaced the asset of an earlier one.
type Override struct {
	Path string
	From string
	To   string
}

// Merged is the virtual tree: exactly one asset per logical path.
type Merged struct {
	Assets    map[string]*asset.Asset
	Overrides []Override
}

func (m *Merged) Paths() []string {
	return slices.Sorted(maps.Keys(m.Assets))
}

// Merge folds the trees in merge plan order: for each logical path, the last
// pack whose rules admit it wins, unless exclude drops the path altogether.
// Colliding assets of different kinds fail the merge.
func Merge(trees []*Tree, exclude *pathmatch.Set) (*Merged, error) {
	m := &Merged{Assets: map[string]*asset.Asset{}}

	for _, t := range trees {
		for _, p := range t.Paths() {
			if !t.Pack.Rules.Admits(p) || !exclude.Admits(p) {
				continue
			}

			a := t.Assets[p]
			if prev, ok := m.Assets[p]; ok {
				if prev.Kind != a.Kind {
					return nil, &ConflictError{
						Path:    p,
						Packs:   []string{prev.Pack, a.Pack},
						Sources: []string{prev.Source, a.Source},
						Kinds:   []asset.Kind{prev.Kind, a.Kind},
					}
				}
				m.Overrides = append(m.Overrides, Override{Path: p, From: prev.Pack, To: a.Pack})
			}
			m.Assets[p] = a
		}
	}

	return m, nil
}
