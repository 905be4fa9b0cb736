// Package asset defines the unit the pack build engine works on: a file at a
// logical path inside the merged virtual tree, tagged with its kind.
package asset

import (
	"fmt"
	"slices"
	"strings"
)

// Kind selects the processing chain of an asset.
type Kind string

const (
	Texture Kind = "texture"
	Model   Kind = "model"
	Sound   Kind = "sound"
	Font    Kind = "font"
	Lang    Kind = "lang"
	Raw     Kind = "raw"
)

// Kinds lists every kind in a fixed order.
var Kinds = []Kind{Texture, Model, Sound, Font, Lang, Raw}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(s))
	if !slices.Contains(Kinds, k) {
		return "", fmt.Errorf("unknown asset kind %q", s)
	}
	return k, nil
}

func (k Kind) String() string {
	return string(k)
}

// Asset is a single file contributed by a pack.
type Asset struct {
	// Path is the logical path inside the virtual tree, e.g.
	// "assets/minecraft/textures/block/stone.png".
	Path string

	// Source is the path of the file inside its pack root. It differs from
	// Path when the target layout renames the asset (e.g. a .wav sound that
	// is distributed as .ogg).
	Source string

	Kind Kind
	Data []byte

	// Pack is the id of the pack that contributed the asset.
	Pack string
}

// Namespace returns the namespace segment of "assets/<namespace>/..." paths,
// or "" for files outside the assets tree.
func (a *Asset) Namespace() string {
	return Namespace(a.Path)
}

// Ext returns the lower-cased extension of the source file, including the dot.
func (a *Asset) Ext() string {
	return Ext(a.Source)
}

func (a *Asset) String() string {
	return fmt.Sprintf("%s (%s from %q)", a.Path, a.Kind, a.Pack)
}

func Namespace(p string) string {
	rest, ok := strings.CutPrefix(p, "assets/")
	if !ok {
		return ""
	}
	ns, _, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return ns
}

func Ext(p string) string {
	name := p[strings.LastIndexByte(p, '/')+1:]
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return ""
	}
	return strings.ToLower(name[i:])
}

// ValidPath checks that a logical path only uses the characters the target
// runtime accepts in resource locations: [a-z0-9/._-].
func ValidPath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '/', c == '.', c == '_', c == '-':
		default:
			return fmt.Errorf("%s: non [a-z0-9/._-] character %q", p, rune(c))
		}
	}
	return nil
}
