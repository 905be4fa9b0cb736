// Package layout describes how the target game runtime expects a pack to be
// laid out. One Layout implementation is selected per build from the target
// runtime version.
package layout

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/propack/propack/internal/asset"
)

// Layout classifies pack files and describes the pack metadata of one
// family of target runtime versions.
type Layout interface {
	// Name identifies the layout family ("legacy" or "flat").
	Name() string

	// Version is the target runtime version the layout was selected for.
	Version() string

	// PackFormat is the value written to the metadata file.
	PackFormat() int

	// Classify maps a source path inside a pack root to its logical path
	// and kind. Files outside any known asset directory are raw and keep
	// their path.
	Classify(source string) (logical string, kind asset.Kind)

	// LangExt is the extension of localization files, including the dot.
	LangExt() string
}

// Latest is the runtime version used when no target is configured.
const Latest = "1.21.4"

// MetadataFile is the name of the top-level pack metadata entry.
const MetadataFile = "pack.mcmeta"

type format struct {
	since  string
	format int
}

// formats is ordered by ascending runtime version.
var formats = []format{
	{"v1.6.1", 1},
	{"v1.9", 2},
	{"v1.11", 3},
	{"v1.13", 4},
	{"v1.15", 5},
	{"v1.16.2", 6},
	{"v1.17", 7},
	{"v1.18", 8},
	{"v1.19", 9},
	{"v1.19.3", 12},
	{"v1.19.4", 13},
	{"v1.20", 15},
	{"v1.20.2", 18},
	{"v1.20.3", 22},
	{"v1.20.5", 32},
	{"v1.21", 34},
	{"v1.21.2", 42},
	{"v1.21.4", 46},
}

// flatSince is the first version using JSON localization files.
const flatSince = "v1.13"

// ForVersion selects the layout for the target runtime version, e.g.
// "1.20.4". An empty version selects Latest.
func ForVersion(version string) (Layout, error) {
	if version == "" {
		version = Latest
	}

	v := canonical(version)
	if !semver.IsValid(v) {
		return nil, fmt.Errorf("invalid target version %q", version)
	}

	pf := 0
	for _, f := range formats {
		if semver.Compare(v, f.since) >= 0 {
			pf = f.format
		}
	}

	if pf == 0 {
		return nil, fmt.Errorf("target version %q predates resource packs", version)
	}

	b := base{version: strings.TrimPrefix(v, "v"), format: pf}
	if semver.Compare(v, flatSince) < 0 {
		return &legacy{b}, nil
	}
	return &flat{b}, nil
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

type base struct {
	version string
	format  int
}

func (b base) Version() string { return b.version }
func (b base) PackFormat() int { return b.format }

// classify implements the directory conventions shared by all layouts:
// assets/<namespace>/<kind dir>/<relative path>.
func (b base) classify(source string, langExt string) (string, asset.Kind) {
	parts := strings.SplitN(source, "/", 4)
	if len(parts) < 4 || parts[0] != "assets" {
		return source, asset.Raw
	}

	ext := asset.Ext(source)
	switch parts[2] {
	case "textures":
		if ext == ".png" {
			return source, asset.Texture
		}
	case "models":
		if ext == ".json" {
			return source, asset.Model
		}
	case "sounds":
		switch ext {
		case ".ogg":
			return source, asset.Sound
		case ".wav", ".mp3":
			// distributed re-encoded
			return strings.TrimSuffix(source, path.Ext(source)) + ".ogg", asset.Sound
		}
	case "font":
		switch ext {
		case ".json", ".ttf", ".otf":
			return source, asset.Font
		}
	case "lang":
		if ext == langExt {
			return source, asset.Lang
		}
	}

	return source, asset.Raw
}

// legacy covers runtimes before 1.13: key=value ".lang" localization files.
type legacy struct{ base }

func (*legacy) Name() string    { return "legacy" }
func (*legacy) LangExt() string { return ".lang" }

func (l *legacy) Classify(source string) (string, asset.Kind) {
	return l.classify(source, l.LangExt())
}

// flat covers 1.13 and later: JSON localization files.
type flat struct{ base }

func (*flat) Name() string    { return "flat" }
func (*flat) LangExt() string { return ".json" }

func (l *flat) Classify(source string) (string, asset.Kind) {
	return l.classify(source, l.LangExt())
}
