package registry_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/propack/propack/internal/asset"
	"github.com/propack/propack/internal/errs"
	pfs "github.com/propack/propack/internal/fs"
	"github.com/propack/propack/internal/layout"
	"github.com/propack/propack/internal/logging"
	"github.com/propack/propack/internal/pathmatch"
	"github.com/propack/propack/internal/registry"
)

func loader(t *testing.T, strict registry.Strict) *registry.Loader {
	t.Helper()
	l, err := layout.ForVersion("1.20.1")
	if err != nil {
		t.Fatal(err)
	}
	return &registry.Loader{Layout: l, Strict: strict, Log: logging.NewNop()}
}

func load(t *testing.T, l *registry.Loader, p *registry.Pack) *registry.Tree {
	t.Helper()
	tree, err := l.Load(t.Context(), p)
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

func TestLoad(t *testing.T) {
	p := &registry.Pack{
		ID: "base",
		Root: pfs.MapFS(map[string]string{
			"pack.png":                               "png",
			"assets/minecraft/textures/block/a.png":  "a",
			"assets/minecraft/sounds/ding.wav":       "wav",
			"assets/minecraft/lang/en_us.json":       "{}",
			"assets/minecraft/textures/.DS_Store":    "junk",
			".git/config":                            "junk",
			"assets/minecraft/textures/gui/icon.png": "icon",
		}),
		Kinds: []registry.KindRule{{Pattern: pathmatch.MustCompile("assets/*/textures/gui/**"), Kind: asset.Raw}},
	}

	tree := load(t, loader(t, registry.StrictError), p)

	kinds := map[string]asset.Kind{}
	for path, a := range tree.Assets {
		kinds[path] = a.Kind
	}

	exp := map[string]asset.Kind{
		"pack.png":                               asset.Raw,
		"assets/minecraft/textures/block/a.png":  asset.Texture,
		"assets/minecraft/sounds/ding.ogg":       asset.Sound,
		"assets/minecraft/lang/en_us.json":       asset.Lang,
		"assets/minecraft/textures/gui/icon.png": asset.Raw,
	}
	if diff := cmp.Diff(exp, kinds); diff != "" {
		t.Fatalf("unexpected assets (-want, +got):\n%s", diff)
	}

	if src := tree.Assets["assets/minecraft/sounds/ding.ogg"].Source; src != "assets/minecraft/sounds/ding.wav" {
		t.Fatalf("unexpected source %q", src)
	}
}

func TestLoadStrict(t *testing.T) {
	root := pfs.MapFS(map[string]string{
		"assets/minecraft/textures/block/a b.png": "a",
		"assets/minecraft/textures/block/b.png":   "b",
	})

	_, err := loader(t, registry.StrictError).Load(t.Context(), &registry.Pack{ID: "p", Root: root})
	var cfgErr *errs.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected config error, got %v", err)
	}

	tree := load(t, loader(t, registry.StrictWarn), &registry.Pack{ID: "p", Root: root})
	if diff := cmp.Diff([]string{"assets/minecraft/textures/block/b.png"}, tree.Paths()); diff != "" {
		t.Fatalf("unexpected paths (-want, +got):\n%s", diff)
	}

	tree = load(t, loader(t, registry.StrictOff), &registry.Pack{ID: "p", Root: root})
	if len(tree.Assets) != 2 {
		t.Fatalf("expected both assets, got %v", tree.Paths())
	}
}

func TestLoadSamePackCollision(t *testing.T) {
	root := pfs.MapFS(map[string]string{
		"assets/minecraft/sounds/ding.ogg": "ogg",
		"assets/minecraft/sounds/ding.wav": "wav",
	})
	_, err := loader(t, registry.StrictError).Load(t.Context(), &registry.Pack{ID: "p", Root: root})
	var conflict *registry.ConflictError
	if !errors.As(err, &conflict) || conflict.Path != "assets/minecraft/sounds/ding.ogg" {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestLoadLowerCase(t *testing.T) {
	p := &registry.Pack{
		ID: "p",
		Root: pfs.MapFS(map[string]string{
			"README.md":                       "readme",
			"LICENSE":                         "license",
			"assets/Demo/textures/Stone.png":  "png",
			"assets/demo/Sounds/Ding.WAV":     "wav",
			"assets/demo/lang/en_US.json":     "{}",
			"assets/demo/models/block/a.json": "{}",
		}),
	}

	tree := load(t, loader(t, registry.StrictError), p)

	exp := []string{
		"assets/demo/lang/en_us.json",
		"assets/demo/models/block/a.json",
		"assets/demo/sounds/ding.ogg",
		"assets/demo/textures/stone.png",
		"license",
		"readme.md",
	}
	if diff := cmp.Diff(exp, tree.Paths()); diff != "" {
		t.Fatalf("unexpected paths (-want, +got):\n%s", diff)
	}

	a := tree.Assets["assets/demo/textures/stone.png"]
	if a.Source != "assets/Demo/textures/Stone.png" || a.Kind != asset.Texture || string(a.Data) != "png" {
		t.Fatalf("unexpected asset %+v", a)
	}
	if k := tree.Assets["assets/demo/sounds/ding.ogg"].Kind; k != asset.Sound {
		t.Fatalf("unexpected sound kind %q", k)
	}
}

func TestLoadCaseCollision(t *testing.T) {
	root := pfs.MapFS(map[string]string{
		"assets/demo/textures/Stone.png": "upper",
		"assets/demo/textures/stone.png": "lower",
	})
	_, err := loader(t, registry.StrictError).Load(t.Context(), &registry.Pack{ID: "p", Root: root})
	var conflict *registry.ConflictError
	if !errors.As(err, &conflict) || conflict.Path != "assets/demo/textures/stone.png" {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestMerge(t *testing.T) {
	l := loader(t, registry.StrictError)

	const shared = "assets/minecraft/textures/block/stone.png"

	base := load(t, l, &registry.Pack{ID: "base", Root: pfs.MapFS(map[string]string{
		shared:                                    "base",
		"assets/minecraft/textures/block/x.png":   "x",
		"assets/minecraft/textures/block/y.png":   "y",
		"assets/minecraft/sounds/old.ogg":         "old",
		"assets/minecraft/models/block/dirt.json": "{}",
	})})

	overlay := load(t, l, &registry.Pack{
		ID: "overlay",
		Root: pfs.MapFS(map[string]string{
			shared:                                  "overlay",
			"assets/minecraft/textures/block/y.png": "overlay-y",
			"assets/minecraft/sounds/old.wav":       "new",
		}),
		Rules: mustSet(t, nil, []string{"assets/*/textures/block/y.png"}),
	})

	merged, err := registry.Merge([]*registry.Tree{base, overlay}, mustSet(t, nil, []string{"assets/**/*.json"}))
	if err != nil {
		t.Fatal(err)
	}

	got := map[string]string{}
	for p, a := range merged.Assets {
		got[p] = string(a.Data)
	}

	exp := map[string]string{
		shared:                                  "overlay",
		"assets/minecraft/textures/block/x.png": "x",
		"assets/minecraft/textures/block/y.png": "y",
		"assets/minecraft/sounds/old.ogg":       "new",
	}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected merge (-want, +got):\n%s", diff)
	}

	expOverrides := []registry.Override{
		{Path: "assets/minecraft/sounds/old.ogg", From: "base", To: "overlay"},
		{Path: shared, From: "base", To: "overlay"},
	}
	if diff := cmp.Diff(expOverrides, merged.Overrides); diff != "" {
		t.Fatalf("unexpected overrides (-want, +got):\n%s", diff)
	}
}

func TestMergeKindConflict(t *testing.T) {
	l := loader(t, registry.StrictError)
	const p = "assets/minecraft/textures/gui/icon.png"

	a := load(t, l, &registry.Pack{ID: "a", Root: pfs.MapFS(map[string]string{p: "a"})})
	b := load(t, l, &registry.Pack{
		ID:    "b",
		Root:  pfs.MapFS(map[string]string{p: "b"}),
		Kinds: []registry.KindRule{{Pattern: pathmatch.MustCompile("assets/*/textures/gui/**"), Kind: asset.Raw}},
	})

	_, err := registry.Merge([]*registry.Tree{a, b}, nil)
	var conflict *registry.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, conflict.Packs); diff != "" {
		t.Fatalf("unexpected packs (-want, +got):\n%s", diff)
	}
}

func TestParseStrict(t *testing.T) {
	if s, err := registry.ParseStrict(""); err != nil || s != registry.StrictError {
		t.Fatalf("got %v, %v", s, err)
	}
	if _, err := registry.ParseStrict("loose"); err == nil {
		t.Fatal("expected error")
	}
}

func mustSet(t *testing.T, include, exclude []string) *pathmatch.Set {
	t.Helper()
	s, err := pathmatch.NewSet(include, exclude)
	if err != nil {
		t.Fatal(err)
	}
	return s
}
