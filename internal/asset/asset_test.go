package asset_test

import (
	"testing"

	"github.com/propack/propack/internal/asset"
)

func TestParseKind(t *testing.T) {
	for _, k := range asset.Kinds {
		got, err := asset.ParseKind(string(k))
		if err != nil || got != k {
			t.Fatalf("%v: got %v, %v", k, got, err)
		}
	}
	if k, err := asset.ParseKind("Texture"); err != nil || k != asset.Texture {
		t.Fatalf("expected case-insensitive parse, got %v, %v", k, err)
	}
	if _, err := asset.ParseKind("shader"); err == nil {
		t.Fatal("expected error")
	}
}

func TestNamespaceAndExt(t *testing.T) {
	a := asset.Asset{Path: "assets/mymod/textures/item/gem.png", Source: "assets/mymod/textures/item/gem.PNG"}
	if ns := a.Namespace(); ns != "mymod" {
		t.Fatalf("unexpected namespace %q", ns)
	}
	if ext := a.Ext(); ext != ".png" {
		t.Fatalf("unexpected ext %q", ext)
	}
	if ns := asset.Namespace("pack.png"); ns != "" {
		t.Fatalf("unexpected namespace %q", ns)
	}
	if ext := asset.Ext("textures/.hidden"); ext != "" {
		t.Fatalf("unexpected ext %q", ext)
	}
}

func TestValidPath(t *testing.T) {
	for p, ok := range map[string]bool{
		"assets/ns/textures/block/stone.png": true,
		"assets/ns/textures/Block/stone.png": false,
		"assets/ns/sounds/hello world.ogg":   false,
		"":                                   false,
	} {
		if err := asset.ValidPath(p); (err == nil) != ok {
			t.Errorf("%q: expected ok=%v, got %v", p, ok, err)
		}
	}
}
