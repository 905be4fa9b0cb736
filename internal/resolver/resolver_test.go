package resolver_test

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/propack/propack/internal/errs"
	"github.com/propack/propack/internal/registry"
	"github.com/propack/propack/internal/resolver"
)

func pack(id, version string, deps ...string) *registry.Pack {
	p := &registry.Pack{ID: id, Version: version}
	for _, d := range deps {
		id, v, _ := cut(d)
		p.Dependencies = append(p.Dependencies, registry.Dependency{ID: id, Version: v})
	}
	return p
}

// cut splits "id>=version".
func cut(s string) (string, string, bool) {
	for i := 0; i+1 < len(s); i++ {
		if s[i:i+2] == ">=" {
			return s[:i], s[i+2:], true
		}
	}
	return s, "", false
}

func ids(packs []*registry.Pack) []string {
	out := make([]string, len(packs))
	for i, p := range packs {
		out[i] = p.ID
	}
	return out
}

func TestOrder(t *testing.T) {
	tests := []struct {
		note  string
		packs []*registry.Pack
		exp   []string
	}{
		{
			note:  "independent packs keep supplied order",
			packs: []*registry.Pack{pack("c", ""), pack("a", ""), pack("b", "")},
			exp:   []string{"c", "a", "b"},
		},
		{
			note:  "dependency moves before dependent",
			packs: []*registry.Pack{pack("overlay", "1.0.0", "base>=1.0"), pack("base", "1.2.0")},
			exp:   []string{"base", "overlay"},
		},
		{
			note: "diamond",
			packs: []*registry.Pack{
				pack("top", "", "left", "right"),
				pack("right", "", "root"),
				pack("left", "", "root"),
				pack("root", ""),
			},
			exp: []string{"root", "right", "left", "top"},
		},
		{
			note:  "ties broken by declaration once ready",
			packs: []*registry.Pack{pack("x", "", "z"), pack("y", ""), pack("z", "")},
			exp:   []string{"y", "z", "x"},
		},
		{
			note:  "v prefix optional",
			packs: []*registry.Pack{pack("a", "v2.0.0"), pack("b", "1.0.0", "a>=2")},
			exp:   []string{"a", "b"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			ordered, err := resolver.Order(tc.packs)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.exp, ids(ordered)); diff != "" {
				t.Fatalf("unexpected order (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestOrderCycle(t *testing.T) {
	_, err := resolver.Order([]*registry.Pack{pack("a", "", "b"), pack("b", "", "a")})

	var cycle *resolver.DependencyCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, cycle.Members); diff != "" {
		t.Fatalf("unexpected members (-want, +got):\n%s", diff)
	}
	if err.Error() != "dependency cycle between packs: a, b" {
		t.Fatalf("unexpected message: %v", err)
	}
}

func TestOrderCycleExcludesDownstream(t *testing.T) {
	// d depends on the cycle but is not part of it.
	_, err := resolver.Order([]*registry.Pack{
		pack("d", "", "b"),
		pack("a", "", "c"),
		pack("b", "", "a"),
		pack("c", "", "b"),
		pack("free", ""),
	})

	var cycle *resolver.DependencyCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if diff := cmp.Diff([]string{"b", "a", "c"}, cycle.Members); diff != "" {
		t.Fatalf("unexpected members (-want, +got):\n%s", diff)
	}
}

func TestOrderSelfCycle(t *testing.T) {
	_, err := resolver.Order([]*registry.Pack{pack("a", "", "a")})
	var cycle *resolver.DependencyCycleError
	if !errors.As(err, &cycle) || len(cycle.Members) != 1 {
		t.Fatalf("expected self cycle, got %v", err)
	}
}

func TestOrderErrors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		_, err := resolver.Order([]*registry.Pack{pack("a", "", "ghost")})
		var missing *resolver.MissingDependencyError
		if !errors.As(err, &missing) || missing.Dependency != "ghost" {
			t.Fatalf("expected missing dependency error, got %v", err)
		}
	})

	t.Run("version", func(t *testing.T) {
		_, err := resolver.Order([]*registry.Pack{pack("base", "1.2.0"), pack("overlay", "", "base>=1.10.0")})
		var mismatch *resolver.VersionMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected version mismatch error, got %v", err)
		}
		exp := resolver.VersionMismatchError{Pack: "overlay", Dependency: "base", Required: "1.10.0", Present: "1.2.0"}
		if diff := cmp.Diff(exp, *mismatch); diff != "" {
			t.Fatalf("unexpected error (-want, +got):\n%s", diff)
		}
	})

	t.Run("unversioned dependency", func(t *testing.T) {
		_, err := resolver.Order([]*registry.Pack{pack("base", ""), pack("overlay", "", "base>=1")})
		var mismatch *resolver.VersionMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("expected version mismatch error, got %v", err)
		}
	})

	for note, packs := range map[string][]*registry.Pack{
		"duplicate":       {pack("a", ""), pack("a", "")},
		"empty id":        {pack("", "")},
		"bad version":     {pack("a", "latest")},
		"bad requirement": {pack("a", "1.0.0"), pack("b", "", "a>=one")},
	} {
		t.Run(note, func(t *testing.T) {
			_, err := resolver.Order(packs)
			var cfgErr *errs.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}

// TestOrderRandomDAGs checks on random acyclic graphs that every dependency
// precedes its dependent and that resolving twice yields the same order.
func TestOrderRandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for n := range 50 {
		size := 2 + rng.IntN(12)
		packs := make([]*registry.Pack, size)
		for i := range packs {
			packs[i] = pack(fmt.Sprintf("p%d", i), "1.0.0")
		}
		// Edges only point from higher to lower creation index, then the
		// declaration order is shuffled.
		for i := 1; i < size; i++ {
			for j := range i {
				if rng.IntN(3) == 0 {
					packs[i].Dependencies = append(packs[i].Dependencies, registry.Dependency{ID: packs[j].ID, Version: "1.0"})
				}
			}
		}
		rng.Shuffle(size, func(i, j int) { packs[i], packs[j] = packs[j], packs[i] })

		first, err := resolver.Order(packs)
		if err != nil {
			t.Fatalf("graph %d: %v", n, err)
		}
		second, err := resolver.Order(packs)
		if err != nil {
			t.Fatalf("graph %d: %v", n, err)
		}
		if diff := cmp.Diff(ids(first), ids(second)); diff != "" {
			t.Fatalf("graph %d: unstable order (-first, +second):\n%s", n, diff)
		}

		pos := map[string]int{}
		for i, p := range first {
			pos[p.ID] = i
		}
		for _, p := range first {
			for _, d := range p.Dependencies {
				if pos[d.ID] >= pos[p.ID] {
					t.Fatalf("graph %d: %s placed before its dependency %s", n, p.ID, d.ID)
				}
			}
		}
	}
}
