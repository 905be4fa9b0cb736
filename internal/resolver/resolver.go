// Package resolver orders packs so that every pack comes after the packs it
// depends on. The order is the merge plan: later packs override earlier ones.
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/propack/propack/internal/errs"
	"github.com/propack/propack/internal/registry"
)

type DependencyCycleError struct {
	Members []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle between packs: %s", strings.Join(e.Members, ", "))
}

type MissingDependencyError struct {
	Pack       string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("pack %q depends on missing pack %q", e.Pack, e.Dependency)
}

type VersionMismatchError struct {
	Pack       string
	Dependency string
	Required   string
	Present    string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("pack %q requires %q >= %s, found %s", e.Pack, e.Dependency, e.Required, e.Present)
}

// Order returns the packs in dependency order. Packs that do not depend on
// each other keep the order they were supplied in. Resolution is all or
// nothing: on error no order is returned.
func Order(packs []*registry.Pack) ([]*registry.Pack, error) {
	index := make(map[string]int, len(packs))
	for i, p := range packs {
		if p.ID == "" {
			return nil, errs.Config(fmt.Sprintf("pack #%d", i+1), errors.New("missing id"))
		}
		if _, ok := index[p.ID]; ok {
			return nil, errs.Config(fmt.Sprintf("pack %q", p.ID), errors.New("declared twice"))
		}
		if p.Version != "" && !semver.IsValid(canonical(p.Version)) {
			return nil, errs.Config(fmt.Sprintf("pack %q", p.ID), fmt.Errorf("invalid version %q", p.Version))
		}
		index[p.ID] = i
	}

	// dependents[i] lists the packs that must come after pack i.
	dependents := make([][]int, len(packs))
	indegree := make([]int, len(packs))

	for i, p := range packs {
		for _, dep := range p.Dependencies {
			j, ok := index[dep.ID]
			if !ok {
				return nil, &MissingDependencyError{Pack: p.ID, Dependency: dep.ID}
			}
			if err := checkVersion(p, dep, packs[j]); err != nil {
				return nil, err
			}
			dependents[j] = append(dependents[j], i)
			indegree[i]++
		}
	}

	// Kahn's algorithm, always emitting the ready pack declared first.
	ordered := make([]*registry.Pack, 0, len(packs))
	done := make([]bool, len(packs))
	for len(ordered) < len(packs) {
		next := -1
		for i := range packs {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			return nil, &DependencyCycleError{Members: cycle(packs, index, done)}
		}

		done[next] = true
		ordered = append(ordered, packs[next])
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}

	return ordered, nil
}

func checkVersion(p *registry.Pack, dep registry.Dependency, present *registry.Pack) error {
	if dep.Version == "" {
		return nil
	}

	required := canonical(dep.Version)
	if !semver.IsValid(required) {
		return errs.Config(fmt.Sprintf("pack %q dependency %q", p.ID, dep.ID), fmt.Errorf("invalid version %q", dep.Version))
	}

	if present.Version == "" || semver.Compare(canonical(present.Version), required) < 0 {
		v := present.Version
		if v == "" {
			v = "no version"
		}
		return &VersionMismatchError{Pack: p.ID, Dependency: dep.ID, Required: dep.Version, Present: v}
	}
	return nil
}

// cycle follows dependency edges between unresolved packs, starting at the
// first one declared, until a pack repeats. Every unresolved pack has an
// unresolved dependency, so the walk always closes a loop.
func cycle(packs []*registry.Pack, index map[string]int, done []bool) []string {
	start := 0
	for done[start] {
		start++
	}

	pos := map[int]int{}
	var path []int
	for i := start; ; {
		if at, ok := pos[i]; ok {
			members := make([]string, 0, len(path)-at)
			for _, j := range path[at:] {
				members = append(members, packs[j].ID)
			}
			return members
		}
		pos[i] = len(path)
		path = append(path, i)

		for _, dep := range packs[i].Dependencies {
			if j := index[dep.ID]; !done[j] {
				i = j
				break
			}
		}
	}
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}
