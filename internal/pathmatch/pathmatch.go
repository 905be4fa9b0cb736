// Package pathmatch matches logical asset paths against glob patterns.
//
// Patterns are split on "/" and compared segment by segment against the
// path, so a "*" or "?" never crosses a separator. A segment consisting of
// exactly "**" matches zero or more whole segments. Other segments use the
// gobwas/glob syntax: "*", "?", character classes ("[a-z]", "[!0-9]") and
// alternation ("{png,jpg}").
package pathmatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/propack/propack/internal/errs"
)

const superSegment = "**"

// Pattern is a compiled glob over logical paths.
type Pattern struct {
	raw  string
	segs []segment
}

type segment struct {
	super bool
	lit   string
	g     glob.Glob
}

func (s segment) match(name string) bool {
	if s.g == nil {
		return s.lit == name
	}
	return s.g.Match(name)
}

// Compile parses a pattern. Malformed patterns yield a *errs.ConfigError.
func Compile(pattern string) (*Pattern, error) {
	p, err := compile(pattern)
	if err != nil {
		return nil, errs.Config(fmt.Sprintf("pattern %q", pattern), err)
	}
	return p, nil
}

// MustCompile is like Compile but panics on malformed patterns. It's meant for
// patterns that are constants in the code.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

func compile(pattern string) (*Pattern, error) {
	trimmed := strings.TrimPrefix(pattern, "/")
	if trimmed == "" {
		return nil, errors.New("empty pattern")
	}

	p := &Pattern{raw: pattern}
	for _, part := range strings.Split(trimmed, "/") {
		switch {
		case part == "":
			return nil, errors.New("empty path segment")
		case part == superSegment:
			// a/**/**/b is the same as a/**/b
			if n := len(p.segs); n > 0 && p.segs[n-1].super {
				continue
			}
			p.segs = append(p.segs, segment{super: true})
		case strings.Contains(part, superSegment):
			return nil, fmt.Errorf("%q: '**' must be a whole path segment", part)
		case !hasMeta(part):
			p.segs = append(p.segs, segment{lit: part})
		default:
			g, err := glob.Compile(part)
			if err != nil {
				return nil, fmt.Errorf("segment %q: %w", part, err)
			}
			p.segs = append(p.segs, segment{lit: part, g: g})
		}
	}
	return p, nil
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, `*?[]{}\!`)
}

// String returns the pattern as it was written.
func (p *Pattern) String() string {
	return p.raw
}

// Match reports whether the slash-separated path matches the pattern.
func (p *Pattern) Match(path string) bool {
	path = strings.Trim(path, "/")
	var names []string
	if path != "" {
		names = strings.Split(path, "/")
	}
	return matchSegments(p.segs, names)
}

func matchSegments(segs []segment, names []string) bool {
	for len(segs) > 0 {
		if segs[0].super {
			rest := segs[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(names); i++ {
				if matchSegments(rest, names[i:]) {
					return true
				}
			}
			return false
		}
		if len(names) == 0 || !segs[0].match(names[0]) {
			return false
		}
		segs, names = segs[1:], names[1:]
	}
	return len(names) == 0
}

// CompileAll compiles every pattern, failing on the first malformed one.
func CompileAll(patterns []string) ([]*Pattern, error) {
	out := make([]*Pattern, 0, len(patterns))
	for _, s := range patterns {
		p, err := Compile(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// MatchAny reports whether any of the patterns matches path.
func MatchAny(patterns []*Pattern, path string) bool {
	for _, p := range patterns {
		if p.Match(path) {
			return true
		}
	}
	return false
}

// Set is an include/exclude filter. An empty include list admits every path;
// excludes are applied after includes.
type Set struct {
	include []*Pattern
	exclude []*Pattern
}

// NewSet compiles the include and exclude lists.
func NewSet(include, exclude []string) (*Set, error) {
	in, err := CompileAll(include)
	if err != nil {
		return nil, err
	}
	ex, err := CompileAll(exclude)
	if err != nil {
		return nil, err
	}
	return &Set{include: in, exclude: ex}, nil
}

// Admits reports whether path passes the filter. A nil set admits everything.
func (s *Set) Admits(path string) bool {
	if s == nil {
		return true
	}
	if len(s.include) > 0 && !MatchAny(s.include, path) {
		return false
	}
	return !MatchAny(s.exclude, path)
}

// Empty reports whether the set filters nothing.
func (s *Set) Empty() bool {
	return s == nil || len(s.include) == 0 && len(s.exclude) == 0
}
