package config

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/propack/propack/internal/pathmatch"
)

// Root is the project file of a pack build, usually propack.yaml.
type Root struct {
	Name          string             `json:"name" required:"true"`
	Version       string             `json:"version,omitempty"`
	Description   string             `json:"description,omitempty"`
	Target        string             `json:"target,omitempty"`
	Output        string             `json:"output,omitempty"`
	Strict        string             `json:"strict,omitempty" enum:"error,warn,off"`
	Workers       int                `json:"workers,omitempty" minimum:"0"`
	ExcludedFiles StringSet          `json:"excluded_files,omitempty"`
	Archive       Archive            `json:"archive,omitzero"`
	Cache         *Cache             `json:"cache,omitempty"`
	Processing    Processing         `json:"processing,omitzero"`
	Watch         Watch              `json:"watch,omitzero"`
	Packs         []*Pack            `json:"packs" required:"true"`
	Secrets       map[string]*Secret `json:"secrets,omitempty"` // Schema validation overrides Secret to object type.

	// dir is the directory of the project file; relative paths resolve
	// against it.
	dir string

	_ struct{} `additionalProperties:"false"`
}

// UnmarshalYAML links secret references to the secrets of the file.
func (r *Root) UnmarshalYAML(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalYAML by type aliasing
	var raw rawRoot

	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	return r.unmarshal()
}

func (r *Root) UnmarshalJSON(bs []byte) error {
	type rawRoot Root // avoid recursive calls to UnmarshalJSON by type aliasing
	var raw rawRoot

	if err := json.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode Root: %w", err)
	}

	*r = Root(raw)
	return r.unmarshal()
}

func (r *Root) unmarshal() error {
	for name := range r.Secrets {
		r.Secrets[name] = cmp.Or(r.Secrets[name], &Secret{})
		r.Secrets[name].Name = name
	}

	for _, p := range r.Packs {
		if p == nil {
			return errors.New("empty pack")
		}
		for i := range p.Roots {
			if g := p.Roots[i].Git; g != nil && g.Credentials != nil {
				g.Credentials.value = r.Secrets[g.Credentials.Name]
			}
			if h := p.Roots[i].HTTP; h != nil && h.Credentials != nil {
				h.Credentials.value = r.Secrets[h.Credentials.Name]
			}
		}
	}
	return nil
}

// Equal reports whether two project files describe the same build.
func (r *Root) Equal(other *Root) bool {
	return fastEqual(r, other, func(r, other *Root) bool {
		a, err := json.Marshal(r)
		if err != nil {
			return false
		}
		b, err := json.Marshal(other)
		if err != nil {
			return false
		}
		return r.dir == other.dir && bytes.Equal(a, b)
	})
}

// Dir is the directory relative paths are resolved against.
func (r *Root) Dir() string {
	return r.dir
}

// Path expands environment variables in p and resolves it against the
// directory of the project file.
func (r *Root) Path(p string) string {
	p = os.ExpandEnv(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.dir, p)
}

// OutputDir is where the archive, the sidecar and the manifest go.
func (r *Root) OutputDir() string {
	return r.Path(cmp.Or(r.Output, "build"))
}

// CacheDir returns the cache directory, or "" when the cache is disabled.
func (r *Root) CacheDir() string {
	if r.Cache == nil || r.Cache.Disabled {
		return ""
	}
	return r.Path(cmp.Or(r.Cache.Dir, filepath.Join(".propack", "cache")))
}

func (r *Root) validate() error {
	seen := make(map[string]struct{}, len(r.Packs))
	for _, p := range r.Packs {
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("duplicate pack %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if err := p.validate(); err != nil {
			return fmt.Errorf("pack %q: %w", p.ID, err)
		}
	}

	if _, err := pathmatch.CompileAll(r.ExcludedFiles); err != nil {
		return fmt.Errorf("excluded file pattern: %w", err)
	}
	return nil
}

// Pack is one source pack. Packs are listed in declaration order, which
// breaks ties between packs without a dependency between them.
type Pack struct {
	ID           string       `json:"id" required:"true"`
	Version      string       `json:"version,omitempty"`
	Requirements Requirements `json:"requirements,omitempty"`
	Roots        []PackRoot   `json:"roots" required:"true" minItems:"1"`
	Include      StringSet    `json:"include,omitempty"`
	Exclude      StringSet    `json:"exclude,omitempty"`
	Kinds        []KindRule   `json:"kinds,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

func (p *Pack) validate() error {
	if _, err := pathmatch.NewSet(p.Include, p.Exclude); err != nil {
		return err
	}
	for _, k := range p.Kinds {
		if _, err := pathmatch.Compile(k.Pattern); err != nil {
			return fmt.Errorf("kind rule: %w", err)
		}
	}

	for i, root := range p.Roots {
		if _, err := pathmatch.NewSet(root.IncludedFiles, root.ExcludedFiles); err != nil {
			return fmt.Errorf("root #%d: %w", i+1, err)
		}
		set := 0
		for _, ok := range []bool{root.Path != "", root.Git != nil, root.HTTP != nil} {
			if ok {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("root #%d: exactly one of path, git or http must be set", i+1)
		}
		if root.Git != nil && root.Git.Commit == nil && root.Git.Reference == nil {
			return fmt.Errorf("root #%d: either reference or commit must be set in git configuration", i+1)
		}
	}
	return nil
}

// Requirement declares a dependency on another pack at a minimum version.
type Requirement struct {
	Pack    string `json:"pack" required:"true"`
	Version string `json:"version,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

func (a Requirement) Equal(b Requirement) bool {
	return a.Pack == b.Pack && a.Version == b.Version
}

type Requirements []Requirement

func (a Requirements) Equal(b Requirements) bool {
	return slices.EqualFunc(a, b, Requirement.Equal)
}

// PackRoot is a directory, a zip archive, a git repository or a zip archive
// served over HTTP providing files of a pack.
type PackRoot struct {
	Path          string    `json:"path,omitempty"`
	Git           *Git      `json:"git,omitempty"`
	HTTP          *HTTP     `json:"http,omitempty"`
	Prefix        string    `json:"prefix,omitempty"`
	IncludedFiles StringSet `json:"included_files,omitempty"`
	ExcludedFiles StringSet `json:"excluded_files,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

type KindRule struct {
	Pattern string `json:"pattern" required:"true"`
	Kind    string `json:"kind" required:"true" enum:"texture,model,sound,font,lang,raw"`

	_ struct{} `additionalProperties:"false"`
}

// Git defines a pack root checked out from a git repository.
type Git struct {
	Repo        string     `json:"repo" required:"true"`
	Reference   *string    `json:"reference,omitempty"`
	Commit      *string    `json:"commit,omitempty"`
	Path        *string    `json:"path,omitempty"`
	Credentials *SecretRef `json:"credentials,omitempty"` // If nil, no authentication is used. Note, JSON schema validation overrides this to string type.

	_ struct{} `additionalProperties:"false"`
}

func (g *Git) Equal(other *Git) bool {
	return fastEqual(g, other, func(g, other *Git) bool {
		return g.Repo == other.Repo &&
			stringPtrEqual(g.Reference, other.Reference) &&
			stringPtrEqual(g.Commit, other.Commit) &&
			stringPtrEqual(g.Path, other.Path) &&
			g.Credentials.Equal(other.Credentials)
	})
}

// HTTP defines a pack root downloaded as a zip archive.
type HTTP struct {
	URL         string            `json:"url" required:"true"`
	Headers     map[string]string `json:"headers,omitempty"`
	Credentials *SecretRef        `json:"credentials,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

type Archive struct {
	CompressionLevel *int   `json:"compression_level,omitempty" minimum:"-1" maximum:"9"`
	Comment          string `json:"comment,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// Level is the deflate level, -1 (the default level) unless configured.
func (a Archive) Level() int {
	if a.CompressionLevel == nil {
		return -1
	}
	return *a.CompressionLevel
}

type Cache struct {
	Disabled      bool   `json:"disabled,omitempty"`
	Dir           string `json:"dir,omitempty"`
	Compression   string `json:"compression,omitempty" enum:"none,zstd,lz4"`
	MemoryEntries int    `json:"memory_entries,omitempty" minimum:"0"`
	WaitForLock   bool   `json:"wait_for_lock,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

type Processing struct {
	MaxAssetSize        ByteSize    `json:"max_asset_size,omitempty"`
	MaxTextureSize      int         `json:"max_texture_size,omitempty" minimum:"0"`
	MinifyJSON          bool        `json:"minify_json,omitempty"`
	StripPNGMetadata    bool        `json:"strip_png_metadata,omitempty"`
	DedupeModelElements bool        `json:"dedupe_model_elements,omitempty"`
	Timeout             Duration    `json:"timeout,omitzero"`
	Sound               Sound       `json:"sound,omitzero"`
	Transforms          []Transform `json:"transforms,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

type Sound struct {
	Quality    *float64 `json:"quality,omitempty" minimum:"0" maximum:"1"`
	Channels   int      `json:"channels,omitempty" minimum:"1" maximum:"2"`
	SampleRate int      `json:"sample_rate,omitempty" minimum:"8000" maximum:"192000"`
	Encoder    []string `json:"encoder,omitempty"`

	// Decoder turns MP3 and Ogg sources into WAV before re-encoding.
	Decoder     []string `json:"decoder,omitempty"`
	ReencodeOgg bool     `json:"reencode_ogg,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// Transform rewrites the JSON assets matching Files with the result of a
// Rego query. Policies are paths to .rego files.
type Transform struct {
	Query    string    `json:"query" required:"true"`
	Files    StringSet `json:"files,omitempty"`
	Policies []string  `json:"policies,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

type Watch struct {
	Interval Duration `json:"interval,omitzero"`

	_ struct{} `additionalProperties:"false"`
}

// Instead of marshaling and unmarshaling as int64 it uses strings, like "5m" or "0.5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	val, err := time.ParseDuration(str)
	*d = Duration(val)
	return err
}

func (d *Duration) UnmarshalYAML(bs []byte) error {
	var s string
	if err := yaml.Unmarshal(bs, &s); err != nil {
		return err
	}
	val, err := time.ParseDuration(s)
	*d = Duration(val)
	return err
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// ByteSize is a size in bytes written as a number or a string with a unit,
// like "512KiB" or "16MB".
type ByteSize int64

var byteUnits = []struct {
	suffix string
	factor int64
}{
	// longest suffixes first
	{"KiB", 1 << 10}, {"MiB", 1 << 20}, {"GiB", 1 << 30},
	{"KB", 1000}, {"MB", 1000 * 1000}, {"GB", 1000 * 1000 * 1000},
	{"B", 1},
}

func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	factor := int64(1)
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			s, factor = strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), u.factor
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative byte size %q", s)
	}
	return ByteSize(n * factor), nil
}

func (b ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return b.set(v)
}

func (b *ByteSize) UnmarshalYAML(bs []byte) error {
	var v any
	if err := yaml.Unmarshal(bs, &v); err != nil {
		return err
	}
	return b.set(v)
}

func (b *ByteSize) set(v any) error {
	var err error
	switch v := v.(type) {
	case string:
		*b, err = ParseByteSize(v)
	case float64:
		*b, err = ParseByteSize(strconv.FormatFloat(v, 'f', -1, 64))
	case uint64:
		*b = ByteSize(v)
	case int64:
		*b, err = ParseByteSize(strconv.FormatInt(v, 10))
	default:
		err = fmt.Errorf("invalid byte size %v", v)
	}
	return err
}

func (b ByteSize) String() string {
	switch {
	case b != 0 && b%(1<<30) == 0:
		return strconv.FormatInt(int64(b>>30), 10) + "GiB"
	case b != 0 && b%(1<<20) == 0:
		return strconv.FormatInt(int64(b>>20), 10) + "MiB"
	case b != 0 && b%(1<<10) == 0:
		return strconv.FormatInt(int64(b>>10), 10) + "KiB"
	}
	return strconv.FormatInt(int64(b), 10) + "B"
}

type StringSet []string

func (a StringSet) Equal(b StringSet) bool {
	return slices.Equal(a, b)
}

type SecretRef struct {
	Name  string `json:"-"`
	value *Secret
}

// Resolve retrieves the secret value from the secret store. If the secret is not found, an error is returned.
// If the secret is found, it returns the value as an interface{} which can be further typed as needed.
func (s *SecretRef) Resolve(ctx context.Context) (any, error) {
	if s.value == nil {
		return nil, fmt.Errorf("secret %q not found", s.Name)
	}

	return s.value.Typed(ctx)
}

func (s *SecretRef) MarshalYAML() (any, error) {
	if s.Name == "" {
		return nil, nil
	}
	return s.Name, nil
}

func (s *SecretRef) MarshalJSON() ([]byte, error) {
	v, err := s.MarshalYAML()
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

func (s *SecretRef) UnmarshalYAML(bs []byte) error {
	if err := yaml.Unmarshal(bs, &s.Name); err != nil {
		return fmt.Errorf("expected scalar node: %w", err)
	}
	return nil
}

func (s *SecretRef) UnmarshalJSON(bs []byte) error {
	if err := json.Unmarshal(bs, &s.Name); err != nil {
		return fmt.Errorf("failed to unmarshal SecretRef: %w", err)
	}

	return nil
}

func (s *SecretRef) Equal(other *SecretRef) bool {
	return fastEqual(s, other, func(s, other *SecretRef) bool {
		return s.Name == other.Name && s.value.Equal(other.value)
	})
}

// Validate checks the raw project file against the schema.
func Validate(data []byte) error {
	var config any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}

	return rootSchema.Validate(config)
}

func ParseFile(filename string) (*Root, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	root, err := Parse(bs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	root.dir, err = filepath.Abs(filepath.Dir(filename))
	if err != nil {
		return nil, err
	}
	return root, nil
}

func Parse(bs []byte) (*Root, error) {
	if err := Validate(bs); err != nil {
		return nil, err
	}

	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := root.validate(); err != nil {
		return nil, err
	}
	return &root, nil
}

func stringPtrEqual(a, b *string) bool {
	return fastEqual(a, b, func(a, b *string) bool { return *a == *b })
}

func fastEqual[V any](a, b *V, slowEqual func(a, b *V) bool) bool {
	if a == b {
		return true
	}

	if a == nil || b == nil {
		return false
	}

	return slowEqual(a, b)
}
