package builder

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/propack/propack/internal/archive"
	"github.com/propack/propack/internal/asset"
	"github.com/propack/propack/internal/cache"
	"github.com/propack/propack/internal/errs"
	pfs "github.com/propack/propack/internal/fs"
	"github.com/propack/propack/internal/hasher"
	"github.com/propack/propack/internal/layout"
	"github.com/propack/propack/internal/logging"
	"github.com/propack/propack/internal/metrics"
	"github.com/propack/propack/internal/pathmatch"
	"github.com/propack/propack/internal/pipeline"
	"github.com/propack/propack/internal/progress"
	"github.com/propack/propack/internal/registry"
	"github.com/propack/propack/internal/resolver"
	"github.com/propack/propack/pkg/manifest"
)

// Syncer fetches the content of a directory before it is read, e.g. a git
// checkout.
type Syncer interface {
	Execute(ctx context.Context) error
}

// PackDescriptor is one source pack as handed to the engine.
type PackDescriptor struct {
	ID           string
	Version      string
	Dependencies []registry.Dependency

	// Include and Exclude filter the logical paths the pack contributes.
	Include []string
	Exclude []string

	// Kinds force the kind of matching logical paths.
	Kinds []KindOverride

	dirs    []Dir
	synced  []synced
	fses    []fs.FS
	closers []io.Closer
}

type synced struct {
	dir    Dir
	syncer Syncer
	slot   int
}

type KindOverride struct {
	Pattern string
	Kind    string
}

type Dir struct {
	Path          string   // local directory or zip archive
	Prefix        string   // mount point inside the pack root
	Wipe          bool     // delete the directory content on Wipe, set for checkouts
	IncludedFiles []string // inclusion filter on source paths
	ExcludedFiles []string // exclusion filter on source paths
}

func NewPack(id, version string) *PackDescriptor {
	return &PackDescriptor{ID: id, Version: version}
}

// AddDir adds a root to the pack. Roots added earlier win on path collisions.
func (p *PackDescriptor) AddDir(d Dir) error {
	p.dirs = append(p.dirs, d)

	f, err := p.open(d)
	if err != nil {
		return err
	}
	p.AddFS(f)
	return nil
}

// AddSynced adds a root that s populates each time a build starts loading.
// It ranks among the other roots in the order it was added.
func (p *PackDescriptor) AddSynced(d Dir, s Syncer) {
	p.dirs = append(p.dirs, d)
	p.synced = append(p.synced, synced{dir: d, syncer: s, slot: len(p.fses)})
	p.fses = append(p.fses, nil)
}

func (p *PackDescriptor) open(d Dir) (fs.FS, error) {
	root, err := pfs.OpenRoot(d.Path)
	if err != nil {
		return nil, errs.IO("open", d.Path, err)
	}
	p.closers = append(p.closers, root)

	f, err := pfs.NewFilterFS(root.FS, d.IncludedFiles, d.ExcludedFiles)
	if err != nil {
		return nil, errs.Config(fmt.Sprintf("pack %q root %s", p.ID, d.Path), err)
	}
	return pfs.Mount(d.Prefix, f), nil
}

func (p *PackDescriptor) AddFS(f fs.FS) {
	p.fses = append(p.fses, f)
}

// Wipe deletes the content of the synced directories of the pack.
func (p *PackDescriptor) Wipe() error {
	for _, dir := range p.dirs {
		if dir.Wipe {
			if err := removeDir(dir.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close releases the opened zip roots.
func (p *PackDescriptor) Close() error {
	var err error
	for _, c := range p.closers {
		err = errors.Join(err, c.Close())
	}
	p.closers = nil
	return err
}

func (p *PackDescriptor) sync(ctx context.Context) error {
	for _, sd := range p.synced {
		if err := sd.syncer.Execute(ctx); err != nil {
			return err
		}
		f, err := p.open(sd.dir)
		if err != nil {
			return err
		}
		p.fses[sd.slot] = f
	}
	return nil
}

func (p *PackDescriptor) pack() (*registry.Pack, error) {
	subject := fmt.Sprintf("pack %q", p.ID)

	rules, err := pathmatch.NewSet(p.Include, p.Exclude)
	if err != nil {
		return nil, errs.Config(subject, err)
	}

	kinds := make([]registry.KindRule, 0, len(p.Kinds))
	for _, k := range p.Kinds {
		pat, err := pathmatch.Compile(k.Pattern)
		if err != nil {
			return nil, errs.Config(subject+" kinds", err)
		}
		kind, err := asset.ParseKind(k.Kind)
		if err != nil {
			return nil, errs.Config(subject+" kinds", err)
		}
		kinds = append(kinds, registry.KindRule{Pattern: pat, Kind: kind})
	}

	if len(p.fses) == 0 {
		return nil, errs.Config(subject, errors.New("no roots"))
	}
	if slices.Contains(p.fses, nil) {
		return nil, errs.Config(subject, errors.New("root not synced"))
	}

	return &registry.Pack{
		ID:           p.ID,
		Version:      p.Version,
		Dependencies: p.Dependencies,
		Root:         pfs.Merge(p.fses...),
		Rules:        rules,
		Kinds:        kinds,
	}, nil
}

// Result is the outcome of a successful build.
type Result struct {
	Archive      string
	SHA1         string
	ManifestPath string
	Manifest     *manifest.Manifest
	Digest       hasher.Digest
	Overrides    []registry.Override
	Hits         int64
	Misses       int64
}

// Builder is the build orchestrator. A Builder runs one build at a time; it
// is the only component writing to the cache and the output directory.
type Builder struct {
	packs       []*PackDescriptor
	excluded    []string
	target      string
	id          string
	version     string
	description string
	strict      registry.Strict
	fresh       bool
	pipeline    pipeline.Config
	cache       cache.Options
	workers     int
	outDir      string
	name        string
	archive     archive.Options
	progress    io.Writer
	hook        func(State)
	log         *logging.Logger

	mu    sync.Mutex
	state State
}

func New() *Builder {
	return &Builder{archive: archive.Options{Level: -1}, log: logging.NewNop()}
}

func (b *Builder) WithPacks(packs []*PackDescriptor) *Builder {
	b.packs = packs
	return b
}

// WithExcluded sets patterns dropped from every pack.
func (b *Builder) WithExcluded(excluded []string) *Builder {
	b.excluded = excluded
	return b
}

// WithTarget sets the target runtime version, which selects the layout.
func (b *Builder) WithTarget(target string) *Builder {
	b.target = target
	return b
}

// WithIdentity sets the id and version recorded in the metadata file and
// the manifest. The id defaults to the last declared pack.
func (b *Builder) WithIdentity(id, version string) *Builder {
	b.id, b.version = id, version
	return b
}

func (b *Builder) WithDescription(d string) *Builder {
	b.description = d
	return b
}

func (b *Builder) WithStrict(s registry.Strict) *Builder {
	b.strict = s
	return b
}

// WithFresh wipes the synced directories of every pack during Loading, once
// the cache lock is held.
func (b *Builder) WithFresh(fresh bool) *Builder {
	b.fresh = fresh
	return b
}

// WithPipeline sets the processing options. The layout is selected by the
// builder.
func (b *Builder) WithPipeline(cfg pipeline.Config) *Builder {
	b.pipeline = cfg
	return b
}

// WithCache enables the build cache. The builder opens and locks it for the
// duration of each build.
func (b *Builder) WithCache(opts cache.Options) *Builder {
	b.cache = opts
	return b
}

func (b *Builder) WithWorkers(n int) *Builder {
	b.workers = n
	return b
}

// WithOutput sets where <name>.zip, <name>.sha1 and <name>.manifest.json are
// written.
func (b *Builder) WithOutput(dir, name string) *Builder {
	b.outDir, b.name = dir, name
	return b
}

func (b *Builder) WithArchive(opts archive.Options) *Builder {
	b.archive = opts
	return b
}

// WithProgress renders a progress bar of the processing stage to w.
func (b *Builder) WithProgress(w io.Writer) *Builder {
	b.progress = w
	return b
}

// WithStateHook registers a function called on every state transition.
func (b *Builder) WithStateHook(f func(State)) *Builder {
	b.hook = f
	return b
}

func (b *Builder) WithLogger(l *logging.Logger) *Builder {
	b.log = l
	return b
}

func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Builder) enter(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()

	b.log.Debugf("build: %s", s)
	if b.hook != nil {
		b.hook(s)
	}
}

// build carries the state of one run.
type build struct {
	*Builder
	layout  layout.Layout
	pipe    *pipeline.Pipeline
	cache   *cache.Cache
	packs   []*registry.Pack
	trees   map[string]*registry.Tree
	merged  *registry.Merged
	outputs []output
	entries []manifest.Entry
	digest  hasher.Digest
	hits    atomic.Int64
	misses  atomic.Int64
}

type output struct {
	asset *asset.Asset
	data  []byte
}

// Build runs the stages in order. Any failure moves the builder to Failed
// and is returned as a *BuildError.
func (b *Builder) Build(ctx context.Context) (*Result, error) {
	start := time.Now()
	id := b.identity()

	run := &build{Builder: b}
	defer run.close()

	result, err := run.run(ctx)
	if err != nil {
		var be *BuildError
		if !errors.As(err, &be) {
			be = &BuildError{Stage: b.State(), Err: err}
		}
		metrics.BuildFailed(id, be.Stage.String())
		b.log.Errorf("build %q failed: %v", id, be)
		b.enter(Failed)
		return nil, be
	}

	metrics.BuildSucceeded(id, start)
	b.enter(Done)
	return result, nil
}

func (b *Builder) identity() string {
	if b.id != "" {
		return b.id
	}
	if len(b.packs) > 0 {
		return b.packs[len(b.packs)-1].ID
	}
	return ""
}

func (r *build) run(ctx context.Context) (*Result, error) {
	r.enter(Idle)
	if len(r.Builder.packs) == 0 {
		return nil, &BuildError{Stage: Idle, Err: errs.Config("build", errors.New("no packs"))}
	}

	for _, stage := range []struct {
		state State
		f     func(context.Context) error
	}{
		{Loading, r.load},
		{Resolving, r.resolve},
		{Processing, r.process},
		{Hashing, r.hash},
	} {
		r.enter(stage.state)
		t := time.Now()
		if err := stage.f(ctx); err != nil {
			return nil, wrap(stage.state, err)
		}
		metrics.StageFinished(stage.state.String(), t)
	}

	r.enter(Packaging)
	t := time.Now()
	result, err := r.pack(ctx)
	if err != nil {
		return nil, wrap(Packaging, err)
	}
	metrics.StageFinished(Packaging.String(), t)
	return result, nil
}

func wrap(s State, err error) error {
	var be *BuildError
	if errors.As(err, &be) {
		return be
	}
	return &BuildError{Stage: s, Err: err}
}

func (r *build) close() {
	if r.cache != nil {
		if err := r.cache.Close(); err != nil {
			r.log.Warnf("cache: close: %v", err)
		}
	}
}

// load selects the layout, sets up the pipeline, acquires the cache and
// reads every pack.
func (r *build) load(ctx context.Context) error {
	var err error
	r.layout, err = layout.ForVersion(r.target)
	if err != nil {
		return errs.Config("target", err)
	}

	cfg := r.pipeline
	cfg.Layout = r.layout
	if cfg.Log == nil {
		cfg.Log = r.log
	}
	if r.pipe, err = pipeline.New(ctx, cfg); err != nil {
		return err
	}

	if r.Builder.cache.Dir != "" {
		opts := r.Builder.cache
		if opts.Log == nil {
			opts.Log = r.log
		}
		if r.cache, err = cache.Open(ctx, opts); err != nil {
			return err
		}
	}

	if r.fresh {
		for _, d := range r.Builder.packs {
			if err := d.Wipe(); err != nil {
				return &BuildError{Stage: Loading, Entity: d.ID, Err: errs.IO("wipe", d.ID, err)}
			}
		}
	}

	loader := &registry.Loader{Layout: r.layout, Strict: r.strict, Log: r.log}
	r.trees = make(map[string]*registry.Tree, len(r.Builder.packs))

	for _, d := range r.Builder.packs {
		if err := d.sync(ctx); err != nil {
			return &BuildError{Stage: Loading, Entity: d.ID, Err: err}
		}
		p, err := d.pack()
		if err != nil {
			return &BuildError{Stage: Loading, Entity: d.ID, Err: err}
		}
		if _, ok := r.trees[p.ID]; ok {
			return &BuildError{Stage: Loading, Entity: p.ID, Err: errs.Config("packs", fmt.Errorf("duplicate pack id %q", p.ID))}
		}
		t, err := loader.Load(ctx, p)
		if err != nil {
			return &BuildError{Stage: Loading, Entity: p.ID, Err: err}
		}
		r.packs = append(r.packs, p)
		r.trees[p.ID] = t
	}
	return nil
}

func (r *build) resolve(context.Context) error {
	order, err := resolver.Order(r.packs)
	if err != nil {
		return &BuildError{Stage: Resolving, Entity: entityOf(err), Err: err}
	}

	exclude, err := pathmatch.NewSet(nil, r.excluded)
	if err != nil {
		return errs.Config("excluded", err)
	}

	trees := make([]*registry.Tree, len(order))
	for i, p := range order {
		trees[i] = r.trees[p.ID]
	}

	r.merged, err = registry.Merge(trees, exclude)
	if err != nil {
		return &BuildError{Stage: Resolving, Entity: entityOf(err), Err: err}
	}

	if a, ok := r.merged.Assets[layout.MetadataFile]; ok {
		r.log.Warnf("pack %q: %s is generated, ignoring %s", a.Pack, layout.MetadataFile, a.Source)
		delete(r.merged.Assets, layout.MetadataFile)
	}

	for _, o := range r.merged.Overrides {
		r.log.Debugf("%s: pack %q overrides pack %q", o.Path, o.To, o.From)
	}
	return nil
}

func entityOf(err error) string {
	var (
		cycle    *resolver.DependencyCycleError
		missing  *resolver.MissingDependencyError
		mismatch *resolver.VersionMismatchError
		conflict *registry.ConflictError
	)
	switch {
	case errors.As(err, &cycle):
		return cycle.Members[0]
	case errors.As(err, &missing):
		return missing.Pack
	case errors.As(err, &mismatch):
		return mismatch.Pack
	case errors.As(err, &conflict):
		return conflict.Path
	}
	return ""
}

// process runs the assets through their chains on a bounded worker pool.
// The first failure stops scheduling; workers already running finish and
// their results are discarded without touching the cache.
func (r *build) process(ctx context.Context) error {
	paths := r.merged.Paths()
	r.outputs = make([]output, len(paths))

	var bar *progress.Bar
	if r.progress != nil {
		bar = progress.NewWriter(r.progress, len(paths), "processing")
		defer bar.Finish()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cmp.Or(r.workers, runtime.NumCPU()))

	for i, p := range paths {
		if gctx.Err() != nil {
			break
		}
		a := r.merged.Assets[p]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := r.processAsset(gctx, a)
			if err != nil {
				return &BuildError{Stage: Processing, Entity: a.Path, Err: err}
			}
			r.outputs[i] = output{asset: a, data: data}
			bar.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.log.Infof("processed %d assets (%d cached)", len(paths), r.hits.Load())
	return nil
}

func (r *build) processAsset(ctx context.Context, a *asset.Asset) ([]byte, error) {
	start := time.Now()

	var key cache.Key
	if r.cache != nil {
		key = cache.Key{Source: hasher.Sum(a.Data), Config: r.pipe.ConfigDigest(a)}
		if data, ok := r.cache.Get(ctx, key); ok {
			r.hits.Add(1)
			return data, nil
		}
		r.misses.Add(1)
	}

	data, err := r.pipe.Process(ctx, a)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.Put(ctx, key, a, data); err != nil {
			r.log.Warnf("cache: store %s: %v", a.Path, err)
		}
	}

	metrics.AssetProcessed(string(a.Kind), start)
	return data, nil
}

func (r *build) hash(context.Context) error {
	r.entries = make([]manifest.Entry, len(r.outputs))
	hashed := make([]hasher.Entry, len(r.outputs))

	for i, o := range r.outputs {
		d := hasher.Sum(o.data)
		r.entries[i] = manifest.Entry{
			Path:   o.asset.Path,
			Digest: d.String(),
			Size:   int64(len(o.data)),
			Kind:   string(o.asset.Kind),
		}
		hashed[i] = hasher.Entry{Path: o.asset.Path, Digest: d}
	}

	r.digest = hasher.Pack(hashed)
	r.log.Debugf("pack digest %s", r.digest)
	return nil
}

func (r *build) pack(ctx context.Context) (*Result, error) {
	if r.outDir == "" {
		return nil, errs.Config("output", errors.New("no output directory"))
	}

	id := r.identity()
	name := cmp.Or(r.name, id)

	entries := make([]archive.Entry, len(r.outputs))
	for i, o := range r.outputs {
		entries[i] = archive.Entry{Path: o.asset.Path, Data: o.data}
	}

	meta := archive.Metadata{
		PackFormat:  r.layout.PackFormat(),
		Description: r.description,
		ID:          id,
		Version:     r.version,
		Digest:      r.digest.String(),
	}

	archivePath := filepath.Join(r.outDir, name+".zip")
	staged, err := archive.Stage(r.outDir, name, entries, meta, r.archive)
	if err != nil {
		return nil, errs.IO("write", archivePath, err)
	}
	defer staged.Discard()

	// A failed manifest write leaves the previous archive in place.
	m := &manifest.Manifest{
		Pack:       id,
		Version:    r.version,
		PackFormat: r.layout.PackFormat(),
		Digest:     r.digest.String(),
		Entries:    r.entries,
	}
	manifestPath := filepath.Join(r.outDir, name+".manifest.json")
	if err := m.Write(manifestPath); err != nil {
		return nil, errs.IO("write", manifestPath, err)
	}
	m.Sort()

	written, err := staged.Commit()
	if err != nil {
		return nil, errs.IO("write", archivePath, err)
	}

	if r.cache != nil {
		if err := r.cache.RecordBuild(ctx, cache.Build{
			Pack:    id,
			Version: r.version,
			Digest:  r.digest.String(),
			SHA1:    written.SHA1,
			Assets:  int64(len(entries)),
			Hits:    r.hits.Load(),
			Misses:  r.misses.Load(),
		}); err != nil {
			r.log.Warnf("cache: record build: %v", err)
		}
	}

	r.log.Infof("built %s (%d assets, sha1 %s)", written.Path, len(entries), written.SHA1)

	return &Result{
		Archive:      written.Path,
		SHA1:         written.SHA1,
		ManifestPath: manifestPath,
		Manifest:     m,
		Digest:       r.digest,
		Overrides:    r.merged.Overrides,
		Hits:         r.hits.Load(),
		Misses:       r.misses.Load(),
	}, nil
}

func removeDir(path string) error {
	if path == "" {
		return nil
	}

	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && !fi.IsDir() {
		return os.Remove(path)
	}

	files, err := os.ReadDir(path)
	if err != nil {
		return err
	}

	for _, f := range files {
		err := os.RemoveAll(filepath.Join(path, f.Name()))
		if err != nil {
			return err
		}
	}

	return nil
}
