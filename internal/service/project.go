// Package service runs the builds of a project file, once or in watch mode.
package service

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/propack/propack/internal/archive"
	"github.com/propack/propack/internal/audio"
	"github.com/propack/propack/internal/builder"
	"github.com/propack/propack/internal/cache"
	"github.com/propack/propack/internal/config"
	"github.com/propack/propack/internal/errs"
	"github.com/propack/propack/internal/gitsync"
	"github.com/propack/propack/internal/httpsync"
	"github.com/propack/propack/internal/logging"
	"github.com/propack/propack/internal/pipeline"
	"github.com/propack/propack/internal/registry"
)

// checkoutsDir holds the clones of git roots, next to the cache.
const checkoutsDir = "checkouts"

// Project turns a parsed project file into builds. Git checkouts are kept
// between builds.
type Project struct {
	root     *config.Root
	log      *logging.Logger
	progress io.Writer
	hook     func(builder.State)
	fresh    bool
	syncers  map[string]builder.Syncer
}

func NewProject(root *config.Root, log *logging.Logger) *Project {
	return &Project{root: root, log: log, syncers: make(map[string]builder.Syncer)}
}

func (p *Project) WithProgress(w io.Writer) *Project {
	p.progress = w
	return p
}

func (p *Project) WithStateHook(f func(builder.State)) *Project {
	p.hook = f
	return p
}

// WithFresh wipes the git checkouts during the next build, once the cache
// lock is held.
func (p *Project) WithFresh(fresh bool) *Project {
	p.fresh = fresh
	return p
}

func (p *Project) Root() *config.Root {
	return p.root
}

// Build runs one build of the project.
func (p *Project) Build(ctx context.Context) (*builder.Result, error) {
	packs, err := p.Descriptors()
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, d := range packs {
			if err := d.Close(); err != nil {
				p.log.Warnf("pack %q: close: %v", d.ID, err)
			}
		}
	}()

	b, err := p.Builder(ctx, packs)
	if err != nil {
		return nil, err
	}
	result, err := b.WithFresh(p.fresh).Build(ctx)
	if err == nil {
		p.fresh = false
	}
	return result, err
}

// Builder configures a builder for the packs from the project file.
func (p *Project) Builder(ctx context.Context, packs []*builder.PackDescriptor) (*builder.Builder, error) {
	r := p.root

	strict, err := registry.ParseStrict(r.Strict)
	if err != nil {
		return nil, errs.Config("strict", err)
	}

	pipe, err := p.pipeline()
	if err != nil {
		return nil, err
	}

	versions := make(map[string]any, len(r.Packs))
	for _, pack := range r.Packs {
		versions[pack.ID] = pack.Version
	}
	version, err := config.ResolveVersion(ctx, r.Version, map[string]any{
		"name":   r.Name,
		"target": r.Target,
		"packs":  versions,
	})
	if err != nil {
		return nil, errs.Config("version", err)
	}

	b := builder.New().
		WithPacks(packs).
		WithExcluded(r.ExcludedFiles).
		WithTarget(r.Target).
		WithIdentity(r.Name, version).
		WithDescription(r.Description).
		WithStrict(strict).
		WithPipeline(pipe).
		WithWorkers(r.Workers).
		WithOutput(r.OutputDir(), r.Name).
		WithArchive(archive.Options{Level: r.Archive.Level(), Comment: r.Archive.Comment}).
		WithLogger(p.log)

	if dir := r.CacheDir(); dir != "" {
		comp, err := cache.ParseCompression(cmp.Or(r.Cache.Compression, string(cache.Zstd)))
		if err != nil {
			return nil, errs.Config("cache", err)
		}
		b.WithCache(cache.Options{
			Dir:           dir,
			Compression:   comp,
			MemoryEntries: r.Cache.MemoryEntries,
			WaitForLock:   r.Cache.WaitForLock,
			Log:           p.log,
		})
	}
	if p.progress != nil {
		b.WithProgress(p.progress)
	}
	if p.hook != nil {
		b.WithStateHook(p.hook)
	}
	return b, nil
}

func (p *Project) pipeline() (pipeline.Config, error) {
	proc := p.root.Processing

	sound := audio.DefaultOptions
	if proc.Sound.Quality != nil {
		sound.Quality = *proc.Sound.Quality
	}
	sound.Channels = cmp.Or(proc.Sound.Channels, sound.Channels)
	sound.Rate = cmp.Or(proc.Sound.SampleRate, sound.Rate)

	command := proc.Sound.Encoder
	if len(command) == 0 {
		command = audio.DefaultCommand
	}
	decode := proc.Sound.Decoder
	if len(decode) == 0 {
		decode = audio.DefaultDecodeCommand
	}

	cfg := pipeline.Config{
		MaxAssetSize:        int64(proc.MaxAssetSize),
		MaxTextureSize:      proc.MaxTextureSize,
		MinifyJSON:          proc.MinifyJSON,
		StripPNGMetadata:    proc.StripPNGMetadata,
		DedupeModelElements: proc.DedupeModelElements,
		Sound:               sound,
		Encoder:             &audio.ExecEncoder{Command: command},
		EncoderID:           strings.Join(command, " "),
		Decoder:             &audio.ExecDecoder{Command: decode},
		DecoderID:           strings.Join(decode, " "),
		ReencodeOgg:         proc.Sound.ReencodeOgg,
		Timeout:             time.Duration(proc.Timeout),
		Log:                 p.log,
	}

	for i, t := range proc.Transforms {
		modules := make(map[string]string, len(t.Policies))
		for _, policy := range t.Policies {
			path := p.root.Path(policy)
			bs, err := os.ReadFile(path)
			if err != nil {
				return pipeline.Config{}, errs.Config(fmt.Sprintf("transform #%d", i+1), err)
			}
			modules[filepath.ToSlash(policy)] = string(bs)
		}
		cfg.Transforms = append(cfg.Transforms, pipeline.RegoTransform{
			Query:   t.Query,
			Files:   t.Files,
			Modules: modules,
		})
	}
	return cfg, nil
}

// Descriptors opens the roots of every pack in declaration order. Git roots
// are synchronized when the build starts loading.
func (p *Project) Descriptors() ([]*builder.PackDescriptor, error) {
	packs := make([]*builder.PackDescriptor, 0, len(p.root.Packs))
	closeAll := func() {
		for _, d := range packs {
			d.Close()
		}
	}

	for _, pack := range p.root.Packs {
		d := builder.NewPack(pack.ID, pack.Version)
		for _, req := range pack.Requirements {
			d.Dependencies = append(d.Dependencies, registry.Dependency{ID: req.Pack, Version: req.Version})
		}
		d.Include = pack.Include
		d.Exclude = pack.Exclude
		for _, k := range pack.Kinds {
			d.Kinds = append(d.Kinds, builder.KindOverride{Pattern: k.Pattern, Kind: k.Kind})
		}
		packs = append(packs, d)

		for _, root := range pack.Roots {
			dir := builder.Dir{
				Prefix:        root.Prefix,
				IncludedFiles: root.IncludedFiles,
				ExcludedFiles: root.ExcludedFiles,
			}

			switch {
			case root.Git != nil:
				checkout := p.checkout(pack.ID, root.Git.Repo)
				dir.Path, dir.Wipe = checkout, true
				if root.Git.Path != nil {
					dir.Path = filepath.Join(checkout, filepath.FromSlash(*root.Git.Path))
				}
				d.AddSynced(dir, p.syncer(checkout, func() builder.Syncer {
					return gitsync.New(checkout, *root.Git, pack.ID).WithLogger(p.log)
				}))

			case root.HTTP != nil:
				dir.Path, dir.Wipe = p.checkout(pack.ID, root.HTTP.URL)+".zip", true
				d.AddSynced(dir, p.syncer(dir.Path, func() builder.Syncer {
					return httpsync.New(dir.Path, *root.HTTP, pack.ID).WithLogger(p.log)
				}))

			default:
				dir.Path = p.root.Path(root.Path)
				if err := d.AddDir(dir); err != nil {
					closeAll()
					return nil, err
				}
			}
		}
	}
	return packs, nil
}

// checkout is the local copy of a git or http root, unique per pack and
// remote.
func (p *Project) checkout(pack, remote string) string {
	sum := sha256.Sum256([]byte(pack + "\x00" + remote))
	base := cmp.Or(p.root.CacheDir(), p.root.Path(filepath.Join(".propack", "cache")))
	return filepath.Join(base, checkoutsDir, hex.EncodeToString(sum[:8]))
}

// syncer reuses the synchronizer of a checkout across builds.
func (p *Project) syncer(checkout string, create func() builder.Syncer) builder.Syncer {
	s, ok := p.syncers[checkout]
	if !ok {
		s = create()
		p.syncers[checkout] = s
	}
	return s
}
