// Package pipeline runs each asset through the chain of transforms of its
// kind. Transforms validate payloads and, where an optimization is enabled,
// rewrite them; they never depend on other assets.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/propack/propack/internal/asset"
	"github.com/propack/propack/internal/audio"
	"github.com/propack/propack/internal/errs"
	"github.com/propack/propack/internal/hasher"
	"github.com/propack/propack/internal/layout"
	"github.com/propack/propack/internal/logging"
)

// version is mixed into every chain digest; bump it when a transform changes
// its output for the same input and parameters.
const version = "propack-pipeline/1"

// Transform is one step of a chain.
type Transform interface {
	Name() string

	// Params are the canonical parameters of the step, hashed into the
	// configuration digest of the chain.
	Params() []string

	Apply(ctx context.Context, a *asset.Asset, data []byte) ([]byte, error)
}

// TransformError reports which transform failed on which asset.
type TransformError struct {
	Path      string
	Transform string
	Err       error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Transform, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// Chain is the ordered list of transforms applied to one kind of asset.
type Chain struct {
	Name       string
	Transforms []Transform
	digest     hasher.Digest
}

func newChain(name string, ts ...Transform) *Chain {
	params := []string{version, name}
	for _, t := range ts {
		params = append(params, t.Name())
		params = append(params, t.Params()...)
	}
	return &Chain{Name: name, Transforms: ts, digest: hasher.Config(params...)}
}

// Digest identifies the chain configuration.
func (c *Chain) Digest() hasher.Digest {
	return c.digest
}

// TransformNames lists the transforms in application order.
func (c *Chain) TransformNames() []string {
	names := make([]string, len(c.Transforms))
	for i, t := range c.Transforms {
		names[i] = t.Name()
	}
	return names
}

func (c *Chain) Run(ctx context.Context, a *asset.Asset) ([]byte, error) {
	data := a.Data
	for _, t := range c.Transforms {
		if err := ctx.Err(); err != nil {
			return nil, &TransformError{Path: a.Path, Transform: t.Name(), Err: err}
		}
		out, err := t.Apply(ctx, a, data)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
				err = fmt.Errorf("%w: %v", ctxErr, err)
			}
			return nil, &TransformError{Path: a.Path, Transform: t.Name(), Err: err}
		}
		data = out
	}
	return data, nil
}

// Config selects the optional steps and the limits of the chains.
type Config struct {
	Layout layout.Layout

	// MaxAssetSize bounds source payloads in bytes; 0 disables the bound.
	MaxAssetSize int64

	// MaxTextureSize bounds texture width and height; 0 disables the bound.
	MaxTextureSize int

	MinifyJSON          bool
	StripPNGMetadata    bool
	DedupeModelElements bool

	Sound   audio.Options
	Encoder audio.Encoder

	// EncoderID names the encoder and its version in the configuration
	// digest of transcoded sounds, e.g. the command line.
	EncoderID string

	Decoder audio.Decoder

	// DecoderID names the decoder of compressed sources in the
	// configuration digest.
	DecoderID string

	// ReencodeOgg sends Ogg sources through the lossy chain instead of
	// shipping them validated but unchanged.
	ReencodeOgg bool

	Transforms []RegoTransform

	// Timeout bounds the processing of a single asset; 0 disables it.
	Timeout time.Duration

	Log *logging.Logger
}

// Pipeline holds one chain per asset kind.
type Pipeline struct {
	chains      map[asset.Kind]*Chain
	wav         *Chain
	lossy       *Chain
	reencodeOgg bool
	timeout     time.Duration
}

// New builds the chains. Rego transforms are compiled here, so a broken
// policy fails before any asset is processed.
func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	if cfg.Layout == nil {
		return nil, errs.Config("pipeline", errors.New("no layout"))
	}
	if cfg.Sound == (audio.Options{}) {
		cfg.Sound = audio.DefaultOptions
	}
	if err := cfg.Sound.Validate(); err != nil {
		return nil, errs.Config("sound", err)
	}

	var models, langs []Transform
	for i, rt := range cfg.Transforms {
		t, err := newRego(ctx, rt, cfg.Log)
		if err != nil {
			return nil, errs.Config(fmt.Sprintf("transform #%d", i+1), err)
		}
		models = append(models, t)
		langs = append(langs, t)
	}

	size := sizeLimit{max: cfg.MaxAssetSize}

	texture := []Transform{size, pngValidate{maxDim: cfg.MaxTextureSize}}
	if cfg.StripPNGMetadata {
		texture = append(texture, pngStrip{})
	}

	model := append([]Transform{size, jsonValidate{object: true}}, models...)
	if cfg.DedupeModelElements {
		model = append(model, modelDedupe{})
	}
	if cfg.MinifyJSON {
		model = append(model, jsonMinify{})
	}

	font := []Transform{size, fontValidate{}}
	if cfg.MinifyJSON {
		font = append(font, jsonMinify{exts: []string{".json"}})
	}

	lang := []Transform{size, langValidate{legacy: cfg.Layout.LangExt() != ".json"}, langNamespace{}}
	if cfg.Layout.LangExt() == ".json" {
		lang = append(lang, langs...)
		if cfg.MinifyJSON {
			lang = append(lang, jsonMinify{})
		}
	}

	encoderID := cfg.EncoderID
	if encoderID == "" {
		encoderID = strings.Join(audio.DefaultCommand, " ")
	}

	decoderID := cfg.DecoderID
	if decoderID == "" {
		decoderID = strings.Join(audio.DefaultDecodeCommand, " ")
	}

	tr := &audio.Transcoder{Encoder: cfg.Encoder, Decoder: cfg.Decoder, Options: cfg.Sound}

	return &Pipeline{
		chains: map[asset.Kind]*Chain{
			asset.Texture: newChain("texture", texture...),
			asset.Model:   newChain("model", model...),
			asset.Font:    newChain("font", font...),
			asset.Lang:    newChain("lang", lang...),
			asset.Sound:   newChain("sound", size, oggValidate{}),
			asset.Raw:     newChain("raw", size),
		},
		wav:         newChain("sound-wav", size, wavTranscode{tr: tr, id: encoderID}),
		lossy:       newChain("sound-lossy", size, lossyTranscode{tr: tr, id: decoderID + " | " + encoderID}),
		reencodeOgg: cfg.ReencodeOgg,
		timeout:     cfg.Timeout,
	}, nil
}

// ChainFor returns the chain an asset goes through.
func (p *Pipeline) ChainFor(a *asset.Asset) *Chain {
	if a.Kind == asset.Sound {
		switch a.Ext() {
		case ".wav":
			return p.wav
		case ".mp3":
			return p.lossy
		case ".ogg":
			if p.reencodeOgg {
				return p.lossy
			}
		}
	}
	if c, ok := p.chains[a.Kind]; ok {
		return c
	}
	return p.chains[asset.Raw]
}

// ConfigDigest is the configuration half of the cache key of an asset. It
// covers the logical path, since transforms read the namespace and match
// globs against it.
func (p *Pipeline) ConfigDigest(a *asset.Asset) hasher.Digest {
	return hasher.Combine(p.ChainFor(a).Digest(), hasher.Config(a.Path))
}

// Process runs the chain of a, bounded by the per-asset timeout.
func (p *Pipeline) Process(ctx context.Context, a *asset.Asset) ([]byte, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.ChainFor(a).Run(ctx, a)
}

type sizeLimit struct {
	max int64
}

func (sizeLimit) Name() string { return "size-limit" }

func (s sizeLimit) Params() []string { return []string{strconv.FormatInt(s.max, 10)} }

func (s sizeLimit) Apply(_ context.Context, _ *asset.Asset, data []byte) ([]byte, error) {
	if s.max > 0 && int64(len(data)) > s.max {
		return nil, fmt.Errorf("%d bytes exceed the limit of %d bytes", len(data), s.max)
	}
	return data, nil
}
