package pipeline

import (
	"context"
	"strconv"

	"github.com/propack/propack/internal/asset"
	"github.com/propack/propack/internal/audio"
)

type oggValidate struct{}

func (oggValidate) Name() string { return "ogg-validate" }

func (oggValidate) Params() []string { return nil }

func (oggValidate) Apply(_ context.Context, _ *asset.Asset, data []byte) ([]byte, error) {
	if err := audio.ValidateVorbis(data); err != nil {
		return nil, err
	}
	return data, nil
}

// wavTranscode re-encodes WAV sources to Ogg Vorbis.
type wavTranscode struct {
	tr *audio.Transcoder
	id string
}

func (wavTranscode) Name() string { return "wav-transcode" }

func (t wavTranscode) Params() []string {
	return transcodeParams(t.tr.Options, t.id)
}

func (t wavTranscode) Apply(ctx context.Context, _ *asset.Asset, data []byte) ([]byte, error) {
	return t.tr.Transcode(ctx, data)
}

// lossyTranscode decodes compressed sources (MP3, Ogg Vorbis) and re-encodes
// them to Ogg Vorbis at the configured quality.
type lossyTranscode struct {
	tr *audio.Transcoder
	id string
}

func (lossyTranscode) Name() string { return "lossy-transcode" }

func (t lossyTranscode) Params() []string {
	return transcodeParams(t.tr.Options, t.id)
}

func (t lossyTranscode) Apply(ctx context.Context, _ *asset.Asset, data []byte) ([]byte, error) {
	return t.tr.TranscodeLossy(ctx, data)
}

func transcodeParams(o audio.Options, id string) []string {
	return []string{
		strconv.FormatFloat(o.Quality, 'g', -1, 64),
		strconv.Itoa(o.Channels),
		strconv.Itoa(o.Rate),
		id,
	}
}
