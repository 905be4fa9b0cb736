// Package audio converts source sounds into the Ogg Vorbis streams the
// target runtime plays.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Encoder turns a 16-bit PCM WAV file into an Ogg Vorbis stream. Quality
// ranges from 0 (smallest) to 1 (best).
type Encoder interface {
	Encode(ctx context.Context, wav []byte, quality float64) ([]byte, error)
}

// DefaultCommand runs the reference Vorbis encoder reading from stdin and
// writing to stdout.
var DefaultCommand = []string{"oggenc", "--quiet", "--quality", "{quality}", "--output", "-", "-"}

// ExecEncoder runs an external encoder command. The WAV file is written to
// its stdin and the Ogg stream read from its stdout. The "{quality}"
// placeholder in arguments is replaced by the quality scaled to 0..10.
type ExecEncoder struct {
	Command []string
}

func (e *ExecEncoder) Encode(ctx context.Context, wav []byte, quality float64) ([]byte, error) {
	command := e.Command
	if len(command) == 0 {
		command = DefaultCommand
	}
	q := strconv.FormatFloat(quality*10, 'f', 2, 64)
	return run(ctx, command, wav, strings.NewReplacer("{quality}", q))
}

// Decoder turns a compressed sound file (MP3, Ogg Vorbis, ...) into a PCM
// WAV file.
type Decoder interface {
	Decode(ctx context.Context, data []byte) ([]byte, error)
}

// DefaultDecodeCommand runs ffmpeg reading any container from stdin and
// writing bit-exact 16-bit PCM WAV to stdout.
var DefaultDecodeCommand = []string{
	"ffmpeg", "-nostdin", "-v", "error", "-i", "pipe:0",
	"-map_metadata", "-1", "-bitexact", "-f", "wav", "-acodec", "pcm_s16le", "pipe:1",
}

// ExecDecoder runs an external decoder command. The source file is written
// to its stdin and the WAV file read from its stdout.
type ExecDecoder struct {
	Command []string
}

func (d *ExecDecoder) Decode(ctx context.Context, data []byte) ([]byte, error) {
	command := d.Command
	if len(command) == 0 {
		command = DefaultDecodeCommand
	}
	return run(ctx, command, data, nil)
}

func run(ctx context.Context, command []string, input []byte, r *strings.Replacer) ([]byte, error) {
	args := make([]string, len(command)-1)
	for i, a := range command[1:] {
		if r != nil {
			a = r.Replace(a)
		}
		args[i] = a
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command[0], args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", command[0], err, msg)
		}
		return nil, fmt.Errorf("%s: %w", command[0], err)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%s: no output", command[0])
	}
	return stdout.Bytes(), nil
}

// Options control the normalized format handed to the encoder.
type Options struct {
	Quality  float64
	Channels int
	Rate     int
}

// DefaultOptions match what the target runtime streams best: stereo at
// 44.1kHz, encoder quality 0.3.
var DefaultOptions = Options{Quality: 0.3, Channels: 2, Rate: 44100}

func (o Options) Validate() error {
	if o.Quality < 0 || o.Quality > 1 {
		return fmt.Errorf("quality %v out of range [0, 1]", o.Quality)
	}
	if o.Channels != 1 && o.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", o.Channels)
	}
	if o.Rate < 8000 || o.Rate > 192000 {
		return fmt.Errorf("sample rate %d out of range", o.Rate)
	}
	return nil
}

// Transcoder converts sound files into deterministic Ogg Vorbis streams.
// Decoder is only needed for compressed sources.
type Transcoder struct {
	Encoder Encoder
	Decoder Decoder
	Options Options
}

// TranscodeLossy decodes a compressed source to PCM and transcodes it like a
// WAV file.
func (t *Transcoder) TranscodeLossy(ctx context.Context, data []byte) ([]byte, error) {
	if t.Decoder == nil {
		return nil, errors.New("no decoder configured")
	}
	wav, err := t.Decoder.Decode(ctx, data)
	if err != nil {
		return nil, err
	}
	return t.Transcode(ctx, wav)
}

// Transcode decodes and normalizes the WAV file, encodes it, validates the
// encoder output and fixes its stream serial.
func (t *Transcoder) Transcode(ctx context.Context, wav []byte) ([]byte, error) {
	if t.Encoder == nil {
		return nil, errors.New("no encoder configured")
	}

	pcm, err := DecodeWAV(wav)
	if err != nil {
		return nil, err
	}
	if pcm.Frames() == 0 {
		return nil, errors.New("wav: no samples")
	}

	pcm, err = Normalize(pcm, t.Options.Channels, t.Options.Rate)
	if err != nil {
		return nil, err
	}

	ogg, err := t.Encoder.Encode(ctx, EncodeWAV(pcm), t.Options.Quality)
	if err != nil {
		return nil, err
	}

	if err := ValidateVorbis(ogg); err != nil {
		return nil, fmt.Errorf("encoder output: %w", err)
	}

	return SetSerial(ogg, Serial)
}
