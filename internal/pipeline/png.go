package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image/png"
	"slices"
	"strconv"

	"github.com/propack/propack/internal/asset"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

type pngChunk struct {
	typ string
	raw []byte // length, type, data and crc
}

// pngChunks splits a PNG file into its chunks, verifying every checksum.
func pngChunks(data []byte) ([]pngChunk, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, errors.New("missing PNG signature")
	}

	var chunks []pngChunk
	for rest := data[len(pngSignature):]; ; {
		if len(rest) < 12 {
			return nil, errors.New("truncated chunk")
		}
		n := binary.BigEndian.Uint32(rest[:4])
		if uint64(n) > uint64(len(rest)-12) {
			return nil, errors.New("truncated chunk")
		}
		end := 12 + int(n)
		typ := string(rest[4:8])
		if crc32.ChecksumIEEE(rest[4:8+n]) != binary.BigEndian.Uint32(rest[8+n:end]) {
			return nil, fmt.Errorf("%s chunk: checksum mismatch", typ)
		}
		chunks = append(chunks, pngChunk{typ: typ, raw: rest[:end]})
		rest = rest[end:]

		if typ == "IEND" {
			if len(rest) > 0 {
				return nil, errors.New("data after IEND chunk")
			}
			return chunks, nil
		}
	}
}

type pngValidate struct {
	maxDim int
}

func (pngValidate) Name() string { return "png-validate" }

func (v pngValidate) Params() []string { return []string{strconv.Itoa(v.maxDim)} }

func (v pngValidate) Apply(_ context.Context, _ *asset.Asset, data []byte) ([]byte, error) {
	chunks, err := pngChunks(data)
	if err != nil {
		return nil, err
	}
	if chunks[0].typ != "IHDR" {
		return nil, errors.New("first chunk is not IHDR")
	}
	if !slices.ContainsFunc(chunks, func(c pngChunk) bool { return c.typ == "IDAT" }) {
		return nil, errors.New("no image data")
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if v.maxDim > 0 && (cfg.Width > v.maxDim || cfg.Height > v.maxDim) {
		return nil, fmt.Errorf("%dx%d exceeds the maximum texture size of %d", cfg.Width, cfg.Height, v.maxDim)
	}
	return data, nil
}

// pngStrip drops text, time and EXIF chunks. Pixel data is untouched.
type pngStrip struct{}

var strippedChunks = []string{"tEXt", "zTXt", "iTXt", "tIME", "eXIf"}

func (pngStrip) Name() string { return "png-strip" }

func (pngStrip) Params() []string { return strippedChunks }

func (pngStrip) Apply(_ context.Context, _ *asset.Asset, data []byte) ([]byte, error) {
	chunks, err := pngChunks(data)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(data))
	out = append(out, pngSignature...)
	for _, c := range chunks {
		if slices.Contains(strippedChunks, c.typ) {
			continue
		}
		out = append(out, c.raw...)
	}
	return out, nil
}
