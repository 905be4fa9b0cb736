package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	formatPCM        = 1
	formatFloat      = 3
	formatExtensible = 0xfffe
)

// PCM is interleaved signed 16-bit audio.
type PCM struct {
	Channels int
	Rate     int
	Samples  []int16

	// SourceBits is the bit depth of the decoded file.
	SourceBits int
}

// Frames returns the number of samples per channel.
func (p *PCM) Frames() int {
	if p.Channels == 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// DecodeWAV decodes a RIFF/WAVE file holding integer PCM (8, 16, 24 or 32
// bits) or 32-bit float samples. Samples are converted to 16 bits.
func DecodeWAV(data []byte) (*PCM, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, errors.New("wav: not a RIFF/WAVE file")
	}

	var (
		format   uint16
		channels int
		rate     int
		bits     int
		haveFmt  bool
		samples  []byte
		haveData bool
	)

	for rest := data[12:]; len(rest) >= 8; {
		id := string(rest[0:4])
		size := int(binary.LittleEndian.Uint32(rest[4:8]))
		rest = rest[8:]
		if size > len(rest) {
			if id != "data" {
				return nil, fmt.Errorf("wav: truncated %q chunk", id)
			}
			// streaming writers leave the data size unset
			size = len(rest)
		}
		body := rest[:size]

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, errors.New("wav: short fmt chunk")
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			rate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = int(binary.LittleEndian.Uint16(body[14:16]))
			if format == formatExtensible {
				if size < 26 {
					return nil, errors.New("wav: short extensible fmt chunk")
				}
				format = binary.LittleEndian.Uint16(body[24:26])
			}
			haveFmt = true
		case "data":
			samples = body
			haveData = true
		}

		// chunks are padded to even sizes
		if size%2 == 1 && size < len(rest) {
			size++
		}
		rest = rest[size:]
	}

	switch {
	case !haveFmt:
		return nil, errors.New("wav: missing fmt chunk")
	case !haveData:
		return nil, errors.New("wav: missing data chunk")
	case channels < 1:
		return nil, fmt.Errorf("wav: invalid channel count %d", channels)
	case rate < 1:
		return nil, fmt.Errorf("wav: invalid sample rate %d", rate)
	}

	var conv func([]byte) int16
	switch {
	case format == formatPCM && bits == 8:
		conv = func(b []byte) int16 { return int16(int(b[0])-128) << 8 }
	case format == formatPCM && bits == 16:
		conv = func(b []byte) int16 { return int16(binary.LittleEndian.Uint16(b)) }
	case format == formatPCM && bits == 24:
		conv = func(b []byte) int16 { return int16(uint16(b[1]) | uint16(b[2])<<8) }
	case format == formatPCM && bits == 32:
		conv = func(b []byte) int16 { return int16(binary.LittleEndian.Uint32(b) >> 16) }
	case format == formatFloat && bits == 32:
		conv = func(b []byte) int16 {
			f := float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
			return int16(math.Round(max(-1, min(1, f)) * math.MaxInt16))
		}
	default:
		return nil, fmt.Errorf("wav: unsupported encoding (format %d, %d bits)", format, bits)
	}

	width := bits / 8
	frame := width * channels
	n := len(samples) / frame * channels

	p := &PCM{Channels: channels, Rate: rate, SourceBits: bits, Samples: make([]int16, n)}
	for i := range n {
		p.Samples[i] = conv(samples[i*width : (i+1)*width])
	}
	return p, nil
}

// EncodeWAV writes p as a canonical 16-bit PCM RIFF/WAVE file.
func EncodeWAV(p *PCM) []byte {
	dataSize := len(p.Samples) * 2

	var buf bytes.Buffer
	buf.Grow(44 + dataSize)
	buf.WriteString("RIFF")
	le32(&buf, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	le32(&buf, 16)
	le16(&buf, formatPCM)
	le16(&buf, uint16(p.Channels))
	le32(&buf, uint32(p.Rate))
	le32(&buf, uint32(p.Rate*p.Channels*2))
	le16(&buf, uint16(p.Channels*2))
	le16(&buf, 16)

	buf.WriteString("data")
	le32(&buf, uint32(dataSize))
	var b [2]byte
	for _, s := range p.Samples {
		binary.LittleEndian.PutUint16(b[:], uint16(s))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func le16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func le32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// Normalize converts p to the given channel count (1 or 2) and sample rate.
// Resampling is linear and uses integer arithmetic only, so the result is the
// same on every platform.
func Normalize(p *PCM, channels, rate int) (*PCM, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("unsupported target channel count %d", channels)
	}
	if rate < 1 {
		return nil, fmt.Errorf("invalid target sample rate %d", rate)
	}

	out := remix(p, channels)
	if out.Rate != rate {
		out = resample(out, rate)
	}
	return out, nil
}

func remix(p *PCM, channels int) *PCM {
	if p.Channels == channels {
		return &PCM{Channels: channels, Rate: p.Rate, SourceBits: p.SourceBits, Samples: p.Samples}
	}

	frames := p.Frames()
	out := &PCM{Channels: channels, Rate: p.Rate, SourceBits: p.SourceBits, Samples: make([]int16, frames*channels)}

	for f := range frames {
		in := p.Samples[f*p.Channels : (f+1)*p.Channels]
		switch {
		case p.Channels == 1:
			out.Samples[f*2] = in[0]
			out.Samples[f*2+1] = in[0]
		case channels == 1:
			out.Samples[f] = average(in, 0, 1)
		default:
			// even channels to the left, odd channels to the right
			out.Samples[f*2] = average(in, 0, 2)
			out.Samples[f*2+1] = average(in, 1, 2)
		}
	}
	return out
}

func average(in []int16, start, step int) int16 {
	var sum, n int
	for i := start; i < len(in); i += step {
		sum += int(in[i])
		n++
	}
	return int16(sum / n)
}

func resample(p *PCM, rate int) *PCM {
	frames := p.Frames()
	outFrames := int(int64(frames) * int64(rate) / int64(p.Rate))
	out := &PCM{Channels: p.Channels, Rate: rate, SourceBits: p.SourceBits, Samples: make([]int16, outFrames*p.Channels)}

	for f := range outFrames {
		num := int64(f) * int64(p.Rate)
		idx := int(num / int64(rate))
		frac := num % int64(rate)
		next := min(idx+1, frames-1)
		for c := range p.Channels {
			a := int64(p.Samples[idx*p.Channels+c])
			b := int64(p.Samples[next*p.Channels+c])
			out.Samples[f*p.Channels+c] = int16(a + (b-a)*frac/int64(rate))
		}
	}
	return out
}
