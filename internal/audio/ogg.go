package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	pageContinued = 0x01
	pageBOS       = 0x02
	pageEOS       = 0x04

	pageHeaderLen = 27
)

// Serial is the stream serial number every transcoded sound is given.
const Serial uint32 = 0x50504b31 // "PPK1"

// Page is one Ogg page.
type Page struct {
	HeaderType byte
	Granule    uint64
	Serial     uint32
	Sequence   uint32
	Lacing     []byte
	Body       []byte
}

// ParsePages splits an Ogg bitstream into pages, checking every checksum.
func ParsePages(data []byte) ([]Page, error) {
	var pages []Page
	for off := 0; off < len(data); {
		p, n, err := parsePage(data[off:])
		if err != nil {
			return nil, fmt.Errorf("ogg: page at offset %d: %w", off, err)
		}
		pages = append(pages, p)
		off += n
	}
	if len(pages) == 0 {
		return nil, errors.New("ogg: empty stream")
	}
	return pages, nil
}

func parsePage(data []byte) (Page, int, error) {
	if len(data) < pageHeaderLen {
		return Page{}, 0, errors.New("truncated header")
	}
	if string(data[0:4]) != "OggS" {
		return Page{}, 0, errors.New("missing capture pattern")
	}
	if data[4] != 0 {
		return Page{}, 0, fmt.Errorf("unsupported version %d", data[4])
	}

	nseg := int(data[26])
	if len(data) < pageHeaderLen+nseg {
		return Page{}, 0, errors.New("truncated segment table")
	}
	lacing := data[pageHeaderLen : pageHeaderLen+nseg]
	size := 0
	for _, l := range lacing {
		size += int(l)
	}
	end := pageHeaderLen + nseg + size
	if len(data) < end {
		return Page{}, 0, errors.New("truncated body")
	}

	p := Page{
		HeaderType: data[5],
		Granule:    binary.LittleEndian.Uint64(data[6:14]),
		Serial:     binary.LittleEndian.Uint32(data[14:18]),
		Sequence:   binary.LittleEndian.Uint32(data[18:22]),
		Lacing:     lacing,
		Body:       data[pageHeaderLen+nseg : end],
	}

	want := binary.LittleEndian.Uint32(data[22:26])
	if got := pageCRC(data[:end]); got != want {
		return Page{}, 0, fmt.Errorf("checksum mismatch (%08x != %08x)", got, want)
	}
	return p, end, nil
}

// Append serializes the page with a freshly computed checksum.
func (p *Page) Append(dst []byte) []byte {
	start := len(dst)
	var hdr [pageHeaderLen]byte
	copy(hdr[0:4], "OggS")
	hdr[5] = p.HeaderType
	binary.LittleEndian.PutUint64(hdr[6:14], p.Granule)
	binary.LittleEndian.PutUint32(hdr[14:18], p.Serial)
	binary.LittleEndian.PutUint32(hdr[18:22], p.Sequence)
	hdr[26] = byte(len(p.Lacing))

	dst = append(dst, hdr[:]...)
	dst = append(dst, p.Lacing...)
	dst = append(dst, p.Body...)
	binary.LittleEndian.PutUint32(dst[start+22:start+26], pageCRC(dst[start:]))
	return dst
}

// ValidateVorbis checks that data is a single, complete logical Ogg stream
// carrying Vorbis audio.
func ValidateVorbis(data []byte) error {
	pages, err := ParsePages(data)
	if err != nil {
		return err
	}

	first, last := pages[0], pages[len(pages)-1]
	if first.HeaderType&pageBOS == 0 {
		return errors.New("ogg: first page lacks beginning-of-stream flag")
	}
	if last.HeaderType&pageEOS == 0 {
		return errors.New("ogg: last page lacks end-of-stream flag")
	}
	if !bytes.HasPrefix(first.Body, []byte("\x01vorbis")) {
		return errors.New("ogg: stream is not vorbis")
	}

	for i, p := range pages {
		if p.Serial != first.Serial {
			return fmt.Errorf("ogg: page %d belongs to another logical stream (multiplexed streams are not supported)", i)
		}
		if p.Sequence != uint32(i) {
			return fmt.Errorf("ogg: page %d has sequence number %d", i, p.Sequence)
		}
		if i > 0 && p.HeaderType&pageBOS != 0 {
			return fmt.Errorf("ogg: page %d starts another stream", i)
		}
	}
	return nil
}

// SetSerial rewrites the serial number of every page and recomputes the
// checksums. Encoders pick serials at random; a fixed serial makes the
// output depend on the audio alone.
func SetSerial(data []byte, serial uint32) ([]byte, error) {
	pages, err := ParsePages(data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data))
	for i := range pages {
		pages[i].Serial = serial
		out = pages[i].Append(out)
	}
	return out, nil
}

var crcTable = func() (t [256]uint32) {
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

// pageCRC computes the Ogg checksum of a page, treating its checksum field
// as zero.
func pageCRC(page []byte) uint32 {
	var crc uint32
	for i, b := range page {
		if i >= 22 && i < 26 {
			b = 0
		}
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}
