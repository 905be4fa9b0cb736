// Package oggtest builds small Ogg Vorbis streams for tests.
package oggtest

import "github.com/propack/propack/internal/audio"

// Identification is a minimal Vorbis identification header: stereo, 44.1kHz.
var Identification = []byte("\x01vorbis\x00\x00\x00\x00\x02\x44\xac\x00\x00")

// Stream builds an Ogg stream with one packet per page. The first page
// starts the stream and the last one ends it.
func Stream(serial uint32, packets ...[]byte) []byte {
	var out []byte
	for i, pkt := range packets {
		p := audio.Page{Serial: serial, Sequence: uint32(i), Granule: uint64(i), Body: pkt}
		switch {
		case i == 0:
			p.HeaderType = 0x02
		case i == len(packets)-1:
			p.HeaderType = 0x04
		}
		n := len(pkt)
		for n >= 255 {
			p.Lacing = append(p.Lacing, 255)
			n -= 255
		}
		p.Lacing = append(p.Lacing, byte(n))
		out = p.Append(out)
	}
	return out
}

// Vorbis is a valid stream carrying data as its single audio packet.
func Vorbis(serial uint32, data []byte) []byte {
	return Stream(serial, Identification, data)
}
