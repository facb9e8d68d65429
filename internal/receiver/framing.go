// ABOUTME: Datagram framing variants for the network receiver
// ABOUTME: Raw 5-byte-header PCM and the per-process tagged variant
package receiver

import (
	"bytes"
	"net"
	"time"

	"github.com/AudioRelay-Project/audiorelay-go/internal/audio"
)

const (
	// pcmHeaderSize is the compact format header preceding raw PCM
	// payloads: rate byte, bit depth, channels, two layout bytes.
	pcmHeaderSize = 5

	// processTagSize is the NUL-padded program tag preceding the
	// header in per-process framing.
	processTagSize = 16

	// maxDatagram bounds structural validation. Larger datagrams are
	// not PCM frames from any supported sender.
	maxDatagram = 9000
)

// Framing validates and parses one protocol's datagram layout. The
// receive loop is framing-agnostic; each variant only has to yield a
// stable source tag, a format, and the PCM payload.
type Framing interface {
	// ValidateStructure is a cheap structural check run before parsing.
	ValidateStructure(buf []byte) bool
	// ParsePayload extracts a tagged packet. ok=false drops the datagram.
	ParsePayload(buf []byte, addr *net.UDPAddr, at time.Time) (audio.TaggedPacket, bool)
}

// DecodePCMHeader unpacks the 5-byte format header. Byte 0 carries a
// 44100-base flag in the top bit and a rate multiplier below it.
func DecodePCMHeader(h []byte) (audio.Format, bool) {
	if len(h) < pcmHeaderSize {
		return audio.Format{}, false
	}
	base := 48000
	if h[0]&0x80 != 0 {
		base = 44100
	}
	mult := int(h[0] & 0x7F)
	if mult == 0 {
		return audio.Format{}, false
	}
	f := audio.Format{
		SampleRate: base * mult,
		BitDepth:   int(h[1]),
		Channels:   int(h[2]),
		ChLayout1:  h[3],
		ChLayout2:  h[4],
	}
	return f, f.Valid()
}

// EncodePCMHeader packs a format into the 5-byte wire header. Rates
// that are not a multiple of 44100 or 48000 cannot be represented and
// return false.
func EncodePCMHeader(f audio.Format) ([pcmHeaderSize]byte, bool) {
	var h [pcmHeaderSize]byte
	switch {
	case f.SampleRate%48000 == 0 && f.SampleRate/48000 <= 0x7F && f.SampleRate > 0:
		h[0] = byte(f.SampleRate / 48000)
	case f.SampleRate%44100 == 0 && f.SampleRate/44100 <= 0x7F && f.SampleRate > 0:
		h[0] = 0x80 | byte(f.SampleRate/44100)
	default:
		return h, false
	}
	h[1] = byte(f.BitDepth)
	h[2] = byte(f.Channels)
	h[3] = f.ChLayout1
	h[4] = f.ChLayout2
	return h, f.Valid()
}

// RawFraming parses header-plus-PCM datagrams. The source tag is the
// sender's address, so one tag per sending process/port.
type RawFraming struct{}

func (RawFraming) ValidateStructure(buf []byte) bool {
	return len(buf) > pcmHeaderSize && len(buf) <= maxDatagram
}

func (RawFraming) ParsePayload(buf []byte, addr *net.UDPAddr, at time.Time) (audio.TaggedPacket, bool) {
	format, ok := DecodePCMHeader(buf)
	if !ok {
		return audio.TaggedPacket{}, false
	}
	payload := make([]byte, len(buf)-pcmHeaderSize)
	copy(payload, buf[pcmHeaderSize:])
	return audio.TaggedPacket{
		SourceTag:    addr.String(),
		Data:         payload,
		Format:       format,
		ReceivedAt:   at,
		PlaybackRate: 1.0,
	}, true
}

// PerProcessFraming parses datagrams carrying a fixed-width program
// tag ahead of the header, so one sending host can expose each
// program as its own source.
type PerProcessFraming struct{}

func (PerProcessFraming) ValidateStructure(buf []byte) bool {
	return len(buf) > processTagSize+pcmHeaderSize && len(buf) <= maxDatagram
}

func (PerProcessFraming) ParsePayload(buf []byte, addr *net.UDPAddr, at time.Time) (audio.TaggedPacket, bool) {
	tag := string(bytes.TrimRight(buf[:processTagSize], "\x00"))
	if tag == "" {
		return audio.TaggedPacket{}, false
	}
	format, ok := DecodePCMHeader(buf[processTagSize:])
	if !ok {
		return audio.TaggedPacket{}, false
	}
	payload := make([]byte, len(buf)-processTagSize-pcmHeaderSize)
	copy(payload, buf[processTagSize+pcmHeaderSize:])
	return audio.TaggedPacket{
		SourceTag:    tag,
		Data:         payload,
		Format:       format,
		ReceivedAt:   at,
		PlaybackRate: 1.0,
	}, true
}
