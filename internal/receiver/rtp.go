// ABOUTME: RTP framing variant for the network receiver
// ABOUTME: Parses headers via pion/rtp and byte-swaps L16 payloads
package receiver

import (
	"net"
	"time"

	"github.com/AudioRelay-Project/audiorelay-go/internal/audio"
	"github.com/pion/rtp"
)

// rtpHeaderSize is the fixed portion of an RTP header.
const rtpHeaderSize = 12

// RTPFraming accepts standard RTP datagrams carrying L16 PCM. The
// payload arrives big-endian per RFC 3551 and is swapped to the
// little-endian layout the rest of the pipeline uses. SSRC and CSRCs
// ride along on the packet untouched.
type RTPFraming struct {
	// Format describes the negotiated stream layout; RTP itself does
	// not carry it. Zero value means 48kHz stereo 16-bit.
	Format audio.Format
}

func (f RTPFraming) format() audio.Format {
	if f.Format.Valid() {
		return f.Format
	}
	return audio.Format{SampleRate: 48000, Channels: 2, BitDepth: 16, ChLayout1: 0x03}
}

func (RTPFraming) ValidateStructure(buf []byte) bool {
	// Version 2 and room for at least one sample pair.
	return len(buf) > rtpHeaderSize && buf[0]>>6 == 2 && len(buf) <= maxDatagram
}

func (f RTPFraming) ParsePayload(buf []byte, addr *net.UDPAddr, at time.Time) (audio.TaggedPacket, bool) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(buf); err != nil {
		return audio.TaggedPacket{}, false
	}
	if len(pkt.Payload) == 0 || len(pkt.Payload)%2 != 0 {
		return audio.TaggedPacket{}, false
	}

	// Network byte order to little-endian, sample by sample.
	payload := make([]byte, len(pkt.Payload))
	for i := 0; i+1 < len(pkt.Payload); i += 2 {
		payload[i] = pkt.Payload[i+1]
		payload[i+1] = pkt.Payload[i]
	}

	ssrcs := make([]uint32, 0, 1+len(pkt.CSRC))
	ssrcs = append(ssrcs, pkt.SSRC)
	ssrcs = append(ssrcs, pkt.CSRC...)

	return audio.TaggedPacket{
		SourceTag:    addr.String(),
		Data:         payload,
		Format:       f.format(),
		RTPTimestamp: pkt.Timestamp,
		RTPSequence:  pkt.SequenceNumber,
		HasRTP:       true,
		SSRCs:        ssrcs,
		ReceivedAt:   at,
		PlaybackRate: 1.0,
	}, true
}
