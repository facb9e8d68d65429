// ABOUTME: Tests for the datagram framing variants
// ABOUTME: Covers header codec, per-process tags, and RTP parsing
package receiver

import (
	"net"
	"testing"
	"time"

	"github.com/AudioRelay-Project/audiorelay-go/internal/audio"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAddr = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 4010}

func TestPCMHeaderRoundTrip(t *testing.T) {
	cases := []audio.Format{
		{SampleRate: 48000, Channels: 2, BitDepth: 16, ChLayout1: 0x03},
		{SampleRate: 44100, Channels: 2, BitDepth: 16},
		{SampleRate: 96000, Channels: 8, BitDepth: 24, ChLayout1: 0x3F, ChLayout2: 0x06},
		{SampleRate: 192000, Channels: 2, BitDepth: 32},
		{SampleRate: 88200, Channels: 1, BitDepth: 16},
	}
	for _, f := range cases {
		h, ok := EncodePCMHeader(f)
		require.True(t, ok, "encode %+v", f)
		got, ok := DecodePCMHeader(h[:])
		require.True(t, ok, "decode %+v", f)
		assert.Equal(t, f, got)
	}
}

func TestPCMHeaderRejectsGarbage(t *testing.T) {
	// Zero multiplier.
	_, ok := DecodePCMHeader([]byte{0x00, 16, 2, 0, 0})
	assert.False(t, ok)
	// Zero channels.
	_, ok = DecodePCMHeader([]byte{0x01, 16, 0, 0, 0})
	assert.False(t, ok)
	// Bit depth not byte-aligned.
	_, ok = DecodePCMHeader([]byte{0x01, 13, 2, 0, 0})
	assert.False(t, ok)
	// Truncated.
	_, ok = DecodePCMHeader([]byte{0x01, 16})
	assert.False(t, ok)
}

func TestRawFramingParse(t *testing.T) {
	f := RawFraming{}
	header, _ := EncodePCMHeader(testFormat)
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	datagram := append(header[:], payload...)

	require.True(t, f.ValidateStructure(datagram))
	pkt, ok := f.ParsePayload(datagram, testAddr, time.Now())
	require.True(t, ok)
	assert.Equal(t, testAddr.String(), pkt.SourceTag)
	assert.Equal(t, testFormat, pkt.Format)
	assert.Equal(t, payload, pkt.Data)
	assert.False(t, pkt.HasRTP)
}

func TestRawFramingRejectsHeaderOnly(t *testing.T) {
	f := RawFraming{}
	header, _ := EncodePCMHeader(testFormat)
	assert.False(t, f.ValidateStructure(header[:]))
}

func TestPerProcessFramingExtractsTag(t *testing.T) {
	f := PerProcessFraming{}
	header, _ := EncodePCMHeader(testFormat)

	tag := make([]byte, processTagSize)
	copy(tag, "music-player")
	datagram := append(append(tag, header[:]...), 9, 9, 9, 9)

	require.True(t, f.ValidateStructure(datagram))
	pkt, ok := f.ParsePayload(datagram, testAddr, time.Now())
	require.True(t, ok)
	assert.Equal(t, "music-player", pkt.SourceTag)
	assert.Equal(t, []byte{9, 9, 9, 9}, pkt.Data)
}

func TestPerProcessFramingRejectsEmptyTag(t *testing.T) {
	f := PerProcessFraming{}
	header, _ := EncodePCMHeader(testFormat)
	datagram := append(append(make([]byte, processTagSize), header[:]...), 1, 2)

	_, ok := f.ParsePayload(datagram, testAddr, time.Now())
	assert.False(t, ok)
}

func TestRTPFramingParsesAndByteSwaps(t *testing.T) {
	f := RTPFraming{}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    127,
			SequenceNumber: 400,
			Timestamp:      168000,
			SSRC:           0xDEADBEEF,
			CSRC:           []uint32{0x01020304},
		},
		// Two big-endian L16 samples.
		Payload: []byte{0x12, 0x34, 0xAB, 0xCD},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	require.True(t, f.ValidateStructure(raw))
	got, ok := f.ParsePayload(raw, testAddr, time.Now())
	require.True(t, ok)

	assert.Equal(t, testAddr.String(), got.SourceTag)
	assert.Equal(t, []byte{0x34, 0x12, 0xCD, 0xAB}, got.Data)
	assert.True(t, got.HasRTP)
	assert.Equal(t, uint32(168000), got.RTPTimestamp)
	assert.Equal(t, uint16(400), got.RTPSequence)
	assert.Equal(t, []uint32{0xDEADBEEF, 0x01020304}, got.SSRCs)
	assert.Equal(t, 48000, got.Format.SampleRate)
}

func TestRTPFramingTagsDistinctPortsSeparately(t *testing.T) {
	f := RTPFraming{}
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SSRC: 7},
		Payload: []byte{0x00, 0x01, 0x00, 0x02},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	ip := net.IPv4(10, 0, 0, 1)
	a, ok := f.ParsePayload(raw, &net.UDPAddr{IP: ip, Port: 5000}, time.Now())
	require.True(t, ok)
	b, ok := f.ParsePayload(raw, &net.UDPAddr{IP: ip, Port: 5002}, time.Now())
	require.True(t, ok)

	// Two senders on one host must not collapse into one accumulator.
	assert.NotEqual(t, a.SourceTag, b.SourceTag)
	assert.Equal(t, "10.0.0.1:5000", a.SourceTag)
	assert.Equal(t, "10.0.0.1:5002", b.SourceTag)
}

func TestRTPFramingRejectsOddPayload(t *testing.T) {
	f := RTPFraming{}
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SSRC: 1},
		Payload: []byte{0x01, 0x02, 0x03},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	_, ok := f.ParsePayload(raw, testAddr, time.Now())
	assert.False(t, ok)
}

func TestRTPFramingRejectsWrongVersion(t *testing.T) {
	f := RTPFraming{}
	buf := make([]byte, 32)
	buf[0] = 0x40 // version 1
	assert.False(t, f.ValidateStructure(buf))
}
