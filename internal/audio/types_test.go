// ABOUTME: Tests for audio formats and sample conversion
package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatValidity(t *testing.T) {
	assert.True(t, Format{SampleRate: 48000, Channels: 2, BitDepth: 16}.Valid())
	assert.True(t, Format{SampleRate: 44100, Channels: 8, BitDepth: 24}.Valid())
	assert.False(t, Format{SampleRate: 0, Channels: 2, BitDepth: 16}.Valid())
	assert.False(t, Format{SampleRate: 48000, Channels: 0, BitDepth: 16}.Valid())
	assert.False(t, Format{SampleRate: 48000, Channels: 2, BitDepth: 12}.Valid())
}

func TestFormatMath(t *testing.T) {
	f := Format{SampleRate: 48000, Channels: 2, BitDepth: 16}
	assert.Equal(t, 4, f.BytesPerFrame())
	assert.Equal(t, 192000, f.BytesPerSecond())
	assert.Equal(t, 6*time.Millisecond, DurationAt(f, 1152))
}

func TestSameStreamDetectsLayoutChange(t *testing.T) {
	a := Format{SampleRate: 48000, Channels: 2, BitDepth: 16, ChLayout1: 0x03}
	b := a
	assert.True(t, a.SameStream(b))
	b.ChLayout1 = 0x3F
	assert.False(t, a.SameStream(b))
}

func TestSampleFrom24Bit(t *testing.T) {
	assert.Equal(t, int32(1), SampleFrom24Bit(0x01, 0x00, 0x00))
	assert.Equal(t, int32(-1), SampleFrom24Bit(0xFF, 0xFF, 0xFF))
	assert.Equal(t, int32(-8388608), SampleFrom24Bit(0x00, 0x00, 0x80))
	assert.Equal(t, int32(8388607), SampleFrom24Bit(0xFF, 0xFF, 0x7F))
}

func TestTo16BitLE(t *testing.T) {
	// 16-bit passes through untouched.
	in := []byte{0x12, 0x34}
	assert.Equal(t, in, To16BitLE(in, 16))

	// 24-bit narrows to the top 16 bits.
	out := To16BitLE([]byte{0x00, 0x34, 0x12}, 24)
	assert.Equal(t, []byte{0x34, 0x12}, out)

	// 32-bit likewise.
	out = To16BitLE([]byte{0x00, 0x00, 0x34, 0x12}, 32)
	assert.Equal(t, []byte{0x34, 0x12}, out)

	assert.Nil(t, To16BitLE(in, 12))
}
