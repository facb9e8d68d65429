// ABOUTME: Tests for the timeshift chunk buffer
package timeshift

import (
	"testing"

	"github.com/AudioRelay-Project/audiorelay-go/internal/audio"
	"github.com/stretchr/testify/assert"
)

func TestAddPacketNeverBlocks(t *testing.T) {
	m := NewManager(Settings{HorizonChunks: 4, MaxPendingChunks: 4})

	for i := 0; i < 20; i++ {
		m.AddPacket(audio.TaggedPacket{SourceTag: "s", Data: []byte{byte(i)}})
	}

	// Horizon held, overflow accounted, newest data retained.
	assert.Equal(t, uint64(16), m.Dropped())
	assert.Len(t, m.Output(), 4)

	first := <-m.Output()
	assert.Equal(t, []byte{16}, first.Data)
}

func TestPacketsStampedWithPlaybackRate(t *testing.T) {
	m := NewManager(DefaultSettings())
	m.SetPlaybackRate(1.0025)

	m.AddPacket(audio.TaggedPacket{SourceTag: "s"})
	pkt := <-m.Output()
	assert.InDelta(t, 1.0025, pkt.PlaybackRate, 1e-9)
}

func TestDefaultSettingsApplied(t *testing.T) {
	m := NewManager(Settings{})
	assert.Equal(t, DefaultSettings().MaxPendingChunks, m.Settings().MaxPendingChunks)
	assert.InDelta(t, 1.0, m.PlaybackRate(), 1e-9)
}
