// ABOUTME: Tests for the PCM queue and playback config defaults
package playback

import (
	"testing"
	"time"

	"github.com/AudioRelay-Project/audiorelay-go/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCMQueueReadsQueuedBytes(t *testing.T) {
	q := newPCMQueue()
	q.Write([]byte{1, 2, 3, 4})

	got := make([]byte, 4)
	n, err := q.Read(got)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
	assert.Zero(t, q.Underruns())
}

func TestPCMQueueSilenceFillsAndCountsUnderrun(t *testing.T) {
	q := newPCMQueue()
	q.Write([]byte{0xFF, 0xFF})

	got := make([]byte, 6)
	n, err := q.Read(got)
	require.NoError(t, err)
	assert.Equal(t, 6, n, "short reads would glitch the device")
	assert.Equal(t, []byte{0xFF, 0xFF, 0, 0, 0, 0}, got)
	assert.Equal(t, uint64(1), q.Underruns())
}

func TestPCMQueueDrop(t *testing.T) {
	q := newPCMQueue()
	q.Write(make([]byte, 100))
	q.Drop()
	assert.Zero(t, q.Len())
}

func TestPCMQueueClose(t *testing.T) {
	q := newPCMQueue()
	q.Write([]byte{1})
	q.Close()

	got := make([]byte, 1)
	n, err := q.Read(got)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Read(got)
	assert.ErrorIs(t, err, errQueueClosed)

	// Writes after close are discarded.
	q.Write([]byte{2})
	assert.Zero(t, q.Len())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 40*time.Millisecond, cfg.TargetLatency)
	assert.Equal(t, 4, cfg.Periods)

	// 40ms at 48kHz = 1920 frames, split into 4 periods of 480.
	assert.InDelta(t, 1920, cfg.targetFrames(48000), 1e-9)
	assert.Equal(t, 480, cfg.periodFrames(48000))
}

func TestSendPayloadIgnoredWhenClosed(t *testing.T) {
	s := NewOtoSender(Config{Format: audio.Format{SampleRate: 48000, Channels: 2, BitDepth: 16}})
	// Never set up; must not panic or touch a device.
	s.SendPayload(make([]byte, 192), nil)
	s.Close()
}

func TestDeviceStateStrings(t *testing.T) {
	assert.Equal(t, "closed", stateClosed.String())
	assert.Equal(t, "running", stateRunning.String())
}
