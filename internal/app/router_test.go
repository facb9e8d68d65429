// ABOUTME: Tests for router construction and lifecycle
package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "asio"})
	assert.Error(t, err)
}

func TestNewRejectsUnknownFraming(t *testing.T) {
	_, err := New(Config{
		Backend:   "none",
		Listeners: []ListenerConfig{{Port: 0, Framing: "mp3"}},
	})
	assert.Error(t, err)
}

func TestIngestOnlyLifecycle(t *testing.T) {
	r, err := New(Config{
		Backend:   "none",
		Listeners: []ListenerConfig{{Port: 0, Framing: "raw"}},
	})
	require.NoError(t, err)

	require.NoError(t, r.Start())
	assert.InDelta(t, 1.0, r.PlaybackRate(), 1e-9)

	r.Stop()
	r.Stop() // idempotent
}

func TestFramingSelection(t *testing.T) {
	for _, name := range []string{"", "raw", "rtp", "process"} {
		f, err := framingFor(name)
		require.NoError(t, err, name)
		assert.NotNil(t, f)
	}
}
