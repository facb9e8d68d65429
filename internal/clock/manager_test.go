// ABOUTME: Tests for the tick scheduler
// ABOUTME: Covers period math, lock-step groups, unregister cleanup, and pruning
package clock

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculatePeriod(t *testing.T) {
	// 1152 bytes at 48kHz stereo 16-bit = 192000 B/s -> 6ms
	period, err := CalculatePeriod(1152, Key{SampleRate: 48000, Channels: 2, BitDepth: 16})
	require.NoError(t, err)
	assert.Equal(t, 6*time.Millisecond, period)

	// Always strictly positive, even for absurdly fast formats.
	period, err = CalculatePeriod(1, Key{SampleRate: 1000000000, Channels: 8, BitDepth: 32})
	require.NoError(t, err)
	assert.Greater(t, period, time.Duration(0))
}

func TestCalculatePeriodRejectsInvalidFormats(t *testing.T) {
	cases := []Key{
		{SampleRate: 0, Channels: 2, BitDepth: 16},
		{SampleRate: -48000, Channels: 2, BitDepth: 16},
		{SampleRate: 48000, Channels: 0, BitDepth: 16},
		{SampleRate: 48000, Channels: 2, BitDepth: 0},
		{SampleRate: 48000, Channels: 2, BitDepth: 12}, // not byte-aligned
	}
	for _, key := range cases {
		_, err := CalculatePeriod(1152, key)
		assert.ErrorIs(t, err, ErrInvalidFormat, "key %+v", key)
	}
}

func TestSharedKeyTicksInLockStep(t *testing.T) {
	// 192 bytes at 48kHz stereo 16-bit -> 1ms period.
	m := NewManager(Config{ChunkBytes: 192, PortableTimer: true})
	defer m.Stop()

	a, err := m.Register(48000, 2, 16)
	require.NoError(t, err)
	b, err := m.Register(48000, 2, 16)
	require.NoError(t, err)
	defer m.Unregister(a)
	defer m.Unregister(b)

	time.Sleep(50 * time.Millisecond)

	seqA := a.Condition().Seq()
	seqB := b.Condition().Seq()

	assert.Greater(t, seqA, uint64(10), "expected ticks to have fired")
	diff := int64(seqA) - int64(seqB)
	if diff < -1 || diff > 1 {
		t.Errorf("same-key registrants out of lock-step: %d vs %d", seqA, seqB)
	}
}

func TestSequenceIsMonotonic(t *testing.T) {
	m := NewManager(Config{ChunkBytes: 192, PortableTimer: true})
	defer m.Stop()

	h, err := m.Register(48000, 2, 16)
	require.NoError(t, err)
	defer m.Unregister(h)

	var last uint64
	deadline := time.Now().Add(40 * time.Millisecond)
	for time.Now().Before(deadline) {
		seq := h.Condition().Seq()
		if seq < last {
			t.Fatalf("sequence went backwards: %d after %d", seq, last)
		}
		last = seq
		time.Sleep(time.Millisecond)
	}
}

func TestRegisterUnregisterDoesNotLeakGroups(t *testing.T) {
	m := NewManager(Config{PortableTimer: true})
	defer m.Stop()

	for i := 0; i < 10000; i++ {
		h, err := m.Register(48000, 2, 16)
		require.NoError(t, err)
		m.Unregister(h)
	}
	assert.Equal(t, 0, m.GroupCount())
}

func TestUnregisterIsIdempotent(t *testing.T) {
	m := NewManager(Config{PortableTimer: true})
	defer m.Stop()

	h, err := m.Register(44100, 2, 16)
	require.NoError(t, err)
	m.Unregister(h)
	m.Unregister(h)
	m.Unregister(nil)
	assert.Equal(t, 0, m.GroupCount())
}

func TestDroppedHandleIsPruned(t *testing.T) {
	m := NewManager(Config{ChunkBytes: 192, PortableTimer: true})
	defer m.Stop()

	h, err := m.Register(48000, 2, 16)
	require.NoError(t, err)
	require.Equal(t, 1, m.GroupCount())

	// Drop the only strong reference without unregistering. The
	// worker prunes the dead weak reference on a scheduling pass.
	h = nil
	_ = h
	assert.Eventually(t, func() bool {
		runtime.GC()
		return m.GroupCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnregisterAfterStopIsSafe(t *testing.T) {
	m := NewManager(Config{PortableTimer: true})

	h, err := m.Register(48000, 2, 16)
	require.NoError(t, err)

	// The waiter's resources are released during Stop; a straggling
	// Unregister must not touch them.
	m.Stop()
	m.Unregister(h)
	assert.Equal(t, 0, m.GroupCount())
}

func TestRegisterAfterStopFails(t *testing.T) {
	m := NewManager(Config{PortableTimer: true})
	m.Stop()

	_, err := m.Register(48000, 2, 16)
	assert.ErrorIs(t, err, ErrStopped)

	// Stop is idempotent.
	m.Stop()
}

func TestDistinctKeysTickIndependently(t *testing.T) {
	m := NewManager(Config{ChunkBytes: 192, PortableTimer: true})
	defer m.Stop()

	// 1ms period vs ~2.18ms period.
	fast, err := m.Register(48000, 2, 16)
	require.NoError(t, err)
	slow, err := m.Register(22050, 2, 16)
	require.NoError(t, err)
	defer m.Unregister(fast)
	defer m.Unregister(slow)

	time.Sleep(60 * time.Millisecond)

	fastSeq := fast.Condition().Seq()
	slowSeq := slow.Condition().Seq()
	assert.Greater(t, fastSeq, slowSeq, "faster group should tick more often")
	assert.Greater(t, slowSeq, uint64(0))
}
