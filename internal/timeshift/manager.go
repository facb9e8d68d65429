// ABOUTME: Timeshift buffering stage between receivers and the mixer
// ABOUTME: Defines the consumer boundary plus a bounded working implementation
package timeshift

import (
	"sync"
	"sync/atomic"

	"github.com/AudioRelay-Project/audiorelay-go/internal/audio"
	"github.com/sirupsen/logrus"
)

// Settings carries the tunables the receiving stage reads from its
// downstream consumer.
type Settings struct {
	// MaxPendingChunks bounds a clock-paced stream's pending deque.
	MaxPendingChunks int
	// HorizonChunks bounds how many completed chunks this stage holds.
	HorizonChunks int
}

// DefaultSettings returns the stock tunables.
func DefaultSettings() Settings {
	return Settings{
		MaxPendingChunks: 16,
		HorizonChunks:    512,
	}
}

// Consumer is the downstream boundary receivers hand completed chunks
// to. The full mixing graph behind it is out of scope here.
type Consumer interface {
	AddPacket(pkt audio.TaggedPacket)
	Settings() Settings
}

// Manager is a bounded chunk buffer feeding a single output channel.
// Overflow drops the oldest chunk so producers never block.
type Manager struct {
	settings Settings
	out      chan audio.TaggedPacket
	dropped  atomic.Uint64
	rate     atomic.Uint64 // playback rate as float64 bits
	mu       sync.Mutex
	log      *logrus.Entry
}

// NewManager creates a timeshift buffer with the given settings.
func NewManager(settings Settings) *Manager {
	if settings.MaxPendingChunks <= 0 {
		settings.MaxPendingChunks = DefaultSettings().MaxPendingChunks
	}
	if settings.HorizonChunks <= 0 {
		settings.HorizonChunks = DefaultSettings().HorizonChunks
	}
	m := &Manager{
		settings: settings,
		out:      make(chan audio.TaggedPacket, settings.HorizonChunks),
		log:      logrus.WithField("component", "timeshift"),
	}
	m.SetPlaybackRate(1.0)
	return m
}

// Settings returns the consumer tunables.
func (m *Manager) Settings() Settings {
	return m.settings
}

// AddPacket enqueues a completed chunk, stamping it with the current
// corrective playback rate. A full horizon drops the oldest chunk.
func (m *Manager) AddPacket(pkt audio.TaggedPacket) {
	pkt.PlaybackRate = m.PlaybackRate()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		select {
		case m.out <- pkt:
			return
		default:
		}
		select {
		case old := <-m.out:
			n := m.dropped.Add(1)
			if n%100 == 1 {
				m.log.WithFields(logrus.Fields{
					"source_tag":    old.SourceTag,
					"total_dropped": n,
				}).Warn("timeshift horizon full, dropping oldest chunk")
			}
		default:
		}
	}
}

// Output returns the channel the mixing stage drains.
func (m *Manager) Output() <-chan audio.TaggedPacket {
	return m.out
}

// Dropped returns how many chunks were discarded on overflow.
func (m *Manager) Dropped() uint64 {
	return m.dropped.Load()
}

// SetPlaybackRate records the corrective rate reported by the playback
// stage; subsequent chunks are stamped with it for the resampler.
func (m *Manager) SetPlaybackRate(rate float64) {
	m.rate.Store(toBits(rate))
}

// PlaybackRate returns the last reported corrective rate.
func (m *Manager) PlaybackRate() float64 {
	return fromBits(m.rate.Load())
}
