// ABOUTME: Adaptive playback sender contract and shared state machine
// ABOUTME: Backends write PCM to hardware while reporting rate corrections
package playback

import (
	"time"

	"github.com/AudioRelay-Project/audiorelay-go/internal/audio"
)

// Sender writes PCM frames to one hardware output while holding the
// device queue near a target depth. The corrective playback rate is
// reported through OnRate so an upstream resampler can apply it; the
// sender itself never resamples.
type Sender interface {
	// Setup opens and configures the device. Returns false on any
	// configuration failure; details go to the log.
	Setup() bool
	// SendPayload writes one chunk of little-endian PCM. CSRCs ride
	// along for attribution only.
	SendPayload(pcm []byte, csrcs []uint32)
	// Close releases the device. Safe to call in any state.
	Close()
}

// Config holds playback construction parameters shared by backends.
type Config struct {
	// DeviceTag names the output endpoint; empty means the default device.
	DeviceTag string
	// Format is the requested stream format.
	Format audio.Format
	// TargetLatency is the end-to-end queue depth the controller
	// holds. Defaults to 40ms.
	TargetLatency time.Duration
	// Periods splits the latency budget into write-sized slices.
	// Defaults to 4.
	Periods int
	// Controller tunes the drift feedback loop.
	Controller ControllerConfig
	// OnRate, when set, receives every newly commanded playback rate.
	OnRate func(float64)
}

func (c Config) withDefaults() Config {
	if c.TargetLatency <= 0 {
		c.TargetLatency = 40 * time.Millisecond
	}
	if c.Periods <= 0 {
		c.Periods = 4
	}
	return c
}

// targetFrames converts the latency budget into frames at the
// authoritative device rate.
func (c Config) targetFrames(deviceRate int) float64 {
	return float64(deviceRate) * c.TargetLatency.Seconds()
}

// periodFrames is one write slice worth of frames.
func (c Config) periodFrames(deviceRate int) int {
	n := int(float64(deviceRate)*c.TargetLatency.Seconds()) / c.Periods
	if n < 1 {
		n = 1
	}
	return n
}

// deviceState tracks the implicit sender lifecycle:
// Closed -> Configuring -> Running -> (Error -> Configuring | Closed).
type deviceState int

const (
	stateClosed deviceState = iota
	stateConfiguring
	stateRunning
	stateError
)

func (s deviceState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateConfiguring:
		return "configuring"
	case stateRunning:
		return "running"
	case stateError:
		return "error"
	default:
		return "unknown"
	}
}
