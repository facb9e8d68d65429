// ABOUTME: Alternate playback backend built on PortAudio blocking writes
// ABOUTME: Accepts nearest-rate negotiation and recovers from underflow in place
package playback

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/AudioRelay-Project/audiorelay-go/internal/audio"
	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"
)

// paInit reference-counts the process-wide PortAudio runtime: the
// first sender initializes it, the last one tears it down.
var paInit struct {
	mu   sync.Mutex
	refs int
}

func paAcquire() error {
	paInit.mu.Lock()
	defer paInit.mu.Unlock()
	if paInit.refs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return err
		}
	}
	paInit.refs++
	return nil
}

func paRelease() {
	paInit.mu.Lock()
	defer paInit.mu.Unlock()
	if paInit.refs == 0 {
		return
	}
	paInit.refs--
	if paInit.refs == 0 {
		portaudio.Terminate()
	}
}

// PortAudioSender plays PCM through a blocking PortAudio stream. The
// device may negotiate a nearby rate; whatever it reports becomes
// authoritative for delay and rate math. The blocking Write doubles
// as the bounded device-readiness wait.
type PortAudioSender struct {
	cfg Config
	log *logrus.Entry

	mu           sync.Mutex
	state        deviceState
	stream       *portaudio.Stream
	buf          []int16
	deviceRate   int
	queuedFrames float64
	lastWrite    time.Time
	controller   *driftController
	acquired     bool
}

// NewPortAudioSender creates the sender; Setup opens the stream.
func NewPortAudioSender(cfg Config) *PortAudioSender {
	cfg = cfg.withDefaults()
	return &PortAudioSender{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{
			"component": "playback",
			"backend":   "portaudio",
			"device":    cfg.DeviceTag,
		}),
		state: stateClosed,
	}
}

// Setup opens the default output stream at the requested format.
func (s *PortAudioSender) Setup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateRunning {
		s.log.Warn("setup called while running")
		return false
	}
	s.state = stateConfiguring

	format := s.cfg.Format
	if !format.Valid() {
		s.log.WithField("format", format).Error("invalid playback format")
		s.state = stateClosed
		return false
	}

	if !s.acquired {
		if err := paAcquire(); err != nil {
			s.log.WithError(err).Error("failed to initialize audio runtime")
			s.state = stateClosed
			return false
		}
		s.acquired = true
	}

	periodFrames := s.cfg.periodFrames(format.SampleRate)
	s.buf = make([]int16, periodFrames*format.Channels)

	stream, err := portaudio.OpenDefaultStream(
		0, format.Channels, float64(format.SampleRate), periodFrames, &s.buf)
	if err != nil {
		s.log.WithError(err).Error("failed to open output stream")
		s.state = stateClosed
		return false
	}
	if err := stream.Start(); err != nil {
		s.log.WithError(err).Error("failed to start output stream")
		stream.Close()
		s.state = stateClosed
		return false
	}

	// Nearest-rate negotiation: the stream's reported rate wins.
	s.deviceRate = format.SampleRate
	if info := stream.Info(); info != nil && info.SampleRate > 0 {
		s.deviceRate = int(info.SampleRate)
	}
	if s.deviceRate != format.SampleRate {
		s.log.WithFields(logrus.Fields{
			"requested": format.SampleRate,
			"granted":   s.deviceRate,
		}).Warn("device negotiated a different sample rate")
	}

	s.stream = stream
	s.controller = newDriftController(s.cfg.Controller, s.cfg.targetFrames(s.deviceRate))
	s.queuedFrames = 0
	s.lastWrite = time.Now()
	s.state = stateRunning

	s.log.WithFields(logrus.Fields{
		"sample_rate":    s.deviceRate,
		"channels":       format.Channels,
		"period_frames":  periodFrames,
		"target_latency": s.cfg.TargetLatency,
	}).Info("playback device configured")
	return true
}

// SendPayload writes one chunk period by period. Write blocks only
// until the device drains one period, which bounds the wait.
func (s *PortAudioSender) SendPayload(pcm []byte, csrcs []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning {
		return
	}

	data := audio.To16BitLE(pcm, s.cfg.Format.BitDepth)
	if data == nil {
		s.log.WithField("bit_depth", s.cfg.Format.BitDepth).
			Warn("unsupported bit depth, dropping chunk")
		return
	}

	samplesPerPeriod := len(s.buf)
	for off := 0; off < len(data); off += samplesPerPeriod * 2 {
		if s.estimatedDelayFrames() > s.cfg.targetFrames(s.deviceRate)+float64(samplesPerPeriod/s.cfg.Format.Channels) {
			s.log.WithField("dropped_bytes", len(data)-off).
				Debug("queue beyond target, dropping chunk remainder")
			break
		}

		// Partial trailing periods are zero-padded.
		for i := 0; i < samplesPerPeriod; i++ {
			idx := off + i*2
			if idx+1 < len(data) {
				s.buf[i] = int16(binary.LittleEndian.Uint16(data[idx:]))
			} else {
				s.buf[i] = 0
			}
		}

		if err := s.stream.Write(); err != nil {
			if err == portaudio.OutputUnderflowed {
				s.log.Warn("device underran, resetting drift controller")
				s.recoverFromXrunLocked()
				continue
			}
			s.log.WithError(err).Error("stream write failed, attempting recovery")
			if !s.recoverStreamLocked() {
				return
			}
			continue
		}
		s.accountWriteLocked(samplesPerPeriod / s.cfg.Format.Channels)
		s.updateRateLocked()
	}
}

// estimatedDelayFrames models device queue depth from frames written
// minus frames elapsed at the device rate, floored at the stream's
// reported output latency.
func (s *PortAudioSender) estimatedDelayFrames() float64 {
	elapsed := time.Since(s.lastWrite).Seconds() * float64(s.deviceRate)
	queued := s.queuedFrames - elapsed
	if queued < 0 {
		queued = 0
	}
	if info := s.stream.Info(); info != nil {
		latency := info.OutputLatency.Seconds() * float64(s.deviceRate)
		if queued < latency {
			queued = latency
		}
	}
	return queued
}

func (s *PortAudioSender) accountWriteLocked(frames int) {
	now := time.Now()
	elapsed := now.Sub(s.lastWrite).Seconds() * float64(s.deviceRate)
	s.queuedFrames -= elapsed
	if s.queuedFrames < 0 {
		s.queuedFrames = 0
	}
	s.queuedFrames += float64(frames)
	s.lastWrite = now
}

func (s *PortAudioSender) updateRateLocked() {
	rate, updated := s.controller.Update(s.estimatedDelayFrames(), time.Now())
	if updated && s.cfg.OnRate != nil {
		s.cfg.OnRate(rate)
	}
}

func (s *PortAudioSender) recoverFromXrunLocked() {
	s.controller.Reset()
	if s.cfg.OnRate != nil {
		s.cfg.OnRate(1.0)
	}
	s.queuedFrames = 0
	s.lastWrite = time.Now()
}

// recoverStreamLocked restarts the stream in place; if that fails the
// device is torn down and Setup must be called again.
func (s *PortAudioSender) recoverStreamLocked() bool {
	s.stream.Abort()
	if err := s.stream.Start(); err == nil {
		s.recoverFromXrunLocked()
		return true
	}
	s.log.Error("in-place recovery failed, closing device")
	s.stream.Close()
	s.stream = nil
	s.state = stateError
	return false
}

// Close tears down the stream and releases the runtime reference.
func (s *PortAudioSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return
	}
	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
		s.stream = nil
	}
	if s.acquired {
		paRelease()
		s.acquired = false
	}
	s.state = stateClosed
	s.log.Info("playback device closed")
}
