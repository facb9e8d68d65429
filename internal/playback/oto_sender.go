// ABOUTME: Default playback backend built on the oto library
// ABOUTME: Measures queue depth from unplayed bytes and paces writes per period
package playback

import (
	"sync"
	"time"

	"github.com/AudioRelay-Project/audiorelay-go/internal/audio"
	"github.com/ebitengine/oto/v3"
	"github.com/sirupsen/logrus"
)

// setupReadyTimeout bounds the wait for the audio context to come up,
// so a wedged audio server fails Setup instead of hanging the pipeline.
const setupReadyTimeout = 2 * time.Second

// OtoSender plays PCM through oto. oto honors the requested rate
// exactly, so this backend enforces strict-rate negotiation: the
// configured sample rate is authoritative for all delay math.
type OtoSender struct {
	cfg Config
	log *logrus.Entry

	mu            sync.Mutex
	state         deviceState
	otoCtx        *oto.Context
	player        *oto.Player
	queue         *pcmQueue
	controller    *driftController
	lastUnderruns uint64

	periodBytes int
	maxBytes    int
}

// NewOtoSender creates the sender; Setup opens the device.
func NewOtoSender(cfg Config) *OtoSender {
	cfg = cfg.withDefaults()
	return &OtoSender{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{
			"component": "playback",
			"backend":   "oto",
			"device":    cfg.DeviceTag,
		}),
		state: stateClosed,
	}
}

// Setup opens the oto context at the configured format. Reentrant
// calls while running are rejected.
func (s *OtoSender) Setup() bool {
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

	// oto consumes 16-bit; deeper input is narrowed on write.
	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   s.cfg.TargetLatency / time.Duration(s.cfg.Periods),
	}
	otoCtx, readyChan, err := oto.NewContext(op)
	if err != nil {
		s.log.WithError(err).Error("failed to create audio context")
		s.state = stateClosed
		return false
	}

	select {
	case <-readyChan:
	case <-time.After(setupReadyTimeout):
		s.log.Error("audio context not ready in time")
		s.state = stateClosed
		return false
	}

	bpfOut := format.Channels * 2 // 16-bit on the device side
	periodFrames := s.cfg.periodFrames(format.SampleRate)
	s.periodBytes = periodFrames * bpfOut
	// The queue may hold the full target plus one extra period; more
	// than that and the remainder of a chunk is dropped instead.
	s.maxBytes = int(s.cfg.targetFrames(format.SampleRate))*bpfOut + s.periodBytes

	s.queue = newPCMQueue()
	// Prime with silence so the device starts at the target depth
	// instead of underrunning through the first chunks.
	s.queue.Write(make([]byte, s.maxBytes-s.periodBytes))

	s.otoCtx = otoCtx
	s.player = otoCtx.NewPlayer(s.queue)
	s.player.Play()
	s.controller = newDriftController(s.cfg.Controller, s.cfg.targetFrames(format.SampleRate))
	s.lastUnderruns = 0
	s.state = stateRunning

	s.log.WithFields(logrus.Fields{
		"sample_rate":    format.SampleRate,
		"channels":       format.Channels,
		"bit_depth":      format.BitDepth,
		"period_bytes":   s.periodBytes,
		"target_latency": s.cfg.TargetLatency,
	}).Info("playback device configured")
	return true
}

// SendPayload writes one chunk, at most one period at a time, dropping
// whatever would push the queue past target-plus-one-period.
func (s *OtoSender) SendPayload(pcm []byte, csrcs []uint32) {
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

	if underruns := s.queue.Underruns(); underruns > s.lastUnderruns {
		s.log.WithField("underruns", underruns-s.lastUnderruns).
			Warn("device underran, resetting drift controller")
		s.lastUnderruns = underruns
		s.recoverFromXrunLocked()
	}

	for len(data) > 0 {
		queued := s.queue.Len() + int(s.player.BufferedSize())
		if queued+len(data) > s.maxBytes {
			room := s.maxBytes - queued
			if room <= 0 {
				s.log.WithField("dropped_bytes", len(data)).
					Debug("queue beyond target, dropping chunk remainder")
				break
			}
			if room > len(data) {
				room = len(data)
			}
			s.queue.Write(data[:room])
			s.log.WithField("dropped_bytes", len(data)-room).
				Debug("queue beyond target, dropping chunk remainder")
			break
		}
		n := s.periodBytes
		if n > len(data) {
			n = len(data)
		}
		s.queue.Write(data[:n])
		data = data[n:]
	}

	s.updateRateLocked()
}

// updateRateLocked samples queue depth and runs the drift controller.
func (s *OtoSender) updateRateLocked() {
	bpfOut := s.cfg.Format.Channels * 2
	delayFrames := float64(s.queue.Len()+int(s.player.BufferedSize())) / float64(bpfOut)
	rate, updated := s.controller.Update(delayFrames, time.Now())
	if updated && s.cfg.OnRate != nil {
		s.cfg.OnRate(rate)
	}
}

// recoverFromXrunLocked re-primes the queue and clears controller
// state so the loop does not chase the discontinuity.
func (s *OtoSender) recoverFromXrunLocked() {
	s.controller.Reset()
	if s.cfg.OnRate != nil {
		s.cfg.OnRate(1.0)
	}
	s.queue.Drop()
	s.queue.Write(make([]byte, s.maxBytes-s.periodBytes))
}

// Close tears down the device. Safe in any state.
func (s *OtoSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return
	}
	if s.queue != nil {
		s.queue.Close()
	}
	if s.player != nil {
		s.player.Close()
		s.player = nil
	}
	if s.otoCtx != nil {
		s.otoCtx.Suspend()
		s.otoCtx = nil
	}
	s.state = stateClosed
	s.log.Info("playback device closed")
}
