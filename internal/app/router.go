// ABOUTME: Main router orchestration wiring receivers to playback
// ABOUTME: Owns construction order, start/stop, and the rate feedback path
package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/AudioRelay-Project/audiorelay-go/internal/audio"
	"github.com/AudioRelay-Project/audiorelay-go/internal/clock"
	"github.com/AudioRelay-Project/audiorelay-go/internal/discovery"
	"github.com/AudioRelay-Project/audiorelay-go/internal/playback"
	"github.com/AudioRelay-Project/audiorelay-go/internal/receiver"
	"github.com/AudioRelay-Project/audiorelay-go/internal/timeshift"
	"github.com/sirupsen/logrus"
)

// ListenerConfig describes one UDP ingest port.
type ListenerConfig struct {
	Port       int
	Framing    string // "raw", "rtp", or "process"
	ClockPaced bool
}

// Config holds router configuration.
type Config struct {
	Listeners     []ListenerConfig
	ChunkBytes    int
	PortableTimer bool

	// Playback. Backend "none" runs ingest-only.
	Backend       string // "oto", "portaudio", or "none"
	DeviceTag     string
	Format        audio.Format
	TargetLatency time.Duration
	Controller    playback.ControllerConfig
}

// Router owns the full pipeline: clock, receivers, timeshift buffer,
// and the playback sender.
type Router struct {
	cfg       Config
	clock     *clock.Manager
	queue     *discovery.Queue
	timeshift *timeshift.Manager
	receivers []*receiver.Receiver
	sender    playback.Sender
	done      chan struct{}
	stopOnce  sync.Once
	log       *logrus.Entry
}

// New builds the pipeline without starting any I/O.
func New(cfg Config) (*Router, error) {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = clock.DefaultChunkBytes
	}
	if !cfg.Format.Valid() {
		cfg.Format = audio.Format{SampleRate: 48000, Channels: 2, BitDepth: 16, ChLayout1: 0x03}
	}

	r := &Router{
		cfg:       cfg,
		clock:     clock.NewManager(clock.Config{ChunkBytes: cfg.ChunkBytes, PortableTimer: cfg.PortableTimer}),
		queue:     discovery.NewQueue(64),
		timeshift: timeshift.NewManager(timeshift.DefaultSettings()),
		done:      make(chan struct{}),
		log:       logrus.WithField("component", "router"),
	}

	sender, err := r.buildSender()
	if err != nil {
		r.clock.Stop()
		return nil, err
	}
	r.sender = sender

	for _, lc := range cfg.Listeners {
		framing, err := framingFor(lc.Framing)
		if err != nil {
			r.clock.Stop()
			return nil, err
		}
		recv, err := receiver.New(receiver.Config{
			Port:          lc.Port,
			Framing:       framing,
			ChunkBytes:    cfg.ChunkBytes,
			Timeshift:     r.timeshift,
			Notifications: r.queue,
			Clock:         r.clock,
			ClockPaced:    lc.ClockPaced,
		})
		if err != nil {
			r.clock.Stop()
			return nil, err
		}
		r.receivers = append(r.receivers, recv)
	}
	return r, nil
}

func (r *Router) buildSender() (playback.Sender, error) {
	pcfg := playback.Config{
		DeviceTag:     r.cfg.DeviceTag,
		Format:        r.cfg.Format,
		TargetLatency: r.cfg.TargetLatency,
		Controller:    r.cfg.Controller,
		// The commanded rate flows upstream: the timeshift stage
		// stamps it onto chunks for the mixer's resampler.
		OnRate: r.timeshift.SetPlaybackRate,
	}
	switch r.cfg.Backend {
	case "", "oto":
		return playback.NewOtoSender(pcfg), nil
	case "portaudio":
		return playback.NewPortAudioSender(pcfg), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("app: unknown playback backend %q", r.cfg.Backend)
	}
}

func framingFor(name string) (receiver.Framing, error) {
	switch name {
	case "", "raw":
		return receiver.RawFraming{}, nil
	case "rtp":
		return receiver.RTPFraming{}, nil
	case "process":
		return receiver.PerProcessFraming{}, nil
	default:
		return nil, fmt.Errorf("app: unknown framing %q", name)
	}
}

// Start brings the pipeline up: playback first so chunks have
// somewhere to go, then the writer, then ingest.
func (r *Router) Start() error {
	if r.sender != nil {
		if !r.sender.Setup() {
			return fmt.Errorf("app: playback setup failed")
		}
		go r.writeLoop()
	}

	started := 0
	for _, recv := range r.receivers {
		if err := recv.Start(); err != nil {
			r.log.WithError(err).Error("listener failed to start")
			continue
		}
		started++
	}
	if len(r.receivers) > 0 && started == 0 {
		return fmt.Errorf("app: no listener could start")
	}

	go r.logDiscoveries()
	r.log.WithField("listeners", started).Info("router started")
	return nil
}

// writeLoop drains the timeshift buffer into the playback sender.
func (r *Router) writeLoop() {
	for {
		select {
		case <-r.done:
			return
		case pkt := <-r.timeshift.Output():
			if pkt.Sentinel {
				continue
			}
			r.sender.SendPayload(pkt.Data, pkt.SSRCs)
		}
	}
}

func (r *Router) logDiscoveries() {
	for {
		select {
		case <-r.done:
			return
		case n := <-r.queue.Events():
			r.log.WithFields(logrus.Fields{
				"tag":       n.Tag,
				"direction": n.Direction,
				"is_new":    n.IsNew,
			}).Info("stream endpoint observed")
		}
	}
}

// Stop tears the pipeline down in reverse order of Start. Idempotent.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		for _, recv := range r.receivers {
			recv.Stop()
		}
		close(r.done)
		if r.sender != nil {
			r.sender.Close()
		}
		r.clock.Stop()
		r.log.Info("router stopped")
	})
}

// PlaybackRate returns the current corrective playback rate.
func (r *Router) PlaybackRate() float64 {
	return r.timeshift.PlaybackRate()
}
