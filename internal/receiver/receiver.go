// ABOUTME: UDP network audio receiver with per-source accumulation
// ABOUTME: Validates framing, chunks payloads, and feeds the timeshift stage
package receiver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/AudioRelay-Project/audiorelay-go/internal/audio"
	"github.com/AudioRelay-Project/audiorelay-go/internal/clock"
	"github.com/AudioRelay-Project/audiorelay-go/internal/discovery"
	"github.com/AudioRelay-Project/audiorelay-go/internal/timeshift"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// readTimeout bounds each socket wait so Stop is observed promptly.
	readTimeout = 250 * time.Millisecond

	// telemetryInterval spaces the periodic backlog summaries.
	telemetryInterval = 30 * time.Second

	// transientBackoff spaces retries after persistent socket errors.
	transientBackoff = 10 * time.Millisecond

	// recvBufferChunks sizes the socket receive buffer in chunks.
	recvBufferChunks = 100
)

// ErrAlreadyRunning is returned by Start on a running receiver.
var ErrAlreadyRunning = errors.New("receiver: already running")

// Config holds receiver construction parameters.
type Config struct {
	// Port is the UDP port to bind.
	Port int
	// Framing parses the protocol-specific datagram layout. Required.
	Framing Framing
	// ChunkBytes is the emitted chunk size. Defaults to clock.DefaultChunkBytes.
	ChunkBytes int
	// Timeshift consumes completed chunks. A nil consumer logs and drops.
	Timeshift timeshift.Consumer
	// Notifications receives first-seen source events. Optional.
	Notifications *discovery.Queue
	// Clock drives clock-paced dispatch. Required when ClockPaced.
	Clock *clock.Manager
	// ClockPaced emits chunks on format ticks instead of packet arrival.
	ClockPaced bool
}

// Receiver owns one UDP socket and its receive goroutine.
type Receiver struct {
	cfg Config
	id  uuid.UUID
	log *logrus.Entry

	mu           sync.Mutex
	conn         *net.UDPConn
	running      bool
	accumulators map[string]*sourceAccumulator
	streams      map[string]*clockStream
	handles      map[string]*clock.Handle

	wg            sync.WaitGroup
	lastTelemetry time.Time
}

// New creates a receiver. Start must be called before packets flow.
func New(cfg Config) (*Receiver, error) {
	if cfg.Framing == nil {
		return nil, errors.New("receiver: framing is required")
	}
	if cfg.ClockPaced && cfg.Clock == nil {
		return nil, errors.New("receiver: clock-paced dispatch requires a clock manager")
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = clock.DefaultChunkBytes
	}
	id := uuid.New()
	return &Receiver{
		cfg:          cfg,
		id:           id,
		log:          logrus.WithFields(logrus.Fields{"component": "receiver", "port": cfg.Port}),
		accumulators: make(map[string]*sourceAccumulator),
		streams:      make(map[string]*clockStream),
		handles:      make(map[string]*clock.Handle),
	}, nil
}

// ID returns the receiver's instance id used in discovery events.
func (r *Receiver) ID() uuid.UUID { return r.id }

// LocalAddr returns the bound address, or nil before Start.
func (r *Receiver) LocalAddr() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	addr, _ := r.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Start binds the socket and spawns the receive goroutine. Idempotent;
// a bind failure means the receiver simply does not start.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: r.cfg.Port})
	if err != nil {
		r.log.WithError(err).Error("failed to bind receive socket")
		return fmt.Errorf("receiver: bind port %d: %w", r.cfg.Port, err)
	}
	if err := conn.SetReadBuffer(recvBufferChunks * r.cfg.ChunkBytes); err != nil {
		r.log.WithError(err).Warn("could not size socket receive buffer")
	}

	r.conn = conn
	r.running = true
	r.lastTelemetry = time.Now()
	r.wg.Add(1)
	go r.receiveLoop(conn)

	r.log.WithField("chunk_bytes", r.cfg.ChunkBytes).Info("receiver started")
	return nil
}

// Stop closes the socket to unblock a pending read, joins the receive
// goroutine, and flushes a sentinel per live source. Idempotent.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	conn.Close()
	r.wg.Wait()

	r.mu.Lock()
	streams := r.streams
	handles := r.handles
	accs := r.accumulators
	r.streams = make(map[string]*clockStream)
	r.handles = make(map[string]*clock.Handle)
	r.accumulators = make(map[string]*sourceAccumulator)
	r.mu.Unlock()

	for _, s := range streams {
		s.stop()
	}
	for _, h := range handles {
		r.cfg.Clock.Unregister(h)
	}
	for tag, acc := range accs {
		r.deliver(audio.TaggedPacket{
			SourceTag:  tag,
			Format:     acc.format,
			ReceivedAt: time.Now(),
			Sentinel:   true,
		})
	}
	r.log.Info("receiver stopped")
}

func (r *Receiver) receiveLoop(conn *net.UDPConn) {
	defer r.wg.Done()
	// One byte over the limit so a kernel-truncated oversized datagram
	// is detectable instead of sliding a partial payload into the
	// accumulator.
	buf := make([]byte, maxDatagram+1)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				r.maybeLogTelemetry()
				continue
			}
			r.log.WithError(err).Warn("transient receive error")
			time.Sleep(transientBackoff)
			continue
		}

		now := time.Now()
		if n > maxDatagram {
			r.log.WithFields(logrus.Fields{
				"bytes": n,
				"from":  addr.String(),
			}).Warn("dropping oversized datagram")
			continue
		}
		if !r.cfg.Framing.ValidateStructure(buf[:n]) {
			continue
		}
		pkt, ok := r.cfg.Framing.ParsePayload(buf[:n], addr, now)
		if !ok {
			continue
		}

		if r.cfg.Notifications != nil {
			if r.cfg.Notifications.Observe(pkt.SourceTag, discovery.DirectionSource, r.id) {
				r.log.WithField("source_tag", pkt.SourceTag).Info("new source discovered")
			}
		}

		r.dispatchReadyPacket(&pkt)
		r.maybeLogTelemetry()
	}
}

// dispatchReadyPacket routes a parsed packet through accumulation and
// on to delivery, arrival-paced or clock-paced per configuration.
func (r *Receiver) dispatchReadyPacket(pkt *audio.TaggedPacket) {
	r.mu.Lock()
	acc := r.accumulators[pkt.SourceTag]
	if acc == nil {
		acc = newSourceAccumulator(pkt.SourceTag, pkt.Format, r.cfg.ChunkBytes)
		r.accumulators[pkt.SourceTag] = acc
	}

	emit := r.deliver
	if r.cfg.ClockPaced {
		stream, err := r.streamFor(pkt.SourceTag, pkt.Format)
		if err != nil {
			r.mu.Unlock()
			r.log.WithError(err).WithField("source_tag", pkt.SourceTag).
				Error("failed to establish clock pacing, dropping packet")
			return
		}
		emit = stream.enqueue
	}
	acc.push(pkt, r.cfg.ChunkBytes, emit)
	r.mu.Unlock()
}

// streamFor returns the tag's clock-paced state, re-registering with
// the clock whenever the stream's format changes. Caller holds r.mu.
func (r *Receiver) streamFor(tag string, format audio.Format) (*clockStream, error) {
	stream := r.streams[tag]
	if stream != nil && stream.format.SameStream(format) {
		return stream, nil
	}
	if stream != nil {
		// Format changed: tear down pacing and start over.
		old := r.handles[tag]
		delete(r.streams, tag)
		delete(r.handles, tag)
		go func() {
			stream.stop()
			r.cfg.Clock.Unregister(old)
		}()
	}

	handle, err := r.cfg.Clock.Register(format.SampleRate, format.Channels, format.BitDepth)
	if err != nil {
		return nil, err
	}
	maxPending := timeshift.DefaultSettings().MaxPendingChunks
	if r.cfg.Timeshift != nil {
		if n := r.cfg.Timeshift.Settings().MaxPendingChunks; n > 0 {
			maxPending = n
		}
	}
	stream = newClockStream(tag, format, r.cfg.ChunkBytes, maxPending, handle, r.deliver, r.log)
	r.streams[tag] = stream
	r.handles[tag] = handle
	return stream, nil
}

// deliver hands one completed chunk downstream. A missing consumer
// drops rather than crashes.
func (r *Receiver) deliver(pkt audio.TaggedPacket) {
	if r.cfg.Timeshift == nil {
		r.log.WithField("source_tag", pkt.SourceTag).
			Debug("no timeshift consumer configured, dropping chunk")
		return
	}
	r.cfg.Timeshift.AddPacket(pkt)
}

// maybeLogTelemetry summarizes jitter-buffer health roughly every 30s
// without logging per packet.
func (r *Receiver) maybeLogTelemetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if now.Sub(r.lastTelemetry) < telemetryInterval {
		return
	}
	r.lastTelemetry = now

	for tag, acc := range r.accumulators {
		bytes, backlog := acc.backlog()
		r.log.WithFields(logrus.Fields{
			"source_tag":     tag,
			"buffered_bytes": bytes,
			"backlog_ms":     backlog.Milliseconds(),
		}).Info("accumulator backlog")
	}
	for tag, stream := range r.streams {
		depth, backlog := stream.pendingDepth()
		r.log.WithFields(logrus.Fields{
			"source_tag":     tag,
			"pending_chunks": depth,
			"backlog_ms":     backlog.Milliseconds(),
		}).Info("clock-paced stream depth")
	}
}
