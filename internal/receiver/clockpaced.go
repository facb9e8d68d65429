// ABOUTME: Clock-paced per-source dispatch for the network receiver
// ABOUTME: Emits exactly one chunk per tick, synthesizing silence on drought
package receiver

import (
	"sync"
	"time"

	"github.com/AudioRelay-Project/audiorelay-go/internal/audio"
	"github.com/AudioRelay-Project/audiorelay-go/internal/clock"
	"github.com/sirupsen/logrus"
)

// clockStream paces one source off the shared format tick instead of
// packet arrival. Completed chunks queue up; every tick pops one, or
// synthesizes a silence chunk so downstream pacing never stalls or
// runs ahead of the declared sample rate.
type clockStream struct {
	tag             string
	format          audio.Format
	chunkBytes      int
	framesPerChunk  int
	maxPending      int
	handle          *clock.Handle
	lastSeq         uint64
	nextRTP         uint32
	rtpValid        bool
	ssrcs           []uint32

	mu      sync.Mutex
	pending []audio.TaggedPacket
	dropped uint64

	deliver func(audio.TaggedPacket)
	log     *logrus.Entry
	done    chan struct{}
	wg      sync.WaitGroup
}

func newClockStream(tag string, format audio.Format, chunkBytes, maxPending int,
	handle *clock.Handle, deliver func(audio.TaggedPacket), log *logrus.Entry) *clockStream {
	s := &clockStream{
		tag:            tag,
		format:         format,
		chunkBytes:     chunkBytes,
		framesPerChunk: chunkBytes / format.BytesPerFrame(),
		maxPending:     maxPending,
		handle:         handle,
		lastSeq:        handle.Condition().Seq(),
		deliver:        deliver,
		log:            log.WithField("source_tag", tag),
		done:           make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// enqueue buffers one completed chunk for the next tick. Overflow
// drops the oldest chunk so the receive thread never blocks.
func (s *clockStream) enqueue(pkt audio.TaggedPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rtpValid && pkt.HasRTP {
		s.nextRTP = pkt.RTPTimestamp
		s.rtpValid = true
	}
	if len(pkt.SSRCs) > 0 {
		s.ssrcs = pkt.SSRCs
	}
	if len(s.pending) >= s.maxPending {
		s.pending = s.pending[1:]
		s.dropped++
		if s.dropped%100 == 1 {
			s.log.WithField("total_dropped", s.dropped).
				Warn("pending queue full, dropping oldest chunk")
		}
	}
	s.pending = append(s.pending, pkt)
}

func (s *clockStream) run() {
	defer s.wg.Done()
	cond := s.handle.Condition()
	for {
		select {
		case <-s.done:
			return
		case <-cond.Ticks():
		}
		seq := cond.Seq()
		// Coalesced wakes surface as a delta; emit one chunk per
		// elapsed tick so downstream pacing stays exact.
		for ; s.lastSeq < seq; s.lastSeq++ {
			s.handleTick()
		}
	}
}

// handleTick emits exactly one chunk: a queued one if available,
// otherwise synthesized silence of the expected size.
func (s *clockStream) handleTick() {
	now := time.Now()

	s.mu.Lock()
	var pkt audio.TaggedPacket
	if len(s.pending) > 0 {
		pkt = s.pending[0]
		s.pending = s.pending[1:]
	} else {
		pkt = audio.TaggedPacket{
			SourceTag:    s.tag,
			Data:         make([]byte, s.chunkBytes),
			Format:       s.format,
			SSRCs:        s.ssrcs,
			PlaybackRate: 1.0,
		}
	}
	pkt.ReceivedAt = now
	pkt.RTPTimestamp = s.nextRTP
	pkt.HasRTP = true
	s.nextRTP += uint32(s.framesPerChunk)
	s.mu.Unlock()

	s.deliver(pkt)
}

// pendingDepth reports queued chunks and their playback duration.
func (s *clockStream) pendingDepth() (int, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	return n, audio.DurationAt(s.format, n*s.chunkBytes)
}

// stop tears down the tick goroutine. The clock registration is
// released by the receiver that owns the stream.
func (s *clockStream) stop() {
	close(s.done)
	s.wg.Wait()
}
