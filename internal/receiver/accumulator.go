// ABOUTME: Per-source jitter accumulator turning fragments into fixed chunks
// ABOUTME: Ring buffer with arrival-time provenance and a rolling RTP cursor
package receiver

import (
	"time"

	"github.com/AudioRelay-Project/audiorelay-go/internal/audio"
)

// byteRing is a growable byte ring buffer.
type byteRing struct {
	data []byte
	head int
	size int
}

func (r *byteRing) Len() int { return r.size }

func (r *byteRing) Reset() {
	r.head = 0
	r.size = 0
}

func (r *byteRing) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	need := r.size + len(p)
	if need > len(r.data) {
		capacity := len(r.data) * 2
		if capacity < need {
			capacity = need
		}
		grown := make([]byte, capacity)
		r.readInto(grown[:r.size])
		r.data = grown
		r.head = 0
	}
	tail := (r.head + r.size) % len(r.data)
	n := copy(r.data[tail:], p)
	copy(r.data, p[n:])
	r.size += len(p)
}

// Read pops exactly len(p) bytes; callers check Len first.
func (r *byteRing) Read(p []byte) {
	r.readInto(p)
	r.head = (r.head + len(p)) % len(r.data)
	r.size -= len(p)
	if r.size == 0 {
		r.head = 0
	}
}

func (r *byteRing) readInto(p []byte) {
	if len(p) == 0 {
		return
	}
	n := copy(p, r.data[r.head:])
	copy(p[n:], r.data)
}

// contribution records when a run of appended bytes arrived, so an
// emitted chunk can be stamped with its earliest constituent's time.
type contribution struct {
	bytes int
	at    time.Time
}

// sourceAccumulator absorbs arbitrarily fragmented payloads for one
// source tag and re-emits exact chunkBytes-sized chunks. Chunk
// boundaries are independent of arriving packet sizes.
type sourceAccumulator struct {
	tag        string
	format     audio.Format
	chunkBytes int

	ring     byteRing
	contribs []contribution

	// Rolling RTP cursor anchored to the first packet's timestamp.
	rtpCursor uint32
	rtpValid  bool

	ssrcs []uint32
}

func newSourceAccumulator(tag string, format audio.Format, chunkBytes int) *sourceAccumulator {
	return &sourceAccumulator{tag: tag, format: format, chunkBytes: chunkBytes}
}

// reset clears all buffered state. Called on creation and whenever the
// stream's format or target chunk size changes, so no chunk ever mixes
// incompatible frames.
func (a *sourceAccumulator) reset(format audio.Format, chunkBytes int) {
	a.format = format
	a.chunkBytes = chunkBytes
	a.ring.Reset()
	a.contribs = a.contribs[:0]
	a.rtpValid = false
	a.ssrcs = nil
}

// push appends a packet's payload and emits every completed chunk.
func (a *sourceAccumulator) push(pkt *audio.TaggedPacket, chunkBytes int, emit func(audio.TaggedPacket)) {
	if !pkt.Format.SameStream(a.format) || chunkBytes != a.chunkBytes {
		a.reset(pkt.Format, chunkBytes)
	}
	if pkt.HasRTP && !a.rtpValid {
		a.rtpCursor = pkt.RTPTimestamp
		a.rtpValid = true
	}
	if len(pkt.SSRCs) > 0 {
		a.ssrcs = pkt.SSRCs
	}

	a.ring.Write(pkt.Data)
	a.contribs = append(a.contribs, contribution{bytes: len(pkt.Data), at: pkt.ReceivedAt})

	for a.ring.Len() >= a.chunkBytes {
		emit(a.popChunk())
	}
}

// popChunk removes one chunk and attributes its arrival time to the
// earliest contributing packet.
func (a *sourceAccumulator) popChunk() audio.TaggedPacket {
	data := make([]byte, a.chunkBytes)
	a.ring.Read(data)

	receivedAt := a.consumeContributions(a.chunkBytes)

	out := audio.TaggedPacket{
		SourceTag:    a.tag,
		Data:         data,
		Format:       a.format,
		ReceivedAt:   receivedAt,
		SSRCs:        a.ssrcs,
		PlaybackRate: 1.0,
	}
	if a.rtpValid {
		out.RTPTimestamp = a.rtpCursor
		out.HasRTP = true
		a.rtpCursor += uint32(a.framesPerChunk())
	}
	return out
}

// consumeContributions accounts n popped bytes against the FIFO of
// contribution records and returns the earliest arrival among them.
func (a *sourceAccumulator) consumeContributions(n int) time.Time {
	var at time.Time
	if len(a.contribs) > 0 {
		at = a.contribs[0].at
	}
	for n > 0 && len(a.contribs) > 0 {
		c := &a.contribs[0]
		take := c.bytes
		if take > n {
			take = n
		}
		c.bytes -= take
		n -= take
		if c.bytes == 0 {
			a.contribs = a.contribs[1:]
		}
	}
	return at
}

func (a *sourceAccumulator) framesPerChunk() int {
	bpf := a.format.BytesPerFrame()
	if bpf <= 0 {
		return 0
	}
	return a.chunkBytes / bpf
}

// backlog reports buffered bytes and their playback duration.
func (a *sourceAccumulator) backlog() (int, time.Duration) {
	n := a.ring.Len()
	return n, audio.DurationAt(a.format, n)
}
