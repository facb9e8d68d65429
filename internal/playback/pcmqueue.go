// ABOUTME: Lock-guarded PCM byte queue backing the oto player
// ABOUTME: Feeds silence on empty reads and counts them as underruns
package playback

import (
	"errors"
	"sync"
)

var errQueueClosed = errors.New("playback: pcm queue closed")

// pcmQueue is the io.Reader the oto player drains. Writes come from
// SendPayload; when the queue runs dry the reader substitutes silence
// so the device keeps running, and the starvation is counted so the
// sender can treat it as an underrun.
type pcmQueue struct {
	mu        sync.Mutex
	buf       []byte
	closed    bool
	underruns uint64
}

func newPCMQueue() *pcmQueue {
	return &pcmQueue{}
}

// Read never blocks: a dry queue yields silence. Blocking here would
// stall oto's mixer goroutine and guarantee an audible glitch.
func (q *pcmQueue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed && len(q.buf) == 0 {
		return 0, errQueueClosed
	}
	n := copy(p, q.buf)
	q.buf = q.buf[n:]
	if n < len(p) {
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		if !q.closed {
			q.underruns++
		}
		n = len(p)
	}
	return n, nil
}

func (q *pcmQueue) Write(p []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.buf = append(q.buf, p...)
}

func (q *pcmQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Underruns returns the cumulative count of silence-filled reads.
func (q *pcmQueue) Underruns() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.underruns
}

// Drop discards all queued bytes, e.g. when re-priming after a glitch.
func (q *pcmQueue) Drop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = nil
}

func (q *pcmQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
