// ABOUTME: Bounded queue of source discovery notifications
// ABOUTME: Raises one event the first time a receiver observes a source tag
package discovery

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Direction tells which side of the pipeline observed the tag.
type Direction string

const (
	DirectionSource Direction = "source"
	DirectionSink   Direction = "sink"
)

// Notification describes one observed stream endpoint.
type Notification struct {
	Tag        string
	Direction  Direction
	IsNew      bool
	ReceiverID uuid.UUID
	At         time.Time
}

// Queue is a bounded notification channel consumed by an external
// discovery/UI layer. Publishing never blocks the observer.
type Queue struct {
	mu   sync.Mutex
	seen map[string]bool
	ch   chan Notification
	log  *logrus.Entry
}

// NewQueue creates a queue holding at most depth pending notifications.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = 64
	}
	return &Queue{
		seen: make(map[string]bool),
		ch:   make(chan Notification, depth),
		log:  logrus.WithField("component", "discovery"),
	}
}

// Observe records a tag sighting. The first sighting of a tag by a
// given receiver publishes a notification with IsNew set; repeats are
// silent. Returns whether the sighting was the first.
func (q *Queue) Observe(tag string, dir Direction, receiverID uuid.UUID) bool {
	key := receiverID.String() + "/" + tag
	q.mu.Lock()
	if q.seen[key] {
		q.mu.Unlock()
		return false
	}
	q.seen[key] = true
	q.mu.Unlock()

	q.publish(Notification{
		Tag:        tag,
		Direction:  dir,
		IsNew:      true,
		ReceiverID: receiverID,
		At:         time.Now(),
	})
	return true
}

// publish enqueues without blocking; a full queue drops the event.
func (q *Queue) publish(n Notification) {
	select {
	case q.ch <- n:
	default:
		q.log.WithFields(logrus.Fields{
			"tag":       n.Tag,
			"direction": n.Direction,
		}).Warn("notification queue full, dropping event")
	}
}

// Events returns the consumer side of the queue.
func (q *Queue) Events() <-chan Notification {
	return q.ch
}
