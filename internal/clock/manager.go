// ABOUTME: Process-wide tick scheduler keyed by sample format
// ABOUTME: Wakes registered stream consumers at chunk-accurate intervals
package clock

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/sirupsen/logrus"
)

// DefaultChunkBytes is the chunk size the tick period is derived from
// when the configuration does not override it.
const DefaultChunkBytes = 1152

var (
	// ErrInvalidFormat is returned for formats no period can be derived from.
	ErrInvalidFormat = errors.New("clock: invalid sample format")
	// ErrStopped is returned when registering after Stop has begun.
	ErrStopped = errors.New("clock: manager stopped")
)

// Key identifies one tick group. All streams sharing a sample format
// share one periodic tick.
type Key struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Condition is the wake primitive shared between the manager and one
// registrant. Consumers poll Seq against their own last-seen value;
// the channel only signals that the sequence changed, so a consumer
// that slept through several ticks observes them as a single wake
// with a sequence delta greater than one, never a lost tick.
type Condition struct {
	seq    atomic.Uint64
	notify chan struct{}
}

func newCondition() *Condition {
	return &Condition{notify: make(chan struct{}, 1)}
}

// Seq returns the current tick sequence for this registrant.
func (c *Condition) Seq() uint64 {
	return c.seq.Load()
}

// Ticks returns the wake channel. It is signalled at most once per
// pending sequence change.
func (c *Condition) Ticks() <-chan struct{} {
	return c.notify
}

func (c *Condition) fire(n uint64) {
	c.seq.Add(n)
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Handle is a registrant's capability to observe ticks and to
// unregister. The handle keeps the Condition alive; the manager only
// holds a weak view, so dropping the handle without unregistering
// retires the registration safely.
type Handle struct {
	key  Key
	id   uint64
	cond *Condition
}

// Key returns the tick group this handle belongs to.
func (h *Handle) Key() Key { return h.key }

// Condition returns the shared wake primitive.
func (h *Handle) Condition() *Condition { return h.cond }

type registrant struct {
	id     uint64
	ref    weak.Pointer[Condition]
	active bool
}

type group struct {
	period   time.Duration
	nextFire time.Time
	regs     []*registrant
}

// Config holds ClockManager tunables.
type Config struct {
	// ChunkBytes is the chunk size the per-format tick period is
	// derived from. Defaults to DefaultChunkBytes.
	ChunkBytes int
	// PortableTimer forces the portable timer backend instead of the
	// native one.
	PortableTimer bool
}

// Manager owns one worker goroutine that fires shared periodic ticks
// for every registered sample-format group.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	groups  map[Key]*group
	nextID  uint64
	waiter  TickWaiter
	stopped bool
	wg      sync.WaitGroup
	log     *logrus.Entry
}

// resourceReleaser is implemented by waiters holding OS resources
// that must outlive the worker's last Wait before being freed.
type resourceReleaser interface {
	release()
}

// NewManager creates a manager and starts its worker.
func NewManager(cfg Config) *Manager {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = DefaultChunkBytes
	}
	log := logrus.WithField("component", "clock_manager")

	var waiter TickWaiter
	if cfg.PortableTimer {
		waiter = newTimerWaiter()
	} else {
		w, err := newPlatformWaiter()
		if err != nil {
			log.WithError(err).Warn("native timer unavailable, using portable timer")
			w = newTimerWaiter()
		}
		waiter = w
	}

	m := &Manager{
		cfg:    cfg,
		groups: make(map[Key]*group),
		waiter: waiter,
		log:    log,
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// CalculatePeriod derives the tick period for one chunk of chunkBytes
// in the given format. The result is always at least one nanosecond.
func CalculatePeriod(chunkBytes int, key Key) (time.Duration, error) {
	if chunkBytes <= 0 || key.SampleRate <= 0 || key.Channels <= 0 ||
		key.BitDepth <= 0 || key.BitDepth%8 != 0 {
		return 0, ErrInvalidFormat
	}
	bps := int64(key.SampleRate) * int64(key.Channels) * int64(key.BitDepth/8)
	period := time.Duration(int64(chunkBytes) * int64(time.Second) / bps)
	if period < time.Nanosecond {
		period = time.Nanosecond
	}
	return period, nil
}

// Register adds a consumer to the tick group for the given format,
// creating the group if needed, and wakes the scheduler so a new
// short-period group is not starved by a stale long wait.
func (m *Manager) Register(sampleRate, channels, bitDepth int) (*Handle, error) {
	key := Key{SampleRate: sampleRate, Channels: channels, BitDepth: bitDepth}
	period, err := CalculatePeriod(m.cfg.ChunkBytes, key)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	g := m.groups[key]
	if g == nil {
		g = &group{period: period, nextFire: time.Now().Add(period)}
		m.groups[key] = g
	}
	m.nextID++
	id := m.nextID
	cond := newCondition()
	g.regs = append(g.regs, &registrant{id: id, ref: weak.Make(cond), active: true})
	m.mu.Unlock()

	m.waiter.Notify()
	m.log.WithFields(logrus.Fields{
		"sample_rate": sampleRate,
		"channels":    channels,
		"bit_depth":   bitDepth,
		"period":      period,
	}).Debug("registered tick consumer")
	return &Handle{key: key, id: id, cond: cond}, nil
}

// Unregister removes a registration. Nil, unknown, and repeated
// handles are ignored.
func (m *Manager) Unregister(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	g := m.groups[h.key]
	if g != nil {
		for i, reg := range g.regs {
			if reg.id == h.id {
				reg.active = false
				g.regs = append(g.regs[:i], g.regs[i+1:]...)
				break
			}
		}
		if len(g.regs) == 0 {
			delete(m.groups, h.key)
		}
	}
	stopped := m.stopped
	m.mu.Unlock()
	// The worker is gone after Stop; nothing left to wake.
	if !stopped {
		m.waiter.Notify()
	}
}

// GroupCount returns the number of live tick groups.
func (m *Manager) GroupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// Stop shuts down the worker. No registrations are accepted afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.waiter.Close()
	m.wg.Wait()
	if r, ok := m.waiter.(resourceReleaser); ok {
		r.release()
	}
}

type pendingFire struct {
	cond  *Condition
	ticks uint64
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		fired := m.collectDue(time.Now())
		deadline, armed := m.soonest()
		m.mu.Unlock()

		// Deliver with the lock released so a slow consumer cannot
		// stall registration or other groups.
		for _, f := range fired {
			f.cond.fire(f.ticks)
		}

		if err := m.waiter.Arm(deadline, armed); err != nil {
			m.log.WithError(err).Error("failed to arm tick timer")
			return
		}
		res, err := m.waiter.Wait()
		if err != nil {
			m.log.WithError(err).Error("tick wait failed")
			return
		}
		if res == Stopped {
			return
		}
	}
}

// collectDue prunes dead registrants, advances overdue groups by whole
// periods, and returns the conditions to fire. Caller holds m.mu.
func (m *Manager) collectDue(now time.Time) []pendingFire {
	var fired []pendingFire
	for key, g := range m.groups {
		live := g.regs[:0]
		for _, reg := range g.regs {
			if reg.active && reg.ref.Value() != nil {
				live = append(live, reg)
			}
		}
		g.regs = live
		if len(g.regs) == 0 {
			delete(m.groups, key)
			continue
		}
		if g.nextFire.After(now) {
			continue
		}
		// The worker may have been descheduled past one or more
		// periods; count every elapsed period so consumers see the
		// miss as a sequence delta rather than silence.
		late := now.Sub(g.nextFire)
		n := 1 + int64(late/g.period)
		g.nextFire = g.nextFire.Add(g.period * time.Duration(n))
		for _, reg := range g.regs {
			if cond := reg.ref.Value(); cond != nil {
				fired = append(fired, pendingFire{cond: cond, ticks: uint64(n)})
			}
		}
	}
	return fired
}

// soonest returns the earliest nextFire across groups. Caller holds m.mu.
func (m *Manager) soonest() (time.Time, bool) {
	var deadline time.Time
	armed := false
	for _, g := range m.groups {
		if !armed || g.nextFire.Before(deadline) {
			deadline = g.nextFire
			armed = true
		}
	}
	return deadline, armed
}
