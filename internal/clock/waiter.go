// ABOUTME: Deadline-wait seam for the tick scheduler
// ABOUTME: Portable timer implementation plus the platform backend interface
package clock

import (
	"sync/atomic"
	"time"
)

// WaitResult tells the scheduler why a wait ended.
type WaitResult int

const (
	// TimerFired means the armed deadline elapsed.
	TimerFired WaitResult = iota
	// Notified means Notify was called (registration change or spurious wake).
	Notified
	// Stopped means the waiter was closed.
	Stopped
)

// TickWaiter is the blocking primitive the scheduler worker parks on.
// Arm and Wait are called only from the worker goroutine; Notify and
// Close may be called from any goroutine.
type TickWaiter interface {
	// Arm sets the next deadline. armed=false parks the waiter
	// indefinitely until Notify or Close.
	Arm(deadline time.Time, armed bool) error
	Wait() (WaitResult, error)
	Notify()
	Close() error
}

// timerWaiter is the portable fallback built on a monotonic time.Timer.
// It is also used directly by tests so they run the same on every OS.
type timerWaiter struct {
	timer    *time.Timer
	notifyCh chan struct{}
	closeCh  chan struct{}
	closed   atomic.Bool
	armed    bool
}

func newTimerWaiter() *timerWaiter {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return &timerWaiter{
		timer:    t,
		notifyCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

func (w *timerWaiter) Arm(deadline time.Time, armed bool) error {
	if w.armed {
		if !w.timer.Stop() {
			select {
			case <-w.timer.C:
			default:
			}
		}
	}
	w.armed = armed
	if armed {
		until := time.Until(deadline)
		if until < time.Nanosecond {
			until = time.Nanosecond
		}
		w.timer.Reset(until)
	}
	return nil
}

func (w *timerWaiter) Wait() (WaitResult, error) {
	if w.armed {
		select {
		case <-w.timer.C:
			w.armed = false
			return TimerFired, nil
		case <-w.notifyCh:
			return Notified, nil
		case <-w.closeCh:
			return Stopped, nil
		}
	}
	select {
	case <-w.notifyCh:
		return Notified, nil
	case <-w.closeCh:
		return Stopped, nil
	}
}

func (w *timerWaiter) Notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *timerWaiter) Close() error {
	if w.closed.CompareAndSwap(false, true) {
		close(w.closeCh)
	}
	return nil
}
