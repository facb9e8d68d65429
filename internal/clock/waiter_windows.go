// ABOUTME: Windows tick waiter built on a waitable timer and an event object
// ABOUTME: Multiplexes the deadline and the wake signal through WaitForMultipleObjects
//go:build windows

package clock

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/windows"
)

// eventWaiter arms a high-resolution waitable timer for the deadline
// and multi-waits on {timer, event}. Notify and Close both signal the
// event; a closed flag distinguishes the two.
type eventWaiter struct {
	timer  windows.Handle
	event  windows.Handle
	armed  bool
	closed atomic.Bool

	// mu serializes event signals against release, so a late Notify
	// cannot hit a closed or reused handle.
	mu       sync.Mutex
	released bool
}

func newPlatformWaiter() (TickWaiter, error) {
	timer, err := windows.CreateWaitableTimerEx(nil, nil,
		windows.CREATE_WAITABLE_TIMER_HIGH_RESOLUTION, windows.TIMER_ALL_ACCESS)
	if err != nil {
		// Pre-1803 systems lack the high-resolution flag.
		timer, err = windows.CreateWaitableTimerEx(nil, nil, 0, windows.TIMER_ALL_ACCESS)
	}
	if err != nil {
		return nil, fmt.Errorf("CreateWaitableTimerEx: %w", err)
	}

	// Auto-reset so one wake consumes one signal.
	event, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		windows.CloseHandle(timer)
		return nil, fmt.Errorf("CreateEvent: %w", err)
	}
	return &eventWaiter{timer: timer, event: event}, nil
}

func (w *eventWaiter) Arm(deadline time.Time, armed bool) error {
	w.armed = armed
	if !armed {
		if err := windows.CancelWaitableTimer(w.timer); err != nil {
			return fmt.Errorf("CancelWaitableTimer: %w", err)
		}
		return nil
	}
	// Negative due time is relative, in 100ns units.
	due := -(time.Until(deadline).Nanoseconds() / 100)
	if due >= 0 {
		due = -1
	}
	if err := windows.SetWaitableTimer(w.timer, &due, 0, 0, 0, false); err != nil {
		return fmt.Errorf("SetWaitableTimer: %w", err)
	}
	return nil
}

func (w *eventWaiter) Wait() (WaitResult, error) {
	if !w.armed {
		// Parked: only the event can wake us.
		ev, err := windows.WaitForSingleObject(w.event, windows.INFINITE)
		if err != nil || ev != windows.WAIT_OBJECT_0 {
			return Stopped, fmt.Errorf("WaitForSingleObject: %w", err)
		}
		if w.closed.Load() {
			return Stopped, nil
		}
		return Notified, nil
	}

	ev, err := windows.WaitForMultipleObjects(
		[]windows.Handle{w.timer, w.event}, false, windows.INFINITE)
	if err != nil {
		return Stopped, fmt.Errorf("WaitForMultipleObjects: %w", err)
	}
	switch ev {
	case windows.WAIT_OBJECT_0:
		w.armed = false
		return TimerFired, nil
	case windows.WAIT_OBJECT_0 + 1:
		if w.closed.Load() {
			return Stopped, nil
		}
		return Notified, nil
	default:
		return Stopped, fmt.Errorf("WaitForMultipleObjects: unexpected status %#x", ev)
	}
}

func (w *eventWaiter) Notify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released || w.closed.Load() {
		return
	}
	windows.SetEvent(w.event)
}

func (w *eventWaiter) Close() error {
	if w.closed.CompareAndSwap(false, true) {
		w.mu.Lock()
		windows.SetEvent(w.event)
		w.mu.Unlock()
	}
	return nil
}

func (w *eventWaiter) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released = true
	windows.CloseHandle(w.timer)
	windows.CloseHandle(w.event)
}
