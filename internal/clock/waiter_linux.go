// ABOUTME: Linux tick waiter built on timerfd and eventfd
// ABOUTME: Multiplexes the deadline and the wake signal through poll
//go:build linux

package clock

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// fdWaiter waits on a CLOCK_MONOTONIC timerfd and an eventfd with a
// single poll, so both the deadline and a notify wake it without any
// polling interval.
type fdWaiter struct {
	timerFD int
	eventFD int
	closed  atomic.Bool

	// mu serializes eventfd writes against release, so a late Notify
	// cannot hit a closed or reused descriptor.
	mu       sync.Mutex
	released bool
}

func newPlatformWaiter() (TickWaiter, error) {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(tfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &fdWaiter{timerFD: tfd, eventFD: efd}, nil
}

func (w *fdWaiter) Arm(deadline time.Time, armed bool) error {
	var spec unix.ItimerSpec
	if armed {
		until := time.Until(deadline)
		if until < time.Nanosecond {
			until = time.Nanosecond
		}
		spec.Value = unix.NsecToTimespec(until.Nanoseconds())
	}
	// Zero spec disarms the timer.
	if err := unix.TimerfdSettime(w.timerFD, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	return nil
}

func (w *fdWaiter) Wait() (WaitResult, error) {
	fds := []unix.PollFd{
		{Fd: int32(w.timerFD), Events: unix.POLLIN},
		{Fd: int32(w.eventFD), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return Stopped, fmt.Errorf("poll: %w", err)
		}
		break
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		drainFD(w.eventFD)
		if w.closed.Load() {
			return Stopped, nil
		}
		return Notified, nil
	}
	if fds[0].Revents&unix.POLLIN != 0 {
		drainFD(w.timerFD)
		return TimerFired, nil
	}
	return Notified, nil
}

func (w *fdWaiter) Notify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(w.eventFD, buf[:])
}

func (w *fdWaiter) Close() error {
	if w.closed.CompareAndSwap(false, true) {
		w.Notify()
	}
	return nil
}

// release closes the descriptors once the worker has exited.
func (w *fdWaiter) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released = true
	unix.Close(w.timerFD)
	unix.Close(w.eventFD)
}

func drainFD(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}
