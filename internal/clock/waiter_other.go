// ABOUTME: Fallback waiter selection for platforms without a native backend
//go:build !linux && !windows

package clock

func newPlatformWaiter() (TickWaiter, error) {
	return newTimerWaiter(), nil
}
