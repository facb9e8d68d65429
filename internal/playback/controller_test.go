// ABOUTME: Tests for the drift controller
// ABOUTME: Covers convergence, clamping, slew limiting, and reset
package playback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runController(c *driftController, delay float64, steps int) []float64 {
	now := time.Now()
	rates := make([]float64, 0, steps)
	for i := 0; i < steps; i++ {
		now = now.Add(c.cfg.UpdateInterval)
		rate, _ := c.Update(delay, now)
		rates = append(rates, rate)
	}
	return rates
}

func TestConstantHighDelayDrivesRateToUpperClampAndHolds(t *testing.T) {
	c := newDriftController(ControllerConfig{}, 1920)

	// Queue held 2000 frames hot.
	rates := runController(c, 1920+2000, 400)

	for i := 1; i < len(rates); i++ {
		assert.GreaterOrEqual(t, rates[i], rates[i-1],
			"rate must approach the clamp monotonically")
	}
	upper := 1.0 + c.cfg.MaxRateOffset
	last := rates[len(rates)-1]
	assert.InDelta(t, upper, last, 1e-9)

	// Holding at the clamp, no oscillation.
	more := runController(c, 1920+2000, 50)
	for _, r := range more {
		assert.InDelta(t, upper, r, 1e-9)
	}
}

func TestConstantLowDelaySlowsPlayback(t *testing.T) {
	c := newDriftController(ControllerConfig{}, 1920)
	rates := runController(c, 100, 400)
	assert.Less(t, rates[len(rates)-1], 1.0)
	assert.GreaterOrEqual(t, rates[len(rates)-1], 1.0-c.cfg.MaxRateOffset)
}

func TestDelayAtTargetHoldsUnity(t *testing.T) {
	c := newDriftController(ControllerConfig{}, 1920)
	rates := runController(c, 1920, 20)
	for _, r := range rates {
		assert.InDelta(t, 1.0, r, 1e-9)
	}
}

func TestReturnToTargetConvergesBackToUnity(t *testing.T) {
	c := newDriftController(ControllerConfig{}, 1920)

	runController(c, 1920+2000, 200)
	require.Greater(t, c.Rate(), 1.0)

	// Integral leak pulls the command back to 1.0 once the error is gone.
	rates := runController(c, 1920, 20000)
	assert.InDelta(t, 1.0, rates[len(rates)-1], 1e-3)
}

func TestSlewRateLimited(t *testing.T) {
	c := newDriftController(ControllerConfig{}, 1920)

	now := time.Now()
	c.Update(1920, now) // prime
	prev := c.Rate()
	for i := 0; i < 50; i++ {
		now = now.Add(c.cfg.UpdateInterval)
		rate, updated := c.Update(1920+5000, now)
		require.True(t, updated)
		assert.LessOrEqual(t, rate-prev, c.cfg.MaxSlewPerUpdate+1e-12)
		prev = rate
	}
}

func TestUpdateIntervalGatesRecomputation(t *testing.T) {
	c := newDriftController(ControllerConfig{}, 1920)
	now := time.Now()
	c.Update(1920, now)

	_, updated := c.Update(4000, now.Add(time.Millisecond))
	assert.False(t, updated, "updates inside the interval only feed the filter")

	_, updated = c.Update(4000, now.Add(c.cfg.UpdateInterval+time.Millisecond))
	assert.True(t, updated)
}

func TestResetClearsStateAfterXrun(t *testing.T) {
	c := newDriftController(ControllerConfig{}, 1920)
	runController(c, 5000, 100)
	require.NotEqual(t, 1.0, c.Rate())

	c.Reset()
	assert.InDelta(t, 1.0, c.Rate(), 1e-12)
	assert.Zero(t, c.integral)
	assert.False(t, c.primed)
}
