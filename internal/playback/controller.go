// ABOUTME: PI drift controller for hardware buffer depth
// ABOUTME: Filters measured delay and commands a bounded playback-rate nudge
package playback

import "time"

// ControllerConfig holds the drift feedback loop tunables. Gains are
// per frame of filtered delay error.
type ControllerConfig struct {
	Kp               float64
	Ki               float64
	FilterAlpha      float64       // IIR weight of each new delay sample
	MaxRateOffset    float64       // commanded rate stays within 1±this
	MaxSlewPerUpdate float64       // max rate change per update step
	IntegralClamp    float64       // bound on the accumulated integral term
	IntegralLeak     float64       // per-update decay applied to the integral
	UpdateInterval   time.Duration // minimum spacing between rate updates
}

// DefaultControllerConfig returns gains tuned for a target depth in
// the tens of milliseconds at 48kHz.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Kp:               2e-6,
		Ki:               1e-7,
		FilterAlpha:      0.2,
		MaxRateOffset:    0.005,
		MaxSlewPerUpdate: 0.0002,
		IntegralClamp:    0.004,
		IntegralLeak:     0.001,
		UpdateInterval:   15 * time.Millisecond,
	}
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	def := DefaultControllerConfig()
	if c.Kp == 0 {
		c.Kp = def.Kp
	}
	if c.Ki == 0 {
		c.Ki = def.Ki
	}
	if c.FilterAlpha <= 0 || c.FilterAlpha > 1 {
		c.FilterAlpha = def.FilterAlpha
	}
	if c.MaxRateOffset <= 0 {
		c.MaxRateOffset = def.MaxRateOffset
	}
	if c.MaxSlewPerUpdate <= 0 {
		c.MaxSlewPerUpdate = def.MaxSlewPerUpdate
	}
	if c.IntegralClamp <= 0 {
		c.IntegralClamp = def.IntegralClamp
	}
	if c.IntegralLeak <= 0 {
		c.IntegralLeak = def.IntegralLeak
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = def.UpdateInterval
	}
	return c
}

// driftController keeps a hardware queue near a target depth. A
// positive error (queue running hot) speeds playback up; negative
// slows it down. The caller applies the rate upstream; nothing here
// resamples.
type driftController struct {
	cfg          ControllerConfig
	targetFrames float64

	filtered   float64
	primed     bool
	integral   float64
	rate       float64
	lastUpdate time.Time
}

func newDriftController(cfg ControllerConfig, targetFrames float64) *driftController {
	return &driftController{
		cfg:          cfg.withDefaults(),
		targetFrames: targetFrames,
		rate:         1.0,
	}
}

// Update feeds one delay measurement. The filtered signal tracks every
// sample; the PI step only runs once per UpdateInterval. Returns the
// commanded rate and whether it was recomputed this call.
func (c *driftController) Update(delayFrames float64, now time.Time) (float64, bool) {
	if !c.primed {
		c.filtered = delayFrames
		c.primed = true
		c.lastUpdate = now
		return c.rate, false
	}
	c.filtered += c.cfg.FilterAlpha * (delayFrames - c.filtered)

	if now.Sub(c.lastUpdate) < c.cfg.UpdateInterval {
		return c.rate, false
	}
	c.lastUpdate = now

	err := c.filtered - c.targetFrames

	c.integral *= 1.0 - c.cfg.IntegralLeak
	c.integral += c.cfg.Ki * err
	c.integral = clamp(c.integral, -c.cfg.IntegralClamp, c.cfg.IntegralClamp)

	raw := 1.0 + c.cfg.Kp*err + c.integral
	raw = clamp(raw, 1.0-c.cfg.MaxRateOffset, 1.0+c.cfg.MaxRateOffset)

	// Slew-limit so corrections stay inaudible.
	step := clamp(raw-c.rate, -c.cfg.MaxSlewPerUpdate, c.cfg.MaxSlewPerUpdate)
	c.rate += step
	return c.rate, true
}

// Reset discards controller state after a discontinuity such as an
// underrun, so the loop does not fight the glitch.
func (c *driftController) Reset() {
	c.integral = 0
	c.rate = 1.0
	c.primed = false
}

// Rate returns the last commanded playback rate.
func (c *driftController) Rate() float64 {
	return c.rate
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
