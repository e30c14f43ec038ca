package stats

import "time"

// Convergence implements the servo's convergence classifier (spec §4.4,
// "Convergence"; invariant 6). A sample is in-sync if |offset| <=
// Threshold. The instance is converged once samples have stayed in-sync
// for at least MinPeriod while eligible (SLAVE, no alarms,
// TIMESTAMP_PROCESSING enabled). Any ineligible sample freezes — but
// does not reset — the window, unless the monotonic clock itself runs
// backwards, which resets the measure outright.
type Convergence struct {
	Threshold time.Duration
	MinPeriod time.Duration

	windowStart time.Time
	lastMono    time.Time
	converged   bool
}

// DefaultConvergence returns a Convergence with the spec's documented
// defaults: 100us threshold, 60s minimum period.
func DefaultConvergence() *Convergence {
	return &Convergence{Threshold: 100 * time.Microsecond, MinPeriod: 60 * time.Second}
}

// Sample records one observation and returns whether the instance is
// (still) converged.
func (c *Convergence) Sample(now time.Time, offset time.Duration, eligible bool) bool {
	if !c.lastMono.IsZero() && now.Before(c.lastMono) {
		c.windowStart = time.Time{}
		c.converged = false
		c.lastMono = now
		return false
	}
	c.lastMono = now

	if !eligible {
		return c.converged
	}

	if offset < -c.Threshold || offset > c.Threshold {
		c.windowStart = time.Time{}
		c.converged = false
		return false
	}

	if c.windowStart.IsZero() {
		c.windowStart = now
	}
	if now.Sub(c.windowStart) >= c.MinPeriod {
		c.converged = true
	}
	return c.converged
}

// Converged reports the last computed convergence state without
// sampling.
func (c *Convergence) Converged() bool { return c.converged }

// Reset clears all state, including the converged flag.
func (c *Convergence) Reset() {
	c.windowStart = time.Time{}
	c.lastMono = time.Time{}
	c.converged = false
}
