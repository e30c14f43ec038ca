package filters

import "golang.org/x/exp/constraints"

// PID implements output = kp*e + ki*integral(e dt) + kd*de/dt, with the
// integral term saturating at +/-maxOutput (spec §4.3). Kd defaults to
// zero.
type PID struct {
	Kp, Ki, Kd float64
	MaxOutput  float64

	integral float64
	prevErr  float64
	hasPrev  bool
}

// NewPID returns a PID controller with the given proportional/integral
// gains, zero derivative gain, and the given output saturation bound.
func NewPID(kp, ki, maxOutput float64) *PID {
	return &PID{Kp: kp, Ki: ki, MaxOutput: maxOutput}
}

// Reset zeroes all accumulators (spec §4.3).
func (p *PID) Reset() {
	p.integral = 0
	p.prevErr = 0
	p.hasPrev = false
}

// Update feeds one error sample, measured dt seconds after the previous
// one, and returns the saturated controller output.
func (p *PID) Update(errVal, dt float64) float64 {
	if dt <= 0 {
		dt = 1
	}

	p.integral += errVal * dt
	p.integral = clamp(p.integral, -p.MaxOutput, p.MaxOutput)

	var derivative float64
	if p.hasPrev {
		derivative = (errVal - p.prevErr) / dt
	}
	p.prevErr = errVal
	p.hasPrev = true

	out := p.Kp*errVal + p.Ki*p.integral + p.Kd*derivative
	return clamp(out, -p.MaxOutput, p.MaxOutput)
}

// clamp restricts v to [lo, hi]; grounded on the same bounds-clamping
// idiom the teacher applies to its own saturating accumulators, lifted
// to a small generic so the PID integral and output share one
// implementation.
func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
