// Package stats implements the rolling-window statistics and
// convergence classifier of spec §4.4/§8 invariant 6: a streaming
// quantile estimator for the offset distribution reported via
// post_rt_stats, and a convergence window tracker.
package stats

import "math"

// Quantile implements the P-Square algorithm for O(1) streaming
// quantile estimation (Jain, R. and Chlamtac, I., 1985, "The P^2
// Algorithm for Dynamic Calculation of Quantiles and Histograms Without
// Storing Observations", CACM 28(10)). The same algorithm backs the
// teacher's eventloop.pSquareQuantile; that type is unexported so it
// can't be imported, hence the fresh implementation here, following the
// same five-marker structure.
type Quantile struct {
	p float64

	q  [5]float64
	n  [5]int
	np [5]float64
	dn [5]float64

	initialized bool
	count       int
	initBuf     [5]float64
}

// NewQuantile returns an estimator for percentile p (0.0-1.0).
func NewQuantile(p float64) *Quantile {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return &Quantile{p: p, dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1}}
}

// Update adds an observation.
func (q *Quantile) Update(x float64) {
	q.count++
	if q.count <= 5 {
		q.initBuf[q.count-1] = x
		if q.count == 5 {
			q.initialize()
		}
		return
	}

	var k int
	switch {
	case x < q.q[0]:
		q.q[0] = x
		k = 0
	case x >= q.q[4]:
		q.q[4] = x
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if q.q[k] <= x && x < q.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		q.n[i]++
	}
	for i := 0; i < 5; i++ {
		q.np[i] += q.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := q.np[i] - float64(q.n[i])
		if (d >= 1 && q.n[i+1]-q.n[i] > 1) || (d <= -1 && q.n[i-1]-q.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qPrime := q.parabolic(i, sign)
			if q.q[i-1] < qPrime && qPrime < q.q[i+1] {
				q.q[i] = qPrime
			} else {
				q.q[i] = q.linear(i, sign)
			}
			q.n[i] += sign
		}
	}
}

func (q *Quantile) initialize() {
	for i := 1; i < 5; i++ {
		key := q.initBuf[i]
		j := i - 1
		for j >= 0 && q.initBuf[j] > key {
			q.initBuf[j+1] = q.initBuf[j]
			j--
		}
		q.initBuf[j+1] = key
	}
	for i := 0; i < 5; i++ {
		q.q[i] = q.initBuf[i]
		q.n[i] = i
	}
	q.np = [5]float64{0, 2 * q.p, 4 * q.p, 2 + 2*q.p, 4}
	q.initialized = true
}

func (q *Quantile) parabolic(i, d int) float64 {
	df := float64(d)
	ni, niPrev, niNext := float64(q.n[i]), float64(q.n[i-1]), float64(q.n[i+1])
	term1 := df / (niNext - niPrev)
	term2 := (ni - niPrev + df) * (q.q[i+1] - q.q[i]) / (niNext - ni)
	term3 := (niNext - ni - df) * (q.q[i] - q.q[i-1]) / (ni - niPrev)
	return q.q[i] + term1*(term2+term3)
}

func (q *Quantile) linear(i, d int) float64 {
	if d == 1 {
		return q.q[i] + (q.q[i+1]-q.q[i])/float64(q.n[i+1]-q.n[i])
	}
	return q.q[i] - (q.q[i]-q.q[i-1])/float64(q.n[i]-q.n[i-1])
}

// Value returns the current quantile estimate.
func (q *Quantile) Value() float64 {
	if q.count == 0 {
		return 0
	}
	if q.count < 5 {
		sorted := make([]float64, q.count)
		copy(sorted, q.initBuf[:q.count])
		for i := 1; i < q.count; i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		idx := int(float64(q.count-1) * q.p)
		if idx >= q.count {
			idx = q.count - 1
		}
		return sorted[idx]
	}
	return q.q[2]
}

func (q *Quantile) Count() int { return q.count }

// Window tracks summary statistics (mean, max, count, and a handful of
// quantiles) over a rolling sequence of observations, for the offset
// distribution the servo reports via post_rt_stats.
type Window struct {
	estimators []*Quantile
	percentile []float64
	sum        float64
	count      int
	max        float64
	min        float64
}

// NewWindow returns a Window tracking the given percentiles (each in
// [0,1]).
func NewWindow(percentiles ...float64) *Window {
	w := &Window{percentile: percentiles, max: -math.MaxFloat64, min: math.MaxFloat64}
	for _, p := range percentiles {
		w.estimators = append(w.estimators, NewQuantile(p))
	}
	return w
}

func (w *Window) Update(x float64) {
	w.count++
	w.sum += x
	if x > w.max {
		w.max = x
	}
	if x < w.min {
		w.min = x
	}
	for _, e := range w.estimators {
		e.Update(x)
	}
}

func (w *Window) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

func (w *Window) Count() int { return w.count }

func (w *Window) Max() float64 {
	if w.count == 0 {
		return 0
	}
	return w.max
}

// Min returns the smallest observation in the window (spec §4.6's RANGE
// stat, paired with Max/Mean).
func (w *Window) Min() float64 {
	if w.count == 0 {
		return 0
	}
	return w.min
}

// Quantile returns the estimate for the i-th percentile passed to
// NewWindow.
func (w *Window) Quantile(i int) float64 {
	if i < 0 || i >= len(w.estimators) {
		return 0
	}
	return w.estimators[i].Value()
}

// Reset clears all accumulated state for reuse.
func (w *Window) Reset() {
	w.sum, w.count, w.max, w.min = 0, 0, -math.MaxFloat64, math.MaxFloat64
	for i, p := range w.percentile {
		w.estimators[i] = NewQuantile(p)
	}
}
