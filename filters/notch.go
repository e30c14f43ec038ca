package filters

// Notch rejects samples outside [Center-Width, Center+Width] (spec
// §4.3). It carries no state across calls.
type Notch struct {
	Center float64
	Width  float64
}

// DefaultSHMNotch is the SHM notch: center 1 second (1e9 ns), half-width
// 1e8 ns.
var DefaultSHMNotch = Notch{Center: 1e9, Width: 1e8}

// Test reports whether periodNS falls within the passband.
func (n Notch) Test(periodNS float64) bool {
	return periodNS >= n.Center-n.Width && periodNS <= n.Center+n.Width
}
