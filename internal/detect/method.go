// Package detect implements ensemble anomaly detection over a metric's
// rolling history. Three independent statistical methods vote; an anomaly is
// emitted only when enough methods agree. Magnitude affects confidence, never
// whether an anomaly fires.
package detect

// epsilon is the standard deviation floor used to avoid divide-by-zero on
// flat series.
const epsilon = 1e-9

// Evaluation is the verdict of a single detection method.
type Evaluation struct {
	Method   string
	Fired    bool
	Expected float64 // the method's baseline for the new value
	// Deviation is the normalized deviation in [0,1]: how far past the
	// method's trigger point the value landed. Zero for a value that barely
	// fired, 1 for a value at or beyond twice the trigger.
	Deviation float64
}

// Method is a single detection strategy. History is ordered oldest-first and
// contains only non-forecast observations strictly older than the new value.
type Method interface {
	Name() string
	Evaluate(value float64, history []float64) Evaluation
}

// clamp01 clamps v to [0,1]
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
