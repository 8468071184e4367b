package detect

import (
	"github.com/kpisentry/kpisentry/internal/stats"
)

// IQRMethod flags a value outside [Q1 - k*IQR, Q3 + k*IQR] computed from the
// history. Robust to non-normal distributions and existing outliers in the
// baseline.
type IQRMethod struct {
	Multiplier float64 // default 1.5
}

// NewIQRMethod returns an IQR method with the default 1.5 multiplier
func NewIQRMethod() *IQRMethod {
	return &IQRMethod{Multiplier: 1.5}
}

func (m *IQRMethod) Name() string {
	return "iqr"
}

func (m *IQRMethod) Evaluate(value float64, history []float64) Evaluation {
	q1, q2, q3 := stats.Quartiles(history)
	iqr := q3 - q1
	lower := q1 - m.Multiplier*iqr
	upper := q3 + m.Multiplier*iqr
	eval := Evaluation{Method: m.Name(), Expected: q2}

	if value >= lower && value <= upper {
		return eval
	}

	eval.Fired = true
	var dist float64
	if value < lower {
		dist = lower - value
	} else {
		dist = value - upper
	}
	if iqr < epsilon {
		// Degenerate fences on a near-constant history: any escape counts
		// as a full-strength deviation.
		eval.Deviation = 1
		return eval
	}
	eval.Deviation = clamp01(dist / (m.Multiplier * iqr))
	return eval
}
