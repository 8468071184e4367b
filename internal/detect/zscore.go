package detect

import (
	"math"

	"github.com/kpisentry/kpisentry/internal/stats"
)

// ZScoreMethod flags a value whose distance from the history mean exceeds
// Threshold standard deviations. On a flat series (stddev below the epsilon
// floor) it requires an absolute percentage deviation above
// FlatSeriesPctThreshold instead.
type ZScoreMethod struct {
	Threshold              float64 // default 3.0
	FlatSeriesPctThreshold float64 // default 50 (percent)
}

// NewZScoreMethod returns a z-score method with the default thresholds
func NewZScoreMethod() *ZScoreMethod {
	return &ZScoreMethod{Threshold: 3.0, FlatSeriesPctThreshold: 50}
}

func (m *ZScoreMethod) Name() string {
	return "zscore"
}

func (m *ZScoreMethod) Evaluate(value float64, history []float64) Evaluation {
	mean := stats.Mean(history)
	sd := stats.PopulationStdDev(history)
	eval := Evaluation{Method: m.Name(), Expected: mean}

	if sd < epsilon {
		// Flat series: fall back to percentage deviation
		if math.Abs(mean) < epsilon {
			// Flat at zero: any non-zero value is a full-strength deviation
			if math.Abs(value) > epsilon {
				eval.Fired = true
				eval.Deviation = 1
			}
			return eval
		}
		pct := math.Abs(value-mean) / math.Abs(mean) * 100
		if pct > m.FlatSeriesPctThreshold {
			eval.Fired = true
			eval.Deviation = clamp01((pct - m.FlatSeriesPctThreshold) / 100)
		}
		return eval
	}

	z := math.Abs(value-mean) / sd
	if z > m.Threshold {
		eval.Fired = true
		eval.Deviation = clamp01((z - m.Threshold) / m.Threshold)
	}
	return eval
}
