package detect

import (
	"math"

	"github.com/kpisentry/kpisentry/internal/stats"
)

// TrendMethod projects the next value from the history and flags the new
// value when its residual against the projection exceeds ResidualSigma
// standard deviations of the in-sample residuals.
//
// Projection: ordinary least squares linear trend over the history. When a
// seasonal period is configured and at least two full cycles of history
// exist, a naive additive decomposition is applied first: per-phase means
// (centered on the overall mean) are subtracted before fitting the trend and
// the current phase's seasonal component is added back to the projection.
type TrendMethod struct {
	ResidualSigma  float64 // default 2.5
	SeasonalPeriod int     // 0 disables the seasonal component
}

// NewTrendMethod returns a trend method with the default 2.5 sigma threshold
// and no seasonal component.
func NewTrendMethod() *TrendMethod {
	return &TrendMethod{ResidualSigma: 2.5}
}

func (m *TrendMethod) Name() string {
	return "trend"
}

func (m *TrendMethod) Evaluate(value float64, history []float64) Evaluation {
	n := len(history)
	eval := Evaluation{Method: m.Name()}
	if n < 2 {
		eval.Expected = stats.Mean(history)
		return eval
	}

	seasonal := m.seasonalComponents(history)

	work := history
	if seasonal != nil {
		work = make([]float64, n)
		for i, v := range history {
			work[i] = v - seasonal[i%m.SeasonalPeriod]
		}
	}

	slope, intercept := stats.LinearFit(work)

	projected := slope*float64(n) + intercept
	if seasonal != nil {
		projected += seasonal[n%m.SeasonalPeriod]
	}
	eval.Expected = projected

	residuals := make([]float64, n)
	for i := range history {
		fitted := slope*float64(i) + intercept
		if seasonal != nil {
			fitted += seasonal[i%m.SeasonalPeriod]
		}
		residuals[i] = history[i] - fitted
	}
	residStd := stats.PopulationStdDev(residuals)

	resid := math.Abs(value - projected)
	if residStd < epsilon {
		// History fits the trend exactly; mirror the z-score flat-series
		// fallback with a percentage deviation against the projection.
		if math.Abs(projected) < epsilon {
			if resid > epsilon {
				eval.Fired = true
				eval.Deviation = 1
			}
			return eval
		}
		pct := resid / math.Abs(projected) * 100
		if pct > 50 {
			eval.Fired = true
			eval.Deviation = clamp01((pct - 50) / 100)
		}
		return eval
	}

	r := resid / residStd
	if r > m.ResidualSigma {
		eval.Fired = true
		eval.Deviation = clamp01((r - m.ResidualSigma) / m.ResidualSigma)
	}
	return eval
}

// seasonalComponents returns centered per-phase means, or nil when fewer
// than two full cycles of history exist.
func (m *TrendMethod) seasonalComponents(history []float64) []float64 {
	period := m.SeasonalPeriod
	if period < 2 || len(history) < 2*period {
		return nil
	}
	overall := stats.Mean(history)
	sums := make([]float64, period)
	counts := make([]int, period)
	for i, v := range history {
		sums[i%period] += v
		counts[i%period]++
	}
	components := make([]float64, period)
	for i := range components {
		components[i] = sums[i]/float64(counts[i]) - overall
	}
	return components
}
