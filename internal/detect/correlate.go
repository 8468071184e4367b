package detect

import (
	"math"
	"time"

	"github.com/kpisentry/kpisentry/internal/stats"
)

// confidenceSaturationPoints is the overlap size at which correlation
// confidence reaches 1.0.
const confidenceSaturationPoints = 20

// SeriesPoint is one aligned observation of a signal series.
type SeriesPoint struct {
	Timestamp time.Time
	Value     float64
}

// CorrelationResult is an emitted co-movement between two series. It is a
// correlation, never a causal claim; direction records the sign of r only.
type CorrelationResult struct {
	Coefficient float64 // Pearson r, signed
	Strength    float64 // |r|
	Direction   string  // "positive" or "negative"
	SampleCount int
	Confidence  float64
}

// Correlate computes the Pearson correlation over the timestamps present in
// both series. Both series must already be aligned to the same granularity.
// Returns nil when fewer than minOverlap points overlap or when |r| is below
// threshold. Confidence scales with the overlap size, saturating at 20
// points.
func Correlate(seriesA, seriesB []SeriesPoint, minOverlap int, threshold float64) *CorrelationResult {
	if minOverlap < 2 {
		minOverlap = 2
	}

	byTime := make(map[int64]float64, len(seriesB))
	for _, p := range seriesB {
		byTime[p.Timestamp.Unix()] = p.Value
	}

	var xs, ys []float64
	for _, p := range seriesA {
		if v, ok := byTime[p.Timestamp.Unix()]; ok {
			xs = append(xs, p.Value)
			ys = append(ys, v)
		}
	}

	if len(xs) < minOverlap {
		return nil
	}

	r := stats.Pearson(xs, ys)
	strength := math.Abs(r)
	if strength < threshold {
		return nil
	}

	direction := "positive"
	if r < 0 {
		direction = "negative"
	}

	confidence := float64(len(xs)) / confidenceSaturationPoints
	if confidence > 1 {
		confidence = 1
	}

	return &CorrelationResult{
		Coefficient: r,
		Strength:    strength,
		Direction:   direction,
		SampleCount: len(xs),
		Confidence:  confidence,
	}
}
