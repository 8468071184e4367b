package detect

import (
	"math"

	"github.com/kpisentry/kpisentry/internal/database"
	"github.com/kpisentry/kpisentry/internal/stats"
)

// minHistoryDefault disables detection when fewer points are available.
// Insufficient data is not an error: Detect simply returns nil.
const minHistoryDefault = 7

// Result is an emitted ensemble verdict, ready to be persisted as an Anomaly.
type Result struct {
	CurrentValue  float64
	ExpectedValue float64
	DeviationAbs  float64
	DeviationPct  float64
	Methods       []string
	Confidence    float64
	Severity      database.AnomalySeverity
}

// Ensemble runs independent detection methods and emits a result only when
// at least MinAgree methods fire. Confidence is derived from method
// agreement weighted by deviation magnitude and is never hand-set.
type Ensemble struct {
	Methods    []Method
	MinAgree   int // default 2
	MinHistory int // default 7
}

// NewEnsemble builds the default three-method ensemble for a metric with the
// given seasonal period (0 for none).
func NewEnsemble(seasonalPeriod int) *Ensemble {
	trend := NewTrendMethod()
	trend.SeasonalPeriod = seasonalPeriod
	return &Ensemble{
		Methods:    []Method{NewZScoreMethod(), NewIQRMethod(), trend},
		MinAgree:   2,
		MinHistory: minHistoryDefault,
	}
}

// Detect evaluates a new value against its history. History is ordered
// newest-first, as read from storage. Returns nil when history is too short
// or when fewer than MinAgree methods fire.
func (e *Ensemble) Detect(value float64, historyNewestFirst []float64) *Result {
	minHistory := e.MinHistory
	if minHistory <= 0 {
		minHistory = minHistoryDefault
	}
	if len(historyNewestFirst) < minHistory {
		return nil
	}

	// Methods consume history oldest-first
	history := make([]float64, len(historyNewestFirst))
	for i, v := range historyNewestFirst {
		history[len(history)-1-i] = v
	}

	evaluations := make([]Evaluation, 0, len(e.Methods))
	for _, m := range e.Methods {
		evaluations = append(evaluations, m.Evaluate(value, history))
	}

	var fired []Evaluation
	for _, ev := range evaluations {
		if ev.Fired {
			fired = append(fired, ev)
		}
	}

	minAgree := e.MinAgree
	if minAgree <= 0 {
		minAgree = 2
	}
	if len(fired) < minAgree {
		return nil
	}

	// Confidence: fraction of methods agreeing, weighted by the mean
	// normalized deviation of the methods that fired, clamped to [0,1].
	agreement := float64(len(fired)) / float64(len(e.Methods))
	var devSum float64
	methods := make([]string, 0, len(fired))
	expected := make([]float64, 0, len(fired))
	for _, ev := range fired {
		devSum += ev.Deviation
		methods = append(methods, ev.Method)
		expected = append(expected, ev.Expected)
	}
	meanDev := devSum / float64(len(fired))
	confidence := clamp01(agreement * (0.8 + 0.4*meanDev))

	expectedValue := stats.Mean(expected)
	deviationAbs := value - expectedValue
	var deviationPct float64
	if math.Abs(expectedValue) > epsilon {
		deviationPct = deviationAbs / math.Abs(expectedValue) * 100
	}

	return &Result{
		CurrentValue:  value,
		ExpectedValue: expectedValue,
		DeviationAbs:  deviationAbs,
		DeviationPct:  deviationPct,
		Methods:       methods,
		Confidence:    confidence,
		Severity:      severityForConfidence(confidence),
	}
}

// severityForConfidence maps ensemble confidence onto the severity tiers.
// Low severity still means a real multi-method flag, not a single weak
// signal, since results below the agreement floor are never emitted.
func severityForConfidence(confidence float64) database.AnomalySeverity {
	switch {
	case confidence >= 0.9:
		return database.AnomalySeverityCritical
	case confidence >= 0.75:
		return database.AnomalySeverityHigh
	case confidence >= 0.5:
		return database.AnomalySeverityMedium
	default:
		return database.AnomalySeverityLow
	}
}
