package services

import (
	"errors"
	"log"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/kpisentry/kpisentry/internal/database"
	"github.com/kpisentry/kpisentry/internal/stats"
)

// aggregateTolerance is the floating-point tolerance used by the
// consistency check between cached and recomputed aggregates.
const aggregateTolerance = 1e-6

// AggregationService derives daily aggregates from raw observations
type AggregationService struct {
	db *gorm.DB
}

// NewAggregationService creates a new aggregation service
func NewAggregationService(db *gorm.DB) *AggregationService {
	return &AggregationService{db: db}
}

// Aggregate recomputes the daily aggregate for one (tenant, metric, day)
// from all non-forecast observations timestamped within that calendar day.
// It is deterministic and idempotent: the existing row is replaced, never
// accumulated. A day whose observations have all been removed gets its
// stale aggregate deleted and returns nil.
func (s *AggregationService) Aggregate(tenantID, metricName string, day time.Time) (*database.DailyAggregate, error) {
	dayStart := StartOfDay(day)
	dayEnd := dayStart.Add(24 * time.Hour)

	var observations []database.MetricObservation
	err := s.db.Where(
		"tenant_id = ? AND metric_name = ? AND timestamp >= ? AND timestamp < ? AND is_forecast = ?",
		tenantID, metricName, dayStart, dayEnd, false,
	).Order("timestamp ASC").Find(&observations).Error
	if err != nil {
		return nil, err
	}

	if len(observations) == 0 {
		// Source observations are gone, so the derived row must follow
		err := s.db.Where(
			"tenant_id = ? AND metric_name = ? AND day = ?",
			tenantID, metricName, dayStart,
		).Delete(&database.DailyAggregate{}).Error
		return nil, err
	}

	aggregate := computeAggregate(tenantID, metricName, dayStart, observations)

	var existing database.DailyAggregate
	err = s.db.Where(
		"tenant_id = ? AND metric_name = ? AND day = ?",
		tenantID, metricName, dayStart,
	).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := s.db.Create(aggregate).Error; err != nil {
			return nil, err
		}
		return aggregate, nil
	}
	if err != nil {
		return nil, err
	}

	aggregate.ID = existing.ID
	aggregate.CreatedAt = existing.CreatedAt
	if err := s.db.Save(aggregate).Error; err != nil {
		return nil, err
	}
	return aggregate, nil
}

// computeAggregate builds the aggregate struct for an observation window.
// Pure function, no database access.
func computeAggregate(tenantID, metricName string, day time.Time, observations []database.MetricObservation) *database.DailyAggregate {
	values := make([]float64, len(observations))
	unitCounts := make(map[string]int)
	for i, obs := range observations {
		values[i] = obs.Value
		unitCounts[obs.Unit]++
	}

	return &database.DailyAggregate{
		TenantID:    tenantID,
		MetricName:  metricName,
		Day:         day,
		Mean:        stats.Mean(values),
		Min:         stats.Min(values),
		Max:         stats.Max(values),
		Sum:         stats.Sum(values),
		StdDev:      stats.PopulationStdDev(values),
		Median:      stats.Median(values),
		SampleCount: len(values),
		Unit:        modalUnit(unitCounts),
	}
}

// modalUnit returns the most frequent unit string, breaking ties
// alphabetically so recomputation stays deterministic.
func modalUnit(counts map[string]int) string {
	var best string
	bestCount := -1
	for unit, count := range counts {
		if count > bestCount || (count == bestCount && unit < best) {
			best = unit
			bestCount = count
		}
	}
	return best
}

// GetAggregate returns the cached daily aggregate, or gorm.ErrRecordNotFound
func (s *AggregationService) GetAggregate(tenantID, metricName string, day time.Time) (*database.DailyAggregate, error) {
	var aggregate database.DailyAggregate
	err := s.db.Where(
		"tenant_id = ? AND metric_name = ? AND day = ?",
		tenantID, metricName, StartOfDay(day),
	).First(&aggregate).Error
	if err != nil {
		return nil, err
	}
	return &aggregate, nil
}

// GetAggregateSeries returns daily aggregates for a metric within [from, to],
// ordered oldest-first. Used to build aligned series for correlation.
func (s *AggregationService) GetAggregateSeries(tenantID, metricName string, from, to time.Time) ([]database.DailyAggregate, error) {
	var aggregates []database.DailyAggregate
	err := s.db.Where(
		"tenant_id = ? AND metric_name = ? AND day >= ? AND day <= ?",
		tenantID, metricName, StartOfDay(from), StartOfDay(to),
	).Order("day ASC").Find(&aggregates).Error
	return aggregates, err
}

// Verify compares the cached aggregate for a day against a fresh
// recomputation. Disagreement beyond floating-point tolerance is a
// consistency violation: logged as a warning, then the recomputed
// result wins. Never fatal.
func (s *AggregationService) Verify(tenantID, metricName string, day time.Time) (*database.DailyAggregate, error) {
	cached, err := s.GetAggregate(tenantID, metricName, day)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.Aggregate(tenantID, metricName, day)
	}
	if err != nil {
		return nil, err
	}

	recomputed, err := s.Aggregate(tenantID, metricName, day)
	if err != nil {
		return nil, err
	}
	if recomputed == nil {
		return nil, nil
	}

	checks := []struct {
		field            string
		cached, computed float64
	}{
		{"mean", cached.Mean, recomputed.Mean},
		{"std_dev", cached.StdDev, recomputed.StdDev},
		{"median", cached.Median, recomputed.Median},
		{"sum", cached.Sum, recomputed.Sum},
		{"sample_count", float64(cached.SampleCount), float64(recomputed.SampleCount)},
	}
	for _, c := range checks {
		if math.Abs(c.cached-c.computed) > aggregateTolerance {
			violation := &database.ConsistencyViolation{
				TenantID:   tenantID,
				MetricName: metricName,
				Day:        StartOfDay(day).Format("2006-01-02"),
				Field:      c.field,
				Cached:     c.cached,
				Computed:   c.computed,
			}
			log.Printf("Warning: %v (recomputed)", violation)
			break
		}
	}
	return recomputed, nil
}

// StartOfDay truncates a timestamp to midnight UTC
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
