package services

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kpisentry/kpisentry/internal/database"
	"github.com/kpisentry/kpisentry/internal/detect"
)

// PatternService finds correlated metric pairs over daily aggregates
type PatternService struct {
	db        *gorm.DB
	metricSvc *MetricService
	aggSvc    *AggregationService
}

// NewPatternService creates a new PatternService
func NewPatternService(db *gorm.DB) *PatternService {
	return &PatternService{
		db:        db,
		metricSvc: NewMetricService(db),
		aggSvc:    NewAggregationService(db),
	}
}

// RunCorrelation evaluates every metric pair for a tenant over the
// correlation window and persists patterns that clear the thresholds.
// Re-running refreshes the existing active pattern for a pair instead of
// duplicating it. Returns the patterns that are active after the run.
func (s *PatternService) RunCorrelation(tenantID string, settings *database.DetectionSettings) ([]database.Pattern, error) {
	metricNames, err := s.metricSvc.ListMetricNames(tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics for %s: %w", tenantID, err)
	}

	windowEnd := StartOfDay(time.Now())
	windowStart := windowEnd.AddDate(0, 0, -settings.CorrelationWindowDays)

	series := make(map[string][]detect.SeriesPoint, len(metricNames))
	for _, name := range metricNames {
		aggregates, err := s.aggSvc.GetAggregateSeries(tenantID, name, windowStart, windowEnd)
		if err != nil {
			return nil, fmt.Errorf("failed to load aggregates for %s: %w", name, err)
		}
		points := make([]detect.SeriesPoint, len(aggregates))
		for i, agg := range aggregates {
			points[i] = detect.SeriesPoint{Timestamp: agg.Day, Value: agg.Mean}
		}
		series[name] = points
	}

	var found []database.Pattern
	for i := 0; i < len(metricNames); i++ {
		for j := i + 1; j < len(metricNames); j++ {
			metricA, metricB := metricNames[i], metricNames[j]
			result := detect.Correlate(series[metricA], series[metricB],
				settings.MinOverlapPoints, settings.CorrelationThreshold)
			if result == nil {
				continue
			}

			pattern, err := s.upsertPattern(tenantID, metricA, metricB, windowStart, windowEnd, result, settings)
			if err != nil {
				return nil, err
			}
			found = append(found, *pattern)
		}
	}
	return found, nil
}

// upsertPattern refreshes the active pattern for a metric pair, or creates
// one. Metric names arrive alphabetically ordered from ListMetricNames, so
// the pair key is stable across runs.
func (s *PatternService) upsertPattern(tenantID, metricA, metricB string, windowStart, windowEnd time.Time, result *detect.CorrelationResult, settings *database.DetectionSettings) (*database.Pattern, error) {
	expiresAt := time.Now().Add(time.Duration(settings.PatternExpiryDays) * 24 * time.Hour)

	var existing database.Pattern
	err := s.db.Where(
		"tenant_id = ? AND metric_a = ? AND metric_b = ? AND status = ?",
		tenantID, metricA, metricB, database.PatternStatusActive,
	).First(&existing).Error
	if err == nil {
		existing.WindowStart = windowStart
		existing.WindowEnd = windowEnd
		existing.CorrelationStrength = result.Strength
		existing.Direction = result.Direction
		existing.Confidence = result.Confidence
		existing.SampleCount = result.SampleCount
		existing.ExpiresAt = expiresAt
		if err := s.db.Save(&existing).Error; err != nil {
			return nil, fmt.Errorf("failed to refresh pattern %s: %w", existing.UUID, err)
		}
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	pattern := &database.Pattern{
		UUID:                uuid.New().String(),
		TenantID:            tenantID,
		MetricA:             metricA,
		MetricB:             metricB,
		WindowStart:         windowStart,
		WindowEnd:           windowEnd,
		CorrelationStrength: result.Strength,
		Direction:           result.Direction,
		Confidence:          result.Confidence,
		SampleCount:         result.SampleCount,
		Status:              database.PatternStatusActive,
		ExpiresAt:           expiresAt,
	}
	if err := s.db.Create(pattern).Error; err != nil {
		return nil, fmt.Errorf("failed to store pattern: %w", err)
	}

	log.Printf("Pattern detected: %s %s<->%s %s strength=%.2f over %d points",
		tenantID, metricA, metricB, result.Direction, result.Strength, result.SampleCount)
	return pattern, nil
}

// GetByUUID retrieves a pattern by its UUID
func (s *PatternService) GetByUUID(id string) (*database.Pattern, error) {
	var pattern database.Pattern
	if err := s.db.Where("uuid = ?", id).First(&pattern).Error; err != nil {
		return nil, err
	}
	return &pattern, nil
}

// ListActive returns non-expired patterns for a tenant, strongest first
func (s *PatternService) ListActive(tenantID string) ([]database.Pattern, error) {
	var patterns []database.Pattern
	err := s.db.Where("tenant_id = ? AND status = ?", tenantID, database.PatternStatusActive).
		Order("correlation_strength DESC").Find(&patterns).Error
	return patterns, err
}

// ActiveSince returns active patterns refreshed after the given time, for
// recommendation synthesis.
func (s *PatternService) ActiveSince(tenantID string, since time.Time) ([]database.Pattern, error) {
	var patterns []database.Pattern
	err := s.db.Where(
		"tenant_id = ? AND status = ? AND updated_at > ?",
		tenantID, database.PatternStatusActive, since,
	).Find(&patterns).Error
	return patterns, err
}

// ExpireStale marks active patterns past their expiry as expired. Returns
// the number of patterns expired.
func (s *PatternService) ExpireStale() (int, error) {
	result := s.db.Model(&database.Pattern{}).
		Where("status = ? AND expires_at < ?", database.PatternStatusActive, time.Now()).
		Update("status", database.PatternStatusExpired)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("Expired %d stale patterns", result.RowsAffected)
	}
	return int(result.RowsAffected), nil
}
