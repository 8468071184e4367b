package services

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kpisentry/kpisentry/internal/database"
	"github.com/kpisentry/kpisentry/internal/detect"
)

// AnomalyService runs ensemble detection and manages anomaly lifecycle
type AnomalyService struct {
	db        *gorm.DB
	metricSvc *MetricService
}

// NewAnomalyService creates a new AnomalyService
func NewAnomalyService(db *gorm.DB) *AnomalyService {
	return &AnomalyService{
		db:        db,
		metricSvc: NewMetricService(db),
	}
}

// DetectForObservation evaluates one observation against its metric's
// history. Returns the persisted anomaly when the ensemble emits, nil when
// it stays quiet. Insufficient history is not an error. Re-running over an
// already-flagged observation is a no-op, so sweeps stay idempotent.
func (s *AnomalyService) DetectForObservation(obs *database.MetricObservation, settings *database.DetectionSettings) (*database.Anomaly, error) {
	if obs.IsForecast || obs.IsTarget {
		return nil, nil
	}

	history, err := s.metricSvc.GetHistory(obs.TenantID, obs.MetricName, obs.Timestamp, settings.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s/%s: %w", obs.TenantID, obs.MetricName, err)
	}

	values := make([]float64, len(history))
	for i, h := range history {
		values[i] = h.Value
	}

	ensemble := buildEnsemble(settings, obs.Granularity)
	result := ensemble.Detect(obs.Value, values)
	if result == nil {
		return nil, nil
	}

	// Idempotence guard: one anomaly per (tenant, metric, occurrence)
	var existing database.Anomaly
	err = s.db.Where(
		"tenant_id = ? AND metric_name = ? AND occurred_at = ?",
		obs.TenantID, obs.MetricName, obs.Timestamp,
	).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	anomaly := &database.Anomaly{
		UUID:          uuid.New().String(),
		TenantID:      obs.TenantID,
		MetricName:    obs.MetricName,
		OccurredAt:    obs.Timestamp,
		CurrentValue:  result.CurrentValue,
		ExpectedValue: result.ExpectedValue,
		DeviationAbs:  result.DeviationAbs,
		DeviationPct:  result.DeviationPct,
		Methods:       database.StringArray(result.Methods),
		Confidence:    result.Confidence,
		Severity:      result.Severity,
		Status:        database.AnomalyStatusActive,
	}
	if err := s.db.Create(anomaly).Error; err != nil {
		return nil, fmt.Errorf("failed to store anomaly: %w", err)
	}

	log.Printf("Anomaly detected: %s/%s value=%g expected=%g severity=%s confidence=%.2f methods=%v",
		anomaly.TenantID, anomaly.MetricName, anomaly.CurrentValue, anomaly.ExpectedValue,
		anomaly.Severity, anomaly.Confidence, result.Methods)
	return anomaly, nil
}

// buildEnsemble configures the three-method ensemble from runtime settings
// and the metric's seasonal period.
func buildEnsemble(settings *database.DetectionSettings, granularity database.Granularity) *detect.Ensemble {
	zscore := detect.NewZScoreMethod()
	zscore.Threshold = settings.ZScoreThreshold
	iqr := detect.NewIQRMethod()
	iqr.Multiplier = settings.IQRMultiplier
	trend := detect.NewTrendMethod()
	trend.ResidualSigma = settings.TrendResidualSigma
	trend.SeasonalPeriod = granularity.SeasonalPeriod()

	return &detect.Ensemble{
		Methods:    []detect.Method{zscore, iqr, trend},
		MinAgree:   settings.MinMethodsAgree,
		MinHistory: settings.MinHistory,
	}
}

// GetByUUID retrieves an anomaly by its UUID
func (s *AnomalyService) GetByUUID(id string) (*database.Anomaly, error) {
	var anomaly database.Anomaly
	if err := s.db.Where("uuid = ?", id).First(&anomaly).Error; err != nil {
		return nil, err
	}
	return &anomaly, nil
}

// ListActive returns active and acknowledged anomalies for a tenant, ordered
// by severity (critical first) then recency.
func (s *AnomalyService) ListActive(tenantID string) ([]database.Anomaly, error) {
	var anomalies []database.Anomaly
	err := s.db.Where(
		"tenant_id = ? AND status IN ?",
		tenantID, []database.AnomalyStatus{database.AnomalyStatusActive, database.AnomalyStatusAcknowledged},
	).Find(&anomalies).Error
	if err != nil {
		return nil, err
	}

	sort.SliceStable(anomalies, func(i, j int) bool {
		if anomalies[i].Severity != anomalies[j].Severity {
			return anomalies[i].Severity.Rank() > anomalies[j].Severity.Rank()
		}
		return anomalies[i].OccurredAt.After(anomalies[j].OccurredAt)
	})
	return anomalies, nil
}

// ListByMetric returns anomalies for one metric, newest first
func (s *AnomalyService) ListByMetric(tenantID, metricName string, limit int) ([]database.Anomaly, error) {
	var anomalies []database.Anomaly
	err := s.db.Where("tenant_id = ? AND metric_name = ?", tenantID, metricName).
		Order("occurred_at DESC").Limit(limit).Find(&anomalies).Error
	return anomalies, err
}

// ActiveSince returns active anomalies detected after the given time, for
// recommendation synthesis.
func (s *AnomalyService) ActiveSince(tenantID string, since time.Time) ([]database.Anomaly, error) {
	var anomalies []database.Anomaly
	err := s.db.Where(
		"tenant_id = ? AND status = ? AND created_at > ?",
		tenantID, database.AnomalyStatusActive, since,
	).Order("occurred_at ASC").Find(&anomalies).Error
	return anomalies, err
}

// Acknowledge records that a human has seen the anomaly
func (s *AnomalyService) Acknowledge(id, actor string) (*database.Anomaly, error) {
	return s.transition(id, database.AnomalyStatusAcknowledged, func(a *database.Anomaly) {
		now := time.Now()
		a.AcknowledgedBy = actor
		a.AcknowledgedAt = &now
	})
}

// Resolve closes the anomaly with optional notes
func (s *AnomalyService) Resolve(id, notes string) (*database.Anomaly, error) {
	return s.transition(id, database.AnomalyStatusResolved, func(a *database.Anomaly) {
		now := time.Now()
		a.ResolvedAt = &now
		a.ResolutionNotes = notes
	})
}

// MarkFalsePositive flags the anomaly as noise
func (s *AnomalyService) MarkFalsePositive(id string) (*database.Anomaly, error) {
	return s.transition(id, database.AnomalyStatusFalsePositive, nil)
}

// Suppress mutes the anomaly without resolving it
func (s *AnomalyService) Suppress(id string) (*database.Anomaly, error) {
	return s.transition(id, database.AnomalyStatusSuppressed, nil)
}

// transition applies a status change after checking the state machine.
// Illegal moves return InvalidTransitionError and change nothing.
func (s *AnomalyService) transition(id string, to database.AnomalyStatus, mutate func(*database.Anomaly)) (*database.Anomaly, error) {
	anomaly, err := s.GetByUUID(id)
	if err != nil {
		return nil, err
	}

	if !anomaly.Status.CanTransitionTo(to) {
		return nil, &database.InvalidTransitionError{
			Entity: "anomaly",
			From:   string(anomaly.Status),
			To:     string(to),
		}
	}

	anomaly.Status = to
	if mutate != nil {
		mutate(anomaly)
	}
	if err := s.db.Save(anomaly).Error; err != nil {
		return nil, fmt.Errorf("failed to update anomaly %s: %w", id, err)
	}
	return anomaly, nil
}
