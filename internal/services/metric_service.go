package services

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kpisentry/kpisentry/internal/database"
)

// IngestOutcome is the result of pushing one observation into the store
type IngestOutcome string

const (
	// IngestAccepted means a new row was written
	IngestAccepted IngestOutcome = "accepted"
	// IngestCorrected means an existing row was overwritten by a
	// late-arriving correction; the prior value is preserved
	IngestCorrected IngestOutcome = "corrected"
	// IngestDuplicate means an identical row already existed (benign)
	IngestDuplicate IngestOutcome = "duplicate"
	// IngestRejected means validation failed and nothing was stored
	IngestRejected IngestOutcome = "rejected"
)

// MetricService manages metric observations and registered ingestion sources
type MetricService struct {
	db *gorm.DB
}

// NewMetricService creates a new MetricService
func NewMetricService(db *gorm.DB) *MetricService {
	return &MetricService{db: db}
}

// Ingest validates and stores one observation. Concurrent writes of the same
// (tenant, metric, timestamp, granularity, source) key resolve via
// last-write-wins on top of the storage uniqueness constraint.
func (s *MetricService) Ingest(obs *database.MetricObservation) (IngestOutcome, error) {
	if err := s.validate(obs); err != nil {
		return IngestRejected, err
	}

	existing, err := s.findByKey(obs)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return IngestRejected, fmt.Errorf("failed to look up observation: %w", err)
	}

	if existing != nil {
		return s.resolveExisting(existing, obs)
	}

	if err := s.db.Create(obs).Error; err != nil {
		if isUniqueViolation(err) {
			// Lost a race with a concurrent writer for the same key;
			// re-read and resolve as duplicate or correction.
			existing, lookupErr := s.findByKey(obs)
			if lookupErr != nil {
				return IngestRejected, fmt.Errorf("failed to resolve concurrent write: %w", lookupErr)
			}
			return s.resolveExisting(existing, obs)
		}
		return IngestRejected, fmt.Errorf("failed to store observation: %w", err)
	}
	return IngestAccepted, nil
}

// resolveExisting applies duplicate/correction semantics against a row that
// already holds the observation's key.
func (s *MetricService) resolveExisting(existing, obs *database.MetricObservation) (IngestOutcome, error) {
	if existing.Value == obs.Value {
		*obs = *existing
		return IngestDuplicate, nil
	}

	// Late-arriving correction: overwrite, preserving the prior value for
	// downstream consumers.
	prior := existing.Value
	var changePct float64
	if math.Abs(prior) > 0 {
		changePct = (obs.Value - prior) / math.Abs(prior) * 100
	}
	updates := map[string]interface{}{
		"value":          obs.Value,
		"previous_value": prior,
		"change_percent": changePct,
		"is_forecast":    obs.IsForecast,
		"is_target":      obs.IsTarget,
	}
	if err := s.db.Model(existing).Updates(updates).Error; err != nil {
		return IngestRejected, fmt.Errorf("failed to apply correction: %w", err)
	}
	log.Printf("Corrected observation %s/%s@%s: %g -> %g",
		obs.TenantID, obs.MetricName, obs.Timestamp.Format(time.RFC3339), prior, obs.Value)

	*obs = *existing
	obs.Value = updates["value"].(float64)
	obs.PreviousValue = &prior
	obs.ChangePercent = &changePct
	return IngestCorrected, nil
}

// validate enforces the ingestion contract. Rejected observations are never
// stored.
func (s *MetricService) validate(obs *database.MetricObservation) error {
	if obs.TenantID == "" {
		return &database.ValidationError{Field: "tenant_id", Reason: "must not be empty"}
	}
	if obs.MetricName == "" {
		return &database.ValidationError{Field: "metric_name", Reason: "must not be empty"}
	}
	if obs.Source == "" {
		return &database.ValidationError{Field: "source", Reason: "must not be empty"}
	}
	if math.IsNaN(obs.Value) || math.IsInf(obs.Value, 0) {
		return &database.ValidationError{Field: "value", Reason: "must be a finite number"}
	}
	if obs.Unit == "" {
		return &database.ValidationError{Field: "unit", Reason: "must not be empty"}
	}
	if !obs.Granularity.IsValid() {
		return &database.ValidationError{Field: "granularity", Reason: fmt.Sprintf("unknown granularity %q", obs.Granularity)}
	}
	if obs.Timestamp.IsZero() {
		return &database.ValidationError{Field: "timestamp", Reason: "must be set"}
	}

	// Granularity must agree with the metric's existing history
	var sample database.MetricObservation
	err := s.db.Where("tenant_id = ? AND metric_name = ?", obs.TenantID, obs.MetricName).
		First(&sample).Error
	if err == nil && sample.Granularity != obs.Granularity {
		return &database.ValidationError{
			Field: "granularity",
			Reason: fmt.Sprintf("metric %s already has %s history, got %s",
				obs.MetricName, sample.Granularity, obs.Granularity),
		}
	}
	return nil
}

func (s *MetricService) findByKey(obs *database.MetricObservation) (*database.MetricObservation, error) {
	var existing database.MetricObservation
	err := s.db.Where(
		"tenant_id = ? AND metric_name = ? AND timestamp = ? AND granularity = ? AND source = ?",
		obs.TenantID, obs.MetricName, obs.Timestamp, obs.Granularity, obs.Source,
	).First(&existing).Error
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// isUniqueViolation reports whether err came from the storage uniqueness
// constraint on the observation key.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// GetHistory returns the most recent limit non-forecast observations for the
// metric strictly older than before, ordered newest-first.
func (s *MetricService) GetHistory(tenantID, metricName string, before time.Time, limit int) ([]database.MetricObservation, error) {
	var history []database.MetricObservation
	err := s.db.Where(
		"tenant_id = ? AND metric_name = ? AND timestamp < ? AND is_forecast = ?",
		tenantID, metricName, before, false,
	).Order("timestamp DESC").Limit(limit).Find(&history).Error
	return history, err
}

// GetLatestObservation returns the newest non-forecast observation for the
// metric, or gorm.ErrRecordNotFound.
func (s *MetricService) GetLatestObservation(tenantID, metricName string) (*database.MetricObservation, error) {
	var obs database.MetricObservation
	err := s.db.Where(
		"tenant_id = ? AND metric_name = ? AND is_forecast = ?",
		tenantID, metricName, false,
	).Order("timestamp DESC").First(&obs).Error
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

// ListMetricNames returns the distinct metric names with observations for a
// tenant.
func (s *MetricService) ListMetricNames(tenantID string) ([]string, error) {
	var names []string
	err := s.db.Model(&database.MetricObservation{}).
		Where("tenant_id = ?", tenantID).
		Distinct("metric_name").
		Order("metric_name ASC").
		Pluck("metric_name", &names).Error
	return names, err
}

// ListTenants returns the distinct tenants with observations, for sweep
// scheduling.
func (s *MetricService) ListTenants() ([]string, error) {
	var tenants []string
	err := s.db.Model(&database.MetricObservation{}).
		Distinct("tenant_id").
		Order("tenant_id ASC").
		Pluck("tenant_id", &tenants).Error
	return tenants, err
}

// ObservationsSince returns non-forecast observations that arrived or
// changed after since, oldest-first. The filter runs on arrival time rather
// than observation time so late backfills and corrections of old days still
// reach the sweep.
func (s *MetricService) ObservationsSince(tenantID, metricName string, since time.Time) ([]database.MetricObservation, error) {
	var observations []database.MetricObservation
	err := s.db.Where(
		"tenant_id = ? AND metric_name = ? AND updated_at > ? AND is_forecast = ?",
		tenantID, metricName, since, false,
	).Order("timestamp ASC").Find(&observations).Error
	return observations, err
}

// ========== Metric Source Operations ==========

// ListSources returns all registered ingestion sources
func (s *MetricService) ListSources() ([]database.MetricSource, error) {
	var sources []database.MetricSource
	if err := s.db.Find(&sources).Error; err != nil {
		return nil, err
	}
	return sources, nil
}

// GetSourceByUUID retrieves a registered source by its webhook UUID
func (s *MetricService) GetSourceByUUID(id string) (*database.MetricSource, error) {
	var source database.MetricSource
	if err := s.db.Where("uuid = ?", id).First(&source).Error; err != nil {
		return nil, err
	}
	return &source, nil
}

// CreateSource registers a new ingestion source
func (s *MetricService) CreateSource(tenantID, name, description, webhookSecret string) (*database.MetricSource, error) {
	source := &database.MetricSource{
		UUID:          uuid.New().String(),
		TenantID:      tenantID,
		Name:          name,
		Description:   description,
		WebhookSecret: webhookSecret,
		Enabled:       true,
	}
	if err := s.db.Create(source).Error; err != nil {
		return nil, err
	}
	return source, nil
}

// UpdateSource updates a registered source by UUID
func (s *MetricService) UpdateSource(id string, updates map[string]interface{}) error {
	return s.db.Model(&database.MetricSource{}).Where("uuid = ?", id).Updates(updates).Error
}

// DeleteSource removes a registered source by UUID
func (s *MetricService) DeleteSource(id string) error {
	return s.db.Where("uuid = ?", id).Delete(&database.MetricSource{}).Error
}
