package services

import (
	"errors"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/kpisentry/kpisentry/internal/database"
)

// MetricSnapshot is one metric's row in the delivery view
type MetricSnapshot struct {
	MetricName    string     `json:"metric_name"`
	LatestValue   float64    `json:"latest_value"`
	Unit          string     `json:"unit"`
	ObservedAt    time.Time  `json:"observed_at"`
	WeekOverWeek  *float64   `json:"week_over_week_pct,omitempty"`
	LatestAnomaly *time.Time `json:"latest_anomaly_at,omitempty"`
}

// Dashboard is the assembled read-side view for one tenant
type Dashboard struct {
	TenantID        string                    `json:"tenant_id"`
	Metrics         []MetricSnapshot          `json:"metrics"`
	Anomalies       []database.Anomaly        `json:"anomalies"`
	Recommendations []database.Recommendation `json:"recommendations"`
	GeneratedAt     time.Time                 `json:"generated_at"`
}

// DeliveryService assembles the read-side view consumed by dashboards.
// Everything here is computed at read time from stored rows; nothing is
// written.
type DeliveryService struct {
	db         *gorm.DB
	metricSvc  *MetricService
	aggSvc     *AggregationService
	anomalySvc *AnomalyService
	recSvc     *RecommendationService
}

// NewDeliveryService creates a new DeliveryService
func NewDeliveryService(db *gorm.DB, recSvc *RecommendationService) *DeliveryService {
	return &DeliveryService{
		db:         db,
		metricSvc:  NewMetricService(db),
		aggSvc:     NewAggregationService(db),
		anomalySvc: NewAnomalyService(db),
		recSvc:     recSvc,
	}
}

// GetDashboard assembles the full delivery view for a tenant
func (s *DeliveryService) GetDashboard(tenantID string) (*Dashboard, error) {
	metrics, err := s.GetMetricSnapshots(tenantID)
	if err != nil {
		return nil, err
	}
	anomalies, err := s.anomalySvc.ListActive(tenantID)
	if err != nil {
		return nil, err
	}
	recommendations, err := s.recSvc.ListActionable(tenantID)
	if err != nil {
		return nil, err
	}
	return &Dashboard{
		TenantID:        tenantID,
		Metrics:         metrics,
		Anomalies:       anomalies,
		Recommendations: recommendations,
		GeneratedAt:     time.Now(),
	}, nil
}

// GetMetricSnapshots returns the latest value and week-over-week change for
// every metric a tenant reports.
func (s *DeliveryService) GetMetricSnapshots(tenantID string) ([]MetricSnapshot, error) {
	names, err := s.metricSvc.ListMetricNames(tenantID)
	if err != nil {
		return nil, err
	}

	snapshots := make([]MetricSnapshot, 0, len(names))
	for _, name := range names {
		latest, err := s.metricSvc.GetLatestObservation(tenantID, name)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		snapshot := MetricSnapshot{
			MetricName:  name,
			LatestValue: latest.Value,
			Unit:        latest.Unit,
			ObservedAt:  latest.Timestamp,
		}
		snapshot.WeekOverWeek = s.weekOverWeek(tenantID, name, latest.Timestamp)

		var anomaly database.Anomaly
		err = s.db.Where(
			"tenant_id = ? AND metric_name = ? AND status IN ?",
			tenantID, name,
			[]database.AnomalyStatus{database.AnomalyStatusActive, database.AnomalyStatusAcknowledged},
		).Order("occurred_at DESC").First(&anomaly).Error
		if err == nil {
			snapshot.LatestAnomaly = &anomaly.OccurredAt
		}

		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

// weekOverWeek compares the metric's daily aggregate with the aggregate
// seven days earlier. Nil when either side is missing or the base is zero.
func (s *DeliveryService) weekOverWeek(tenantID, metricName string, at time.Time) *float64 {
	current, err := s.aggSvc.GetAggregate(tenantID, metricName, at)
	if err != nil {
		return nil
	}
	prior, err := s.aggSvc.GetAggregate(tenantID, metricName, at.AddDate(0, 0, -7))
	if err != nil {
		return nil
	}
	if math.Abs(prior.Mean) < 1e-12 {
		return nil
	}
	pct := (current.Mean - prior.Mean) / math.Abs(prior.Mean) * 100
	return &pct
}
