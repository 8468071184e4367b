package services

import (
	"math"
	"testing"
	"time"

	"github.com/kpisentry/kpisentry/internal/database"
)

func TestDeliveryService_GetMetricSnapshots_WeekOverWeek(t *testing.T) {
	db := setupTestDB(t)
	svc := NewDeliveryService(db, NewRecommendationService(db, &stubEmbedder{vectors: [][]float64{{1}}}))

	today := StartOfDay(time.Now())
	lastWeek := today.AddDate(0, 0, -7)

	db.Create(&database.MetricObservation{
		TenantID: "acme", MetricName: "signups", Value: 120, Unit: "count",
		Timestamp: today, Granularity: database.GranularityDaily, Source: "app",
	})
	db.Create(&database.DailyAggregate{
		TenantID: "acme", MetricName: "signups", Day: today,
		Mean: 120, Min: 120, Max: 120, Sum: 120, SampleCount: 1, Unit: "count",
	})
	db.Create(&database.DailyAggregate{
		TenantID: "acme", MetricName: "signups", Day: lastWeek,
		Mean: 100, Min: 100, Max: 100, Sum: 100, SampleCount: 1, Unit: "count",
	})

	snapshots, err := svc.GetMetricSnapshots("acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snapshots))
	}

	snap := snapshots[0]
	if snap.LatestValue != 120 {
		t.Errorf("expected latest value 120, got %v", snap.LatestValue)
	}
	if snap.WeekOverWeek == nil {
		t.Fatal("expected week-over-week change")
	}
	if math.Abs(*snap.WeekOverWeek-20) > 1e-9 {
		t.Errorf("expected +20%% week over week, got %v", *snap.WeekOverWeek)
	}
}

func TestDeliveryService_GetMetricSnapshots_MissingPriorWeek(t *testing.T) {
	db := setupTestDB(t)
	svc := NewDeliveryService(db, NewRecommendationService(db, &stubEmbedder{vectors: [][]float64{{1}}}))

	today := StartOfDay(time.Now())
	db.Create(&database.MetricObservation{
		TenantID: "acme", MetricName: "signups", Value: 120, Unit: "count",
		Timestamp: today, Granularity: database.GranularityDaily, Source: "app",
	})
	db.Create(&database.DailyAggregate{
		TenantID: "acme", MetricName: "signups", Day: today,
		Mean: 120, SampleCount: 1, Unit: "count",
	})

	snapshots, err := svc.GetMetricSnapshots("acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshots[0].WeekOverWeek != nil {
		t.Errorf("expected nil week-over-week without prior data, got %v", *snapshots[0].WeekOverWeek)
	}
}

func TestDeliveryService_GetDashboard_AssemblesAllSections(t *testing.T) {
	db := setupTestDB(t)
	svc := NewDeliveryService(db, NewRecommendationService(db, &stubEmbedder{vectors: [][]float64{{1}}}))

	now := time.Now()
	db.Create(&database.MetricObservation{
		TenantID: "acme", MetricName: "daily_revenue", Value: 98000, Unit: "usd",
		Timestamp: now, Granularity: database.GranularityDaily, Source: "billing",
	})
	db.Create(&database.Anomaly{
		UUID: "a-1", TenantID: "acme", MetricName: "daily_revenue", OccurredAt: now,
		Severity: database.AnomalySeverityHigh, Status: database.AnomalyStatusActive,
	})
	db.Create(&database.Recommendation{
		UUID: "r-1", TenantID: "acme", Title: "t",
		Impact: database.ImpactHigh, Urgency: database.UrgencyHigh, Confidence: 0.8,
		ActionabilityScore: 0.88, Status: database.RecommendationStatusActive,
	})
	// Another tenant's rows must not leak
	db.Create(&database.Anomaly{
		UUID: "a-other", TenantID: "globex", MetricName: "daily_revenue", OccurredAt: now,
		Severity: database.AnomalySeverityCritical, Status: database.AnomalyStatusActive,
	})

	dashboard, err := svc.GetDashboard("acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dashboard.Metrics) != 1 {
		t.Errorf("expected 1 metric snapshot, got %d", len(dashboard.Metrics))
	}
	if len(dashboard.Anomalies) != 1 || dashboard.Anomalies[0].UUID != "a-1" {
		t.Errorf("expected only acme's anomaly, got %+v", dashboard.Anomalies)
	}
	if len(dashboard.Recommendations) != 1 || dashboard.Recommendations[0].UUID != "r-1" {
		t.Errorf("expected 1 recommendation, got %+v", dashboard.Recommendations)
	}
	if dashboard.Metrics[0].LatestAnomaly == nil {
		t.Error("expected snapshot to flag its active anomaly")
	}
}
