package services

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/kpisentry/kpisentry/internal/database"
)

func validObservation() *database.MetricObservation {
	return &database.MetricObservation{
		TenantID:    "acme",
		MetricName:  "signups",
		Value:       42,
		Unit:        "count",
		Timestamp:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		Granularity: database.GranularityDaily,
		Source:      "app",
	}
}

func TestMetricService_Ingest_Accepted(t *testing.T) {
	db := setupTestDB(t)
	svc := NewMetricService(db)

	outcome, err := svc.Ingest(validObservation())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != IngestAccepted {
		t.Errorf("expected accepted, got %s", outcome)
	}

	var count int64
	db.Model(&database.MetricObservation{}).Count(&count)
	if count != 1 {
		t.Errorf("expected 1 stored observation, got %d", count)
	}
}

func TestMetricService_Ingest_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	svc := NewMetricService(db)

	if _, err := svc.Ingest(validObservation()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outcome, err := svc.Ingest(validObservation())
	if err != nil {
		t.Fatalf("duplicate must be benign, got error: %v", err)
	}
	if outcome != IngestDuplicate {
		t.Errorf("expected duplicate, got %s", outcome)
	}

	var count int64
	db.Model(&database.MetricObservation{}).Count(&count)
	if count != 1 {
		t.Errorf("expected duplicate not stored, got %d rows", count)
	}
}

func TestMetricService_Ingest_CorrectionPreservesPriorValue(t *testing.T) {
	db := setupTestDB(t)
	svc := NewMetricService(db)

	if _, err := svc.Ingest(validObservation()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	corrected := validObservation()
	corrected.Value = 50
	outcome, err := svc.Ingest(corrected)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != IngestCorrected {
		t.Errorf("expected corrected, got %s", outcome)
	}
	if corrected.PreviousValue == nil || *corrected.PreviousValue != 42 {
		t.Errorf("expected previous value 42 preserved, got %v", corrected.PreviousValue)
	}
	if corrected.ChangePercent == nil || math.Abs(*corrected.ChangePercent-19.047619047619047) > 1e-9 {
		t.Errorf("unexpected change percent: %v", corrected.ChangePercent)
	}

	var count int64
	db.Model(&database.MetricObservation{}).Count(&count)
	if count != 1 {
		t.Errorf("correction must overwrite, not append; got %d rows", count)
	}

	var stored database.MetricObservation
	db.First(&stored)
	if stored.Value != 50 {
		t.Errorf("expected stored value 50 after correction, got %v", stored.Value)
	}
}

func TestMetricService_Ingest_RejectsInvalid(t *testing.T) {
	db := setupTestDB(t)
	svc := NewMetricService(db)

	cases := []struct {
		name   string
		mutate func(*database.MetricObservation)
		field  string
	}{
		{"missing tenant", func(o *database.MetricObservation) { o.TenantID = "" }, "tenant_id"},
		{"missing metric", func(o *database.MetricObservation) { o.MetricName = "" }, "metric_name"},
		{"missing source", func(o *database.MetricObservation) { o.Source = "" }, "source"},
		{"NaN value", func(o *database.MetricObservation) { o.Value = math.NaN() }, "value"},
		{"infinite value", func(o *database.MetricObservation) { o.Value = math.Inf(1) }, "value"},
		{"missing unit", func(o *database.MetricObservation) { o.Unit = "" }, "unit"},
		{"bad granularity", func(o *database.MetricObservation) { o.Granularity = "fortnightly" }, "granularity"},
		{"zero timestamp", func(o *database.MetricObservation) { o.Timestamp = time.Time{} }, "timestamp"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obs := validObservation()
			tc.mutate(obs)

			outcome, err := svc.Ingest(obs)
			if outcome != IngestRejected {
				t.Errorf("expected rejected, got %s", outcome)
			}
			var valErr *database.ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if valErr.Field != tc.field {
				t.Errorf("expected field %s, got %s", tc.field, valErr.Field)
			}
		})
	}

	var count int64
	db.Model(&database.MetricObservation{}).Count(&count)
	if count != 0 {
		t.Errorf("rejected observations must not be stored, got %d rows", count)
	}
}

func TestMetricService_Ingest_RejectsGranularityDrift(t *testing.T) {
	db := setupTestDB(t)
	svc := NewMetricService(db)

	if _, err := svc.Ingest(validObservation()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	drifted := validObservation()
	drifted.Timestamp = drifted.Timestamp.Add(time.Hour)
	drifted.Granularity = database.GranularityHourly

	outcome, err := svc.Ingest(drifted)
	if outcome != IngestRejected {
		t.Errorf("expected rejected on granularity drift, got %s", outcome)
	}
	var valErr *database.ValidationError
	if !errors.As(err, &valErr) || valErr.Field != "granularity" {
		t.Errorf("expected granularity ValidationError, got %v", err)
	}
}

func TestMetricService_GetHistory_ExcludesForecastsAndNewer(t *testing.T) {
	db := setupTestDB(t)
	svc := NewMetricService(db)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		db.Create(&database.MetricObservation{
			TenantID: "acme", MetricName: "signups", Value: float64(i),
			Unit: "count", Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
			Granularity: database.GranularityDaily, Source: "app",
		})
	}
	db.Create(&database.MetricObservation{
		TenantID: "acme", MetricName: "signups", Value: 999,
		Unit: "count", Timestamp: base.Add(5*24*time.Hour + time.Hour),
		Granularity: database.GranularityDaily, Source: "forecaster", IsForecast: true,
	})

	cutoff := base.Add(8 * 24 * time.Hour)
	history, err := svc.GetHistory("acme", "signups", cutoff, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 points, got %d", len(history))
	}
	// Newest-first, strictly older than the cutoff, no forecasts
	if history[0].Value != 7 {
		t.Errorf("expected newest value 7, got %v", history[0].Value)
	}
	for _, h := range history {
		if h.IsForecast {
			t.Error("forecast leaked into history")
		}
		if !h.Timestamp.Before(cutoff) {
			t.Errorf("history point %v not older than cutoff", h.Timestamp)
		}
	}
}

func TestMetricService_SourceLifecycle(t *testing.T) {
	db := setupTestDB(t)
	svc := NewMetricService(db)

	source, err := svc.CreateSource("acme", "billing-export", "nightly billing job", "s3cret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.UUID == "" {
		t.Fatal("expected source UUID assigned")
	}
	if !source.Enabled {
		t.Error("expected new source enabled")
	}

	fetched, err := svc.GetSourceByUUID(source.UUID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetched.Name != "billing-export" {
		t.Errorf("unexpected source name: %s", fetched.Name)
	}

	if err := svc.UpdateSource(source.UUID, map[string]interface{}{"enabled": false}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fetched, _ = svc.GetSourceByUUID(source.UUID)
	if fetched.Enabled {
		t.Error("expected source disabled after update")
	}

	if err := svc.DeleteSource(source.UUID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.GetSourceByUUID(source.UUID); err == nil {
		t.Error("expected lookup failure after delete")
	}
}

func TestMetricService_ObservationsSince_UsesArrivalTime(t *testing.T) {
	db := setupTestDB(t)
	svc := NewMetricService(db)

	// A backfill: the observation is timestamped a month ago but arrives now
	obs := validObservation()
	obs.Timestamp = time.Now().UTC().AddDate(0, 0, -30)
	if _, err := svc.Ingest(obs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := svc.ObservationsSince("acme", "signups", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("backfilled observation must be visible to the sweep, got %d rows", len(got))
	}

	got, err = svc.ObservationsSince("acme", "signups", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no rows newer than a future watermark, got %d", len(got))
	}
}
