package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/kpisentry/kpisentry/internal/api"
	"github.com/kpisentry/kpisentry/internal/database"
	"github.com/kpisentry/kpisentry/internal/services"
)

type noopEmbedder struct{}

func (noopEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return []float64{1}, nil
}

func newTestAPIHandler(t *testing.T) (*gorm.DB, *http.ServeMux) {
	t.Helper()
	db := setupTestDB(t)
	handler := NewAPIHandler(db, services.NewRecommendationService(db, noopEmbedder{}))
	mux := http.NewServeMux()
	handler.SetupRoutes(mux)
	return db, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestAPIHandler_ListAnomalies_RequiresTenant(t *testing.T) {
	_, mux := newTestAPIHandler(t)

	rec := doJSON(t, mux, http.MethodGet, "/api/anomalies", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without tenant, got %d", rec.Code)
	}
}

func TestAPIHandler_AnomalyLifecycleOverHTTP(t *testing.T) {
	db, mux := newTestAPIHandler(t)

	db.Create(&database.Anomaly{
		UUID: "a-1", TenantID: "acme", MetricName: "daily_revenue",
		OccurredAt: time.Now(), Severity: database.AnomalySeverityHigh,
		Status: database.AnomalyStatusActive,
	})

	rec := doJSON(t, mux, http.MethodPost, "/api/anomalies/a-1/acknowledge",
		api.AcknowledgeAnomalyRequest{Actor: "ops@acme.test"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp api.AnomalyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "acknowledged" || resp.AcknowledgedBy != "ops@acme.test" {
		t.Errorf("unexpected response: %+v", resp)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/anomalies/a-1/resolve",
		api.ResolveAnomalyRequest{Notes: "fixed upstream"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Resolved is terminal, so a second acknowledge must conflict
	rec = doJSON(t, mux, http.MethodPost, "/api/anomalies/a-1/acknowledge",
		api.AcknowledgeAnomalyRequest{Actor: "ops@acme.test"})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for illegal transition, got %d", rec.Code)
	}
}

func TestAPIHandler_AnomalyNotFound(t *testing.T) {
	_, mux := newTestAPIHandler(t)

	rec := doJSON(t, mux, http.MethodGet, "/api/anomalies/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAPIHandler_DismissRecommendationRequiresReason(t *testing.T) {
	db, mux := newTestAPIHandler(t)

	db.Create(&database.Recommendation{
		UUID: "r-1", TenantID: "acme", Title: "t",
		Impact: database.ImpactHigh, Urgency: database.UrgencyHigh,
		Status: database.RecommendationStatusViewed,
	})

	rec := doJSON(t, mux, http.MethodPost, "/api/recommendations/r-1/dismiss",
		api.DismissRecommendationRequest{})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 without a reason, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/api/recommendations/r-1/dismiss",
		api.DismissRecommendationRequest{Reason: "already known"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp api.RecommendationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "dismissed" {
		t.Errorf("expected dismissed, got %s", resp.Status)
	}
}

func TestAPIHandler_ListRecommendations_FiltersByActionability(t *testing.T) {
	db, mux := newTestAPIHandler(t)

	db.Create(&database.Recommendation{
		UUID: "r-strong", TenantID: "acme", Title: "t",
		Impact: database.ImpactHigh, Urgency: database.UrgencyUrgent, Confidence: 0.9,
		ActionabilityScore: 0.99, Status: database.RecommendationStatusActive,
	})
	db.Create(&database.Recommendation{
		UUID: "r-weak", TenantID: "acme", Title: "t",
		Impact: database.ImpactLow, Urgency: database.UrgencyLow, Confidence: 0.3,
		ActionabilityScore: 0.23, Status: database.RecommendationStatusActive,
	})

	rec := doJSON(t, mux, http.MethodGet, "/api/recommendations?tenant=acme", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Recommendations []api.RecommendationResponse `json:"recommendations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Recommendations) != 1 || resp.Recommendations[0].UUID != "r-strong" {
		t.Errorf("expected only the actionable recommendation, got %+v", resp.Recommendations)
	}
	if resp.Recommendations[0].PriorityScore == 0 {
		t.Error("expected priority score computed at read time")
	}
}

func TestAPIHandler_CreateSourceReturnsSecretOnce(t *testing.T) {
	_, mux := newTestAPIHandler(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/sources",
		api.CreateSourceRequest{TenantID: "acme", Name: "warehouse"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created struct {
		api.SourceResponse
		WebhookSecret string `json:"webhook_secret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if created.WebhookSecret == "" {
		t.Error("expected webhook secret in creation response")
	}
	if created.WebhookURL == "" {
		t.Error("expected webhook URL in creation response")
	}

	// Listing never exposes the secret
	rec = doJSON(t, mux, http.MethodGet, "/api/sources", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte(created.WebhookSecret)) {
		t.Error("webhook secret leaked in source listing")
	}
}

func TestAPIHandler_CreateSourceValidation(t *testing.T) {
	_, mux := newTestAPIHandler(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/sources",
		api.CreateSourceRequest{TenantID: "acme"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 without a name, got %d", rec.Code)
	}
}

func TestAPIHandler_SourceUpdateAndDelete(t *testing.T) {
	db, mux := newTestAPIHandler(t)

	svc := services.NewMetricService(db)
	source, err := svc.CreateSource("acme", "warehouse", "", "secret")
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}

	disabled := false
	rec := doJSON(t, mux, http.MethodPut, "/api/sources/"+source.UUID,
		api.UpdateSourceRequest{Name: "warehouse-v2", Enabled: &disabled})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var updated api.SourceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if updated.Name != "warehouse-v2" || updated.Enabled {
		t.Errorf("unexpected updated source: %+v", updated)
	}

	rec = doJSON(t, mux, http.MethodDelete, "/api/sources/"+source.UUID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = doJSON(t, mux, http.MethodDelete, "/api/sources/"+source.UUID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a deleted source, got %d", rec.Code)
	}
}

func TestAPIHandler_UpdateDetectionSettings(t *testing.T) {
	db, mux := newTestAPIHandler(t)

	threshold := 2.5
	enabled := false
	rec := doJSON(t, mux, http.MethodPut, "/api/settings/detection",
		api.UpdateDetectionSettingsRequest{ZScoreThreshold: &threshold, Enabled: &enabled})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	settings, err := database.GetOrCreateDetectionSettings(db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.ZScoreThreshold != 2.5 || settings.Enabled {
		t.Errorf("settings not applied: %+v", settings)
	}
	// Fields absent from the request keep their defaults
	if settings.MinMethodsAgree != 2 {
		t.Errorf("unrelated setting changed: %d", settings.MinMethodsAgree)
	}
}

func TestAPIHandler_UpdateDetectionSettings_ValidatesRange(t *testing.T) {
	_, mux := newTestAPIHandler(t)

	bad := 9
	rec := doJSON(t, mux, http.MethodPut, "/api/settings/detection",
		api.UpdateDetectionSettingsRequest{MinMethodsAgree: &bad})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for out-of-range value, got %d", rec.Code)
	}
}

func TestAPIHandler_Dashboard(t *testing.T) {
	db, mux := newTestAPIHandler(t)

	db.Create(&database.MetricObservation{
		TenantID: "acme", MetricName: "signups", Value: 120, Unit: "count",
		Timestamp: time.Now(), Granularity: database.GranularityDaily, Source: "app",
	})

	rec := doJSON(t, mux, http.MethodGet, "/api/dashboard?tenant=acme", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var dashboard services.Dashboard
	if err := json.Unmarshal(rec.Body.Bytes(), &dashboard); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if dashboard.TenantID != "acme" || len(dashboard.Metrics) != 1 {
		t.Errorf("unexpected dashboard: %+v", dashboard)
	}
}
