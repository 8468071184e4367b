package handlers

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/kpisentry/kpisentry/internal/api"
	"github.com/kpisentry/kpisentry/internal/database"
	"github.com/kpisentry/kpisentry/internal/services"
)

// WebhookSecretHeader carries the per-source shared secret
const WebhookSecretHeader = "X-Webhook-Secret"

// MetricSweeper runs on-demand detection after fresh data lands
type MetricSweeper interface {
	SweepMetricNow(tenantID, metricName string, since time.Time) ([]database.Anomaly, error)
}

// IngestHandler receives metric observations from registered sources
type IngestHandler struct {
	metricService *services.MetricService
	sweeper       MetricSweeper
}

// NewIngestHandler creates a new ingest handler. sweeper may be nil.
func NewIngestHandler(metricService *services.MetricService, sweeper MetricSweeper) *IngestHandler {
	return &IngestHandler{
		metricService: metricService,
		sweeper:       sweeper,
	}
}

// HandleWebhook processes incoming observation batches
// Route: /webhook/metrics/{source_uuid}
func (h *IngestHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/webhook/metrics/")
	sourceUUID := strings.TrimSuffix(path, "/")
	if sourceUUID == "" {
		api.RespondError(w, http.StatusBadRequest, "Missing source UUID")
		return
	}

	source, err := h.metricService.GetSourceByUUID(sourceUUID)
	if err != nil {
		log.Printf("Metric source not found: %s - %v", sourceUUID, err)
		api.RespondError(w, http.StatusNotFound, "Source not found")
		return
	}
	if !source.Enabled {
		log.Printf("Metric source disabled: %s", sourceUUID)
		api.RespondError(w, http.StatusForbidden, "Source disabled")
		return
	}

	if source.WebhookSecret != "" {
		provided := r.Header.Get(WebhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(source.WebhookSecret)) != 1 {
			log.Printf("Webhook secret validation failed for %s", sourceUUID)
			api.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
	}

	var req api.IngestRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	response := h.ingestBatch(source, req.Observations)

	// Give fresh data an immediate evaluation instead of waiting for the
	// next scheduled sweep
	if h.sweeper != nil && response.Accepted+response.Corrected > 0 {
		go h.sweepIngested(source.TenantID, req.Observations)
	}

	status := http.StatusOK
	if response.Rejected > 0 && response.Accepted+response.Corrected+response.Duplicate == 0 {
		status = http.StatusUnprocessableEntity
	}
	api.RespondJSON(w, status, response)
}

// ingestBatch pushes each observation through the ingestion contract.
// Outcomes are reported per observation: one bad row never sinks the batch.
func (h *IngestHandler) ingestBatch(source *database.MetricSource, observations []api.ObservationRequest) *api.IngestResponse {
	response := &api.IngestResponse{
		Results: make([]api.ObservationResult, 0, len(observations)),
	}

	for _, in := range observations {
		result := api.ObservationResult{MetricName: in.MetricName, Timestamp: in.Timestamp}

		obs, err := h.toObservation(source, in)
		if err != nil {
			result.Outcome = string(services.IngestRejected)
			result.Error = err.Error()
			response.Rejected++
			response.Results = append(response.Results, result)
			continue
		}

		outcome, err := h.metricService.Ingest(obs)
		result.Outcome = string(outcome)
		if err != nil {
			result.Error = err.Error()
		}
		switch outcome {
		case services.IngestAccepted:
			response.Accepted++
		case services.IngestCorrected:
			response.Corrected++
		case services.IngestDuplicate:
			response.Duplicate++
		default:
			response.Rejected++
		}
		response.Results = append(response.Results, result)
	}
	return response
}

// toObservation maps a request row onto the storage model
func (h *IngestHandler) toObservation(source *database.MetricSource, in api.ObservationRequest) (*database.MetricObservation, error) {
	timestamp, err := time.Parse(time.RFC3339, in.Timestamp)
	if err != nil {
		return nil, &database.ValidationError{Field: "timestamp", Reason: "must be RFC 3339"}
	}

	return &database.MetricObservation{
		TenantID:    source.TenantID,
		MetricName:  in.MetricName,
		Value:       in.Value,
		Unit:        in.Unit,
		Timestamp:   timestamp.UTC(),
		Granularity: database.Granularity(in.Granularity),
		Source:      source.Name,
		IsForecast:  in.IsForecast,
		IsTarget:    in.IsTarget,
	}, nil
}

// sweepIngested triggers detection for each distinct metric in the batch.
// The sweep window is on arrival time, so a few minutes of slack is enough
// to cover the rows this batch just wrote, whatever days they belong to.
func (h *IngestHandler) sweepIngested(tenantID string, observations []api.ObservationRequest) {
	seen := make(map[string]struct{})
	since := time.Now().Add(-5 * time.Minute)
	for _, in := range observations {
		if _, ok := seen[in.MetricName]; ok {
			continue
		}
		seen[in.MetricName] = struct{}{}
		if _, err := h.sweeper.SweepMetricNow(tenantID, in.MetricName, since); err != nil {
			log.Printf("Post-ingest sweep failed for %s/%s: %v", tenantID, in.MetricName, err)
		}
	}
}
