package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/kpisentry/kpisentry/internal/api"
	"github.com/kpisentry/kpisentry/internal/database"
	"github.com/kpisentry/kpisentry/internal/middleware"
	"github.com/kpisentry/kpisentry/internal/services"
)

// APIHandler handles API endpoints for dashboards and human review actions
type APIHandler struct {
	db              *gorm.DB
	metricService   *services.MetricService
	anomalyService  *services.AnomalyService
	patternService  *services.PatternService
	recService      *services.RecommendationService
	deliveryService *services.DeliveryService
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(db *gorm.DB, recService *services.RecommendationService) *APIHandler {
	return &APIHandler{
		db:              db,
		metricService:   services.NewMetricService(db),
		anomalyService:  services.NewAnomalyService(db),
		patternService:  services.NewPatternService(db),
		recService:      recService,
		deliveryService: services.NewDeliveryService(db, recService),
	}
}

// SetupRoutes sets up all API routes
func (h *APIHandler) SetupRoutes(mux *http.ServeMux) {
	// Delivery view
	mux.HandleFunc("GET /api/dashboard", h.handleDashboard)

	// Metrics
	mux.HandleFunc("GET /api/metrics", h.handleListMetrics)
	mux.HandleFunc("GET /api/metrics/{name}/history", h.handleMetricHistory)

	// Anomalies
	mux.HandleFunc("GET /api/anomalies", h.handleListAnomalies)
	mux.HandleFunc("GET /api/anomalies/{uuid}", h.handleGetAnomaly)
	mux.HandleFunc("POST /api/anomalies/{uuid}/acknowledge", h.handleAcknowledgeAnomaly)
	mux.HandleFunc("POST /api/anomalies/{uuid}/resolve", h.handleResolveAnomaly)
	mux.HandleFunc("POST /api/anomalies/{uuid}/false-positive", h.handleFalsePositive)
	mux.HandleFunc("POST /api/anomalies/{uuid}/suppress", h.handleSuppressAnomaly)

	// Patterns
	mux.HandleFunc("GET /api/patterns", h.handleListPatterns)

	// Recommendations
	mux.HandleFunc("GET /api/recommendations", h.handleListRecommendations)
	mux.HandleFunc("POST /api/recommendations/{uuid}/view", h.handleViewRecommendation)
	mux.HandleFunc("POST /api/recommendations/{uuid}/act", h.handleActOnRecommendation)
	mux.HandleFunc("POST /api/recommendations/{uuid}/dismiss", h.handleDismissRecommendation)

	// Metric sources
	mux.HandleFunc("GET /api/sources", h.handleListSources)
	mux.HandleFunc("POST /api/sources", h.handleCreateSource)
	mux.HandleFunc("PUT /api/sources/{uuid}", h.handleUpdateSource)
	mux.HandleFunc("DELETE /api/sources/{uuid}", h.handleDeleteSource)

	// Settings
	mux.HandleFunc("GET /api/settings/detection", h.handleGetDetectionSettings)
	mux.HandleFunc("PUT /api/settings/detection", h.handleUpdateDetectionSettings)
	mux.HandleFunc("GET /api/settings/slack", h.handleGetSlackSettings)
	mux.HandleFunc("PUT /api/settings/slack", h.handleUpdateSlackSettings)

	// API documentation
	mux.HandleFunc("GET /api/openapi.yaml", h.handleOpenAPISpec)
	mux.HandleFunc("GET /api/docs", h.handleDocs)
}

// generateWebhookSecret produces a random per-source shared secret
func generateWebhookSecret() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		log.Printf("Warning: could not generate webhook secret: %v", err)
		return ""
	}
	return hex.EncodeToString(b)
}

// tenantParam reads the required tenant query parameter
func tenantParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		api.RespondError(w, http.StatusBadRequest, "Missing tenant parameter")
		return "", false
	}
	return tenantID, true
}

// respondDomainError maps domain errors onto HTTP statuses
func respondDomainError(w http.ResponseWriter, err error) {
	var transErr *database.InvalidTransitionError
	var valErr *database.ValidationError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		api.RespondError(w, http.StatusNotFound, "Not found")
	case errors.As(err, &transErr):
		api.RespondErrorWithCode(w, http.StatusConflict, "invalid_transition", transErr.Error())
	case errors.As(err, &valErr):
		api.RespondValidationError(w, map[string]string{valErr.Field: valErr.Reason})
	default:
		log.Printf("API error: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Internal error")
	}
}

// handleDashboard handles GET /api/dashboard?tenant=
func (h *APIHandler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	dashboard, err := h.deliveryService.GetDashboard(tenantID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, dashboard)
}

// handleListMetrics handles GET /api/metrics?tenant=
func (h *APIHandler) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	names, err := h.metricService.ListMetricNames(tenantID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string][]string{"metrics": names})
}

// handleMetricHistory handles GET /api/metrics/{name}/history?tenant=
func (h *APIHandler) handleMetricHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	p := api.ParsePagination(r)
	history, err := h.metricService.GetHistory(tenantID, r.PathValue("name"), time.Now(), p.PerPage)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{"observations": history})
}

// handleListAnomalies handles GET /api/anomalies?tenant=
func (h *APIHandler) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	anomalies, err := h.anomalyService.ListActive(tenantID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": api.AnomaliesToResponses(anomalies),
	})
}

// handleGetAnomaly handles GET /api/anomalies/{uuid}
func (h *APIHandler) handleGetAnomaly(w http.ResponseWriter, r *http.Request) {
	anomaly, err := h.anomalyService.GetByUUID(r.PathValue("uuid"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.AnomalyToResponse(*anomaly))
}

// handleAcknowledgeAnomaly handles POST /api/anomalies/{uuid}/acknowledge
func (h *APIHandler) handleAcknowledgeAnomaly(w http.ResponseWriter, r *http.Request) {
	var req api.AcknowledgeAnomalyRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = middleware.GetUserFromContext(r.Context())
	}
	if actor == "" {
		api.RespondValidationError(w, map[string]string{"actor": "is required"})
		return
	}

	anomaly, err := h.anomalyService.Acknowledge(r.PathValue("uuid"), actor)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.AnomalyToResponse(*anomaly))
}

// handleResolveAnomaly handles POST /api/anomalies/{uuid}/resolve
func (h *APIHandler) handleResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	var req api.ResolveAnomalyRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	anomaly, err := h.anomalyService.Resolve(r.PathValue("uuid"), req.Notes)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.AnomalyToResponse(*anomaly))
}

// handleFalsePositive handles POST /api/anomalies/{uuid}/false-positive
func (h *APIHandler) handleFalsePositive(w http.ResponseWriter, r *http.Request) {
	anomaly, err := h.anomalyService.MarkFalsePositive(r.PathValue("uuid"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.AnomalyToResponse(*anomaly))
}

// handleSuppressAnomaly handles POST /api/anomalies/{uuid}/suppress
func (h *APIHandler) handleSuppressAnomaly(w http.ResponseWriter, r *http.Request) {
	anomaly, err := h.anomalyService.Suppress(r.PathValue("uuid"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.AnomalyToResponse(*anomaly))
}

// handleListPatterns handles GET /api/patterns?tenant=
func (h *APIHandler) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	patterns, err := h.patternService.ListActive(tenantID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": api.PatternsToResponses(patterns),
	})
}

// handleListRecommendations handles GET /api/recommendations?tenant=
func (h *APIHandler) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantParam(w, r)
	if !ok {
		return
	}
	recs, err := h.recService.ListActionable(tenantID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"recommendations": api.RecommendationsToResponses(recs),
	})
}

// handleViewRecommendation handles POST /api/recommendations/{uuid}/view
func (h *APIHandler) handleViewRecommendation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.recService.MarkViewed(r.PathValue("uuid"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.RecommendationToResponse(*rec))
}

// handleActOnRecommendation handles POST /api/recommendations/{uuid}/act
func (h *APIHandler) handleActOnRecommendation(w http.ResponseWriter, r *http.Request) {
	var req api.ActOnRecommendationRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.recService.MarkActedOn(r.PathValue("uuid"), req.Notes)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.RecommendationToResponse(*rec))
}

// handleDismissRecommendation handles POST /api/recommendations/{uuid}/dismiss
func (h *APIHandler) handleDismissRecommendation(w http.ResponseWriter, r *http.Request) {
	var req api.DismissRecommendationRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	rec, err := h.recService.MarkDismissed(r.PathValue("uuid"), req.Reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.RecommendationToResponse(*rec))
}

// handleListSources handles GET /api/sources
func (h *APIHandler) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.metricService.ListSources()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"sources": api.SourcesToResponses(sources),
	})
}

// handleCreateSource handles POST /api/sources
func (h *APIHandler) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSourceRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	secret := generateWebhookSecret()
	source, err := h.metricService.CreateSource(req.TenantID, req.Name, req.Description, secret)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	// The secret is returned once, at creation
	response := struct {
		api.SourceResponse
		WebhookSecret string `json:"webhook_secret"`
	}{api.SourceToResponse(*source), secret}
	api.RespondJSON(w, http.StatusCreated, response)
}

// handleUpdateSource handles PUT /api/sources/{uuid}
func (h *APIHandler) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateSourceRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	id := r.PathValue("uuid")
	if _, err := h.metricService.GetSourceByUUID(id); err != nil {
		respondDomainError(w, err)
		return
	}

	updates := make(map[string]interface{})
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.Description != "" {
		updates["description"] = req.Description
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if err := h.metricService.UpdateSource(id, updates); err != nil {
		respondDomainError(w, err)
		return
	}

	source, err := h.metricService.GetSourceByUUID(id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.SourceToResponse(*source))
}

// handleDeleteSource handles DELETE /api/sources/{uuid}
func (h *APIHandler) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	if _, err := h.metricService.GetSourceByUUID(id); err != nil {
		respondDomainError(w, err)
		return
	}
	if err := h.metricService.DeleteSource(id); err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondNoContent(w)
}

// handleGetDetectionSettings handles GET /api/settings/detection
func (h *APIHandler) handleGetDetectionSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := database.GetOrCreateDetectionSettings(h.db)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, settings)
}

// handleUpdateDetectionSettings handles PUT /api/settings/detection
func (h *APIHandler) handleUpdateDetectionSettings(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateDetectionSettingsRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fieldErrors := api.Validate(req); fieldErrors != nil {
		api.RespondValidationError(w, fieldErrors)
		return
	}

	settings, err := database.GetOrCreateDetectionSettings(h.db)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	applyDetectionSettings(settings, &req)
	if err := database.UpdateDetectionSettings(h.db, settings); err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, settings)
}

// applyDetectionSettings copies the non-nil request fields onto the settings
func applyDetectionSettings(s *database.DetectionSettings, req *api.UpdateDetectionSettingsRequest) {
	if req.Enabled != nil {
		s.Enabled = *req.Enabled
	}
	if req.HistorySize != nil {
		s.HistorySize = *req.HistorySize
	}
	if req.MinHistory != nil {
		s.MinHistory = *req.MinHistory
	}
	if req.ZScoreThreshold != nil {
		s.ZScoreThreshold = *req.ZScoreThreshold
	}
	if req.IQRMultiplier != nil {
		s.IQRMultiplier = *req.IQRMultiplier
	}
	if req.TrendResidualSigma != nil {
		s.TrendResidualSigma = *req.TrendResidualSigma
	}
	if req.MinMethodsAgree != nil {
		s.MinMethodsAgree = *req.MinMethodsAgree
	}
	if req.CorrelationThreshold != nil {
		s.CorrelationThreshold = *req.CorrelationThreshold
	}
	if req.DedupSimilarityThreshold != nil {
		s.DedupSimilarityThreshold = *req.DedupSimilarityThreshold
	}
	if req.SweepIntervalMinutes != nil {
		s.SweepIntervalMinutes = *req.SweepIntervalMinutes
	}
}

// handleGetSlackSettings handles GET /api/settings/slack
func (h *APIHandler) handleGetSlackSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := database.GetSlackSettings()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	// Never echo the bot token
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":        settings.Enabled,
		"alerts_channel": settings.AlertsChannel,
		"configured":     settings.IsConfigured(),
	})
}

// handleUpdateSlackSettings handles PUT /api/settings/slack
func (h *APIHandler) handleUpdateSlackSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BotToken      string `json:"bot_token"`
		AlertsChannel string `json:"alerts_channel"`
		Enabled       *bool  `json:"enabled"`
	}
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	settings, err := database.GetSlackSettings()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if req.BotToken != "" {
		settings.BotToken = req.BotToken
	}
	if req.AlertsChannel != "" {
		settings.AlertsChannel = req.AlertsChannel
	}
	if req.Enabled != nil {
		settings.Enabled = *req.Enabled
	}
	if err := database.UpdateSlackSettings(settings); err != nil {
		respondDomainError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":        settings.Enabled,
		"alerts_channel": settings.AlertsChannel,
		"configured":     settings.IsConfigured(),
	})
}
