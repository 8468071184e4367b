package api

import (
	"time"
)

// ========== Ingestion Types ==========

// ObservationRequest is one observation in a webhook ingestion payload
type ObservationRequest struct {
	MetricName  string  `json:"metric_name" validate:"required,min=1,max=128"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit" validate:"required,max=32"`
	Timestamp   string  `json:"timestamp" validate:"required"`
	Granularity string  `json:"granularity" validate:"required,oneof=hourly daily weekly monthly quarterly"`
	IsForecast  bool    `json:"is_forecast"`
	IsTarget    bool    `json:"is_target"`
}

// IngestRequest is the request body for POST /webhook/metrics/:uuid
type IngestRequest struct {
	Observations []ObservationRequest `json:"observations" validate:"required,min=1,max=1000,dive"`
}

// ObservationResult reports the outcome for one observation in a batch
type ObservationResult struct {
	MetricName string `json:"metric_name"`
	Timestamp  string `json:"timestamp"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
}

// IngestResponse summarizes a webhook ingestion batch
type IngestResponse struct {
	Accepted  int                 `json:"accepted"`
	Corrected int                 `json:"corrected"`
	Duplicate int                 `json:"duplicate"`
	Rejected  int                 `json:"rejected"`
	Results   []ObservationResult `json:"results"`
}

// ========== Metric Source Types ==========

// CreateSourceRequest is the request body for POST /api/sources
type CreateSourceRequest struct {
	TenantID    string `json:"tenant_id" validate:"required,min=1,max=64"`
	Name        string `json:"name" validate:"required,min=1,max=128"`
	Description string `json:"description" validate:"omitempty,max=1024"`
}

// UpdateSourceRequest is the request body for PUT /api/sources/:uuid
type UpdateSourceRequest struct {
	Name        string `json:"name" validate:"omitempty,min=1,max=128"`
	Description string `json:"description" validate:"omitempty,max=1024"`
	Enabled     *bool  `json:"enabled"`
}

// SourceResponse is a registered ingestion source with its webhook URL
type SourceResponse struct {
	UUID        string    `json:"uuid"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	WebhookURL  string    `json:"webhook_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// ========== Anomaly Types ==========

// AnomalyResponse is one anomaly in API responses
type AnomalyResponse struct {
	UUID            string     `json:"uuid"`
	MetricName      string     `json:"metric_name"`
	OccurredAt      time.Time  `json:"occurred_at"`
	CurrentValue    float64    `json:"current_value"`
	ExpectedValue   float64    `json:"expected_value"`
	DeviationPct    float64    `json:"deviation_pct"`
	Methods         []string   `json:"methods"`
	Confidence      float64    `json:"confidence"`
	Severity        string     `json:"severity"`
	Status          string     `json:"status"`
	AcknowledgedBy  string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

// AcknowledgeAnomalyRequest is the request body for POST /api/anomalies/:uuid/acknowledge
type AcknowledgeAnomalyRequest struct {
	Actor string `json:"actor" validate:"required,min=1,max=128"`
}

// ResolveAnomalyRequest is the request body for POST /api/anomalies/:uuid/resolve
type ResolveAnomalyRequest struct {
	Notes string `json:"notes" validate:"omitempty,max=4096"`
}

// ========== Pattern Types ==========

// PatternResponse is one correlation pattern in API responses
type PatternResponse struct {
	UUID                string    `json:"uuid"`
	MetricA             string    `json:"metric_a"`
	MetricB             string    `json:"metric_b"`
	Direction           string    `json:"direction"`
	CorrelationStrength float64   `json:"correlation_strength"`
	Confidence          float64   `json:"confidence"`
	SampleCount         int       `json:"sample_count"`
	WindowStart         time.Time `json:"window_start"`
	WindowEnd           time.Time `json:"window_end"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// ========== Recommendation Types ==========

// RecommendationResponse is one recommendation in API responses
type RecommendationResponse struct {
	UUID          string    `json:"uuid"`
	Title         string    `json:"title"`
	Summary       string    `json:"summary"`
	ActionItems   []string  `json:"action_items"`
	MetricNames   []string  `json:"metric_names"`
	AnomalyUUIDs  []string  `json:"anomaly_uuids"`
	PatternUUIDs  []string  `json:"pattern_uuids"`
	Impact        string    `json:"impact"`
	Urgency       string    `json:"urgency"`
	Confidence    float64   `json:"confidence"`
	PriorityScore float64   `json:"priority_score"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// DismissRecommendationRequest is the request body for POST /api/recommendations/:uuid/dismiss
type DismissRecommendationRequest struct {
	Reason string `json:"reason" validate:"required,min=1,max=1024"`
}

// ActOnRecommendationRequest is the request body for POST /api/recommendations/:uuid/act
type ActOnRecommendationRequest struct {
	Notes string `json:"notes" validate:"omitempty,max=4096"`
}

// ========== Auth Types ==========

// LoginRequest is the request body for POST /auth/login
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse carries the issued JWT
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ========== Settings Types ==========

// UpdateDetectionSettingsRequest is the request body for PUT /api/settings/detection
type UpdateDetectionSettingsRequest struct {
	Enabled                  *bool    `json:"enabled"`
	HistorySize              *int     `json:"history_size" validate:"omitempty,min=7,max=365"`
	MinHistory               *int     `json:"min_history" validate:"omitempty,min=3,max=90"`
	ZScoreThreshold          *float64 `json:"zscore_threshold" validate:"omitempty,gt=0"`
	IQRMultiplier            *float64 `json:"iqr_multiplier" validate:"omitempty,gt=0"`
	TrendResidualSigma       *float64 `json:"trend_residual_sigma" validate:"omitempty,gt=0"`
	MinMethodsAgree          *int     `json:"min_methods_agree" validate:"omitempty,min=1,max=3"`
	CorrelationThreshold     *float64 `json:"correlation_threshold" validate:"omitempty,gt=0,lte=1"`
	DedupSimilarityThreshold *float64 `json:"dedup_similarity_threshold" validate:"omitempty,gt=0,lte=1"`
	SweepIntervalMinutes     *int     `json:"sweep_interval_minutes" validate:"omitempty,min=1"`
}
