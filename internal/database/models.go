package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// StringArray stores a list of strings as a JSON column
type StringArray []string

// Scan implements the sql.Scanner interface
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, a)
}

// Value implements the driver.Valuer interface
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// Vector stores an embedding as a JSON array of float64.
// Used only for recommendation deduplication, never for ranking.
type Vector []float64

// Scan implements the sql.Scanner interface
func (v *Vector) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, v)
}

// Value implements the driver.Valuer interface
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Granularity is the time bucket size of a metric observation
type Granularity string

const (
	GranularityHourly    Granularity = "hourly"
	GranularityDaily     Granularity = "daily"
	GranularityWeekly    Granularity = "weekly"
	GranularityMonthly   Granularity = "monthly"
	GranularityQuarterly Granularity = "quarterly"
	GranularityYearly    Granularity = "yearly"
)

// ValidGranularities returns all accepted granularity values
func ValidGranularities() []Granularity {
	return []Granularity{
		GranularityHourly,
		GranularityDaily,
		GranularityWeekly,
		GranularityMonthly,
		GranularityQuarterly,
		GranularityYearly,
	}
}

// IsValid reports whether g is a known granularity
func (g Granularity) IsValid() bool {
	for _, v := range ValidGranularities() {
		if g == v {
			return true
		}
	}
	return false
}

// SeasonalPeriod returns the naive seasonal cycle length for a granularity,
// or 0 if the granularity has no meaningful season.
func (g Granularity) SeasonalPeriod() int {
	switch g {
	case GranularityHourly:
		return 24
	case GranularityDaily:
		return 7
	case GranularityMonthly:
		return 12
	case GranularityQuarterly:
		return 4
	default:
		return 0
	}
}

// MetricObservation is one measured value of one named metric at one instant.
// Unique per (tenant, metric, timestamp, granularity, source); immutable once
// written except for value corrections and the forecast/target flags.
type MetricObservation struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	TenantID    string      `gorm:"size:64;not null;index;uniqueIndex:idx_observation_key" json:"tenant_id"`
	MetricName  string      `gorm:"size:128;not null;uniqueIndex:idx_observation_key" json:"metric_name"`
	Value       float64     `gorm:"not null" json:"value"`
	Unit        string      `gorm:"size:32;not null" json:"unit"`
	Timestamp   time.Time   `gorm:"not null;uniqueIndex:idx_observation_key" json:"timestamp"`
	Granularity Granularity `gorm:"type:varchar(20);not null;uniqueIndex:idx_observation_key" json:"granularity"`
	Source      string      `gorm:"size:64;not null;uniqueIndex:idx_observation_key" json:"source"`
	IsForecast  bool        `gorm:"default:false" json:"is_forecast"`
	IsTarget    bool        `gorm:"default:false" json:"is_target"`

	// Set when a late-arriving correction overwrites the value
	PreviousValue *float64 `json:"previous_value,omitempty"`
	ChangePercent *float64 `json:"change_percent,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (MetricObservation) TableName() string {
	return "metric_observations"
}

// DailyAggregate is the derived per-day summary of a metric's observations.
// Fully derivable from metric_observations; replaced, never accumulated.
type DailyAggregate struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TenantID    string    `gorm:"size:64;not null;uniqueIndex:idx_aggregate_key" json:"tenant_id"`
	MetricName  string    `gorm:"size:128;not null;uniqueIndex:idx_aggregate_key" json:"metric_name"`
	Day         time.Time `gorm:"not null;uniqueIndex:idx_aggregate_key" json:"day"`
	Mean        float64   `json:"mean"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Sum         float64   `json:"sum"`
	StdDev      float64   `json:"std_dev"`
	Median      float64   `json:"median"`
	SampleCount int       `json:"sample_count"`
	Unit        string    `gorm:"size:32" json:"unit"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (DailyAggregate) TableName() string {
	return "daily_aggregates"
}

// AnomalySeverity is the coarse severity tier derived from ensemble confidence
type AnomalySeverity string

const (
	AnomalySeverityLow      AnomalySeverity = "low"
	AnomalySeverityMedium   AnomalySeverity = "medium"
	AnomalySeverityHigh     AnomalySeverity = "high"
	AnomalySeverityCritical AnomalySeverity = "critical"
)

// Rank returns an ordering weight for sorting (critical first)
func (s AnomalySeverity) Rank() int {
	switch s {
	case AnomalySeverityCritical:
		return 4
	case AnomalySeverityHigh:
		return 3
	case AnomalySeverityMedium:
		return 2
	case AnomalySeverityLow:
		return 1
	default:
		return 0
	}
}

// AnomalyStatus represents the lifecycle state of an anomaly
type AnomalyStatus string

const (
	AnomalyStatusActive        AnomalyStatus = "active"
	AnomalyStatusAcknowledged  AnomalyStatus = "acknowledged"
	AnomalyStatusResolved      AnomalyStatus = "resolved"
	AnomalyStatusFalsePositive AnomalyStatus = "false_positive"
	AnomalyStatusSuppressed    AnomalyStatus = "suppressed"
)

// anomalyTransitions lists the allowed status transitions. Anomalies are
// mutated only by human acknowledgment/resolution and never deleted.
var anomalyTransitions = map[AnomalyStatus][]AnomalyStatus{
	AnomalyStatusActive: {
		AnomalyStatusAcknowledged,
		AnomalyStatusResolved,
		AnomalyStatusFalsePositive,
		AnomalyStatusSuppressed,
	},
	AnomalyStatusAcknowledged: {
		AnomalyStatusResolved,
		AnomalyStatusFalsePositive,
	},
}

// CanTransitionTo reports whether the status change is allowed
func (s AnomalyStatus) CanTransitionTo(to AnomalyStatus) bool {
	for _, allowed := range anomalyTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Anomaly is a detected deviation for one metric at one occurrence time.
// Confidence is a function only of method agreement, never hand-set.
type Anomaly struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	UUID          string          `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	TenantID      string          `gorm:"size:64;not null;index:idx_anomaly_tenant_status" json:"tenant_id"`
	MetricName    string          `gorm:"size:128;not null;index" json:"metric_name"`
	OccurredAt    time.Time       `gorm:"not null" json:"occurred_at"`
	CurrentValue  float64         `json:"current_value"`
	ExpectedValue float64         `json:"expected_value"`
	DeviationAbs  float64         `json:"deviation_abs"`
	DeviationPct  float64         `json:"deviation_pct"`
	Methods       StringArray     `gorm:"type:jsonb" json:"methods"`
	Confidence    float64         `gorm:"type:decimal(3,2)" json:"confidence"`
	Severity      AnomalySeverity `gorm:"type:varchar(20);not null;index:idx_anomaly_tenant_status" json:"severity"`
	Status        AnomalyStatus   `gorm:"type:varchar(20);not null;default:'active';index:idx_anomaly_tenant_status" json:"status"`

	// Audit trail for human actions
	AcknowledgedBy  string     `gorm:"size:128" json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `gorm:"type:text" json:"resolution_notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Anomaly) TableName() string {
	return "anomalies"
}

// PatternStatus represents the lifecycle state of a pattern
type PatternStatus string

const (
	PatternStatusActive  PatternStatus = "active"
	PatternStatusExpired PatternStatus = "expired"
)

// Pattern is a detected co-movement between two signal series over a period.
// It records a correlation, never a causal claim.
type Pattern struct {
	ID                  uint          `gorm:"primaryKey" json:"id"`
	UUID                string        `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	TenantID            string        `gorm:"size:64;not null;index" json:"tenant_id"`
	MetricA             string        `gorm:"size:128;not null" json:"metric_a"`
	MetricB             string        `gorm:"size:128;not null" json:"metric_b"`
	WindowStart         time.Time     `json:"window_start"`
	WindowEnd           time.Time     `json:"window_end"`
	CorrelationStrength float64       `gorm:"type:decimal(3,2)" json:"correlation_strength"`
	Direction           string        `gorm:"size:16" json:"direction"` // positive or negative
	Confidence          float64       `gorm:"type:decimal(3,2)" json:"confidence"`
	SampleCount         int           `json:"sample_count"`
	Status              PatternStatus `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	ExpiresAt           time.Time     `json:"expires_at"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

func (Pattern) TableName() string {
	return "patterns"
}

// BeforeCreate hook to default pattern expiry
func (p *Pattern) BeforeCreate(tx *gorm.DB) error {
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = time.Now().Add(7 * 24 * time.Hour)
	}
	return nil
}

// RecommendationImpact is the expected business impact of acting
type RecommendationImpact string

const (
	ImpactLow    RecommendationImpact = "low"
	ImpactMedium RecommendationImpact = "medium"
	ImpactHigh   RecommendationImpact = "high"
)

// Weight returns the priority-score contribution of the impact tier
func (i RecommendationImpact) Weight() float64 {
	switch i {
	case ImpactHigh:
		return 0.5
	case ImpactMedium:
		return 0.3
	default:
		return 0.1
	}
}

// RecommendationUrgency is how soon the recommendation should be acted on
type RecommendationUrgency string

const (
	UrgencyLow    RecommendationUrgency = "low"
	UrgencyMedium RecommendationUrgency = "medium"
	UrgencyHigh   RecommendationUrgency = "high"
	UrgencyUrgent RecommendationUrgency = "urgent"
)

// Weight returns the priority-score contribution of the urgency tier
func (u RecommendationUrgency) Weight() float64 {
	switch u {
	case UrgencyUrgent:
		return 0.4
	case UrgencyHigh:
		return 0.3
	case UrgencyMedium:
		return 0.2
	default:
		return 0.1
	}
}

// RecommendationStatus represents the lifecycle state of a recommendation
type RecommendationStatus string

const (
	RecommendationStatusActive    RecommendationStatus = "active"
	RecommendationStatusViewed    RecommendationStatus = "viewed"
	RecommendationStatusActedOn   RecommendationStatus = "acted_on"
	RecommendationStatusDismissed RecommendationStatus = "dismissed"
	RecommendationStatusExpired   RecommendationStatus = "expired"
)

// recommendationTransitions lists the allowed status transitions:
// active -> viewed -> {acted_on, dismissed}, and active -> expired on sweep.
// acted_on, dismissed and expired are terminal.
var recommendationTransitions = map[RecommendationStatus][]RecommendationStatus{
	RecommendationStatusActive: {
		RecommendationStatusViewed,
		RecommendationStatusExpired,
	},
	RecommendationStatusViewed: {
		RecommendationStatusActedOn,
		RecommendationStatusDismissed,
	},
}

// CanTransitionTo reports whether the status change is allowed
func (s RecommendationStatus) CanTransitionTo(to RecommendationStatus) bool {
	for _, allowed := range recommendationTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Recommendation is a synthesized, human-actionable suggestion referencing
// the anomalies/patterns/metrics that produced it.
type Recommendation struct {
	ID                 uint                  `gorm:"primaryKey" json:"id"`
	UUID               string                `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	TenantID           string                `gorm:"size:64;not null;index:idx_rec_tenant_status" json:"tenant_id"`
	Title              string                `gorm:"size:255;not null" json:"title"`
	Summary            string                `gorm:"type:text" json:"summary"`
	ActionItems        StringArray           `gorm:"type:jsonb" json:"action_items"`
	MetricNames        StringArray           `gorm:"type:jsonb" json:"metric_names"`
	AnomalyUUIDs       StringArray           `gorm:"type:jsonb" json:"anomaly_uuids"`
	PatternUUIDs       StringArray           `gorm:"type:jsonb" json:"pattern_uuids"`
	Impact             RecommendationImpact  `gorm:"type:varchar(20);not null" json:"impact"`
	Urgency            RecommendationUrgency `gorm:"type:varchar(20);not null" json:"urgency"`
	Confidence         float64               `gorm:"type:decimal(3,2)" json:"confidence"`
	ActionabilityScore float64               `gorm:"type:decimal(3,2)" json:"actionability_score"`
	Embedding          Vector                `gorm:"type:jsonb" json:"-"`
	DedupSkipped       bool                  `gorm:"default:false" json:"dedup_skipped"`
	Status             RecommendationStatus  `gorm:"type:varchar(20);not null;default:'active';index:idx_rec_tenant_status" json:"status"`
	StatusReason       string                `gorm:"type:text" json:"status_reason,omitempty"`

	// Outcome fields captured after the fact for feedback
	ViewedAt     *time.Time `json:"viewed_at,omitempty"`
	ActedAt      *time.Time `json:"acted_at,omitempty"`
	DismissedAt  *time.Time `json:"dismissed_at,omitempty"`
	OutcomeNotes string     `gorm:"type:text" json:"outcome_notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Recommendation) TableName() string {
	return "recommendations"
}

// PriorityScore is the read-time ranking score: impact weight + urgency
// weight + confidence * 0.1. It is never persisted.
func (r *Recommendation) PriorityScore() float64 {
	return r.Impact.Weight() + r.Urgency.Weight() + r.Confidence*0.1
}

// IsActionable reports whether the recommendation is surfaced in the default
// ranked list of the delivery view.
func (r *Recommendation) IsActionable() bool {
	return r.ActionabilityScore >= 0.5
}

// MetricSource is a registered ingestion source pushing observations to the
// engine via its webhook URL. The engine never knows how values were obtained.
type MetricSource struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	UUID          string    `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	TenantID      string    `gorm:"size:64;not null;index" json:"tenant_id"`
	Name          string    `gorm:"size:128;not null" json:"name"`
	Description   string    `gorm:"type:text" json:"description"`
	WebhookSecret string    `gorm:"type:text" json:"webhook_secret"`
	Enabled       bool      `gorm:"default:true" json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (MetricSource) TableName() string {
	return "metric_sources"
}

// GetWebhookURL returns the server-relative webhook path for this source
func (m *MetricSource) GetWebhookURL() string {
	return "/webhook/metrics/" + m.UUID
}

// MetricDefinition is a catalog entry for a known KPI, seeded from the
// metric catalog file. Direction tells the synthesizer whether an upward
// move is good news or bad news.
type MetricDefinition struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	Name        string      `gorm:"uniqueIndex;size:128;not null" json:"name"`
	DisplayName string      `gorm:"size:255" json:"display_name"`
	Unit        string      `gorm:"size:32" json:"unit"`
	Granularity Granularity `gorm:"type:varchar(20)" json:"granularity"`
	Direction   string      `gorm:"size:16;default:'up'" json:"direction"` // up = higher is better
	Category    string      `gorm:"size:64" json:"category"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (MetricDefinition) TableName() string {
	return "metric_definitions"
}
