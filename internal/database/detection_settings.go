package database

import (
	"time"

	"gorm.io/gorm"
)

// DetectionSettings controls anomaly detection, correlation and synthesis
// behavior. Stored as a singleton row so thresholds are tunable at runtime
// without a redeploy.
type DetectionSettings struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Enabled bool `gorm:"default:true" json:"enabled"`

	// Detector
	HistorySize        int     `gorm:"default:30" json:"history_size"`
	MinHistory         int     `gorm:"default:7" json:"min_history"`
	ZScoreThreshold    float64 `gorm:"type:decimal(4,2);default:3.0" json:"zscore_threshold"`
	IQRMultiplier      float64 `gorm:"type:decimal(4,2);default:1.5" json:"iqr_multiplier"`
	TrendResidualSigma float64 `gorm:"type:decimal(4,2);default:2.5" json:"trend_residual_sigma"`
	MinMethodsAgree    int     `gorm:"default:2" json:"min_methods_agree"`

	// Correlator
	CorrelationThreshold  float64 `gorm:"type:decimal(3,2);default:0.60" json:"correlation_threshold"`
	MinOverlapPoints      int     `gorm:"default:5" json:"min_overlap_points"`
	CorrelationWindowDays int     `gorm:"default:90" json:"correlation_window_days"`
	PatternExpiryDays     int     `gorm:"default:7" json:"pattern_expiry_days"`

	// Synthesizer
	DedupSimilarityThreshold float64 `gorm:"type:decimal(3,2);default:0.85" json:"dedup_similarity_threshold"`
	DedupWindowDays          int     `gorm:"default:7" json:"dedup_window_days"`
	RecommendationExpiryDays int     `gorm:"default:14" json:"recommendation_expiry_days"`
	EmbeddingTimeoutSeconds  int     `gorm:"default:10" json:"embedding_timeout_seconds"`

	// Jobs
	SweepIntervalMinutes  int `gorm:"default:60" json:"sweep_interval_minutes"`
	ExpiryIntervalMinutes int `gorm:"default:360" json:"expiry_interval_minutes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DetectionSettings) TableName() string {
	return "detection_settings"
}

// NewDefaultDetectionSettings returns settings with default values
func NewDefaultDetectionSettings() *DetectionSettings {
	return &DetectionSettings{
		Enabled:                  true,
		HistorySize:              30,
		MinHistory:               7,
		ZScoreThreshold:          3.0,
		IQRMultiplier:            1.5,
		TrendResidualSigma:       2.5,
		MinMethodsAgree:          2,
		CorrelationThreshold:     0.60,
		MinOverlapPoints:         5,
		CorrelationWindowDays:    90,
		PatternExpiryDays:        7,
		DedupSimilarityThreshold: 0.85,
		DedupWindowDays:          7,
		RecommendationExpiryDays: 14,
		EmbeddingTimeoutSeconds:  10,
		SweepIntervalMinutes:     60,
		ExpiryIntervalMinutes:    360,
	}
}

// GetOrCreateDetectionSettings retrieves or creates detection settings
// (singleton). Accepts a db parameter to support dependency injection,
// transaction contexts, and easier testing.
func GetOrCreateDetectionSettings(db *gorm.DB) (*DetectionSettings, error) {
	var settings DetectionSettings
	result := db.First(&settings)
	if result.Error == gorm.ErrRecordNotFound {
		settings = *NewDefaultDetectionSettings()
		if err := db.Create(&settings).Error; err != nil {
			return nil, err
		}
	} else if result.Error != nil {
		return nil, result.Error
	}
	return &settings, nil
}

// UpdateDetectionSettings updates detection settings.
// Uses Save() which handles both insert and update operations.
func UpdateDetectionSettings(db *gorm.DB, settings *DetectionSettings) error {
	return db.Save(settings).Error
}
