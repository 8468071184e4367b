package jobs

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/kpisentry/kpisentry/internal/database"
	"github.com/kpisentry/kpisentry/internal/services"
)

// ExpiryJob retires patterns and recommendations past their shelf life
type ExpiryJob struct {
	db         *gorm.DB
	patternSvc *services.PatternService
	recSvc     *services.RecommendationService
}

// NewExpiryJob creates a new expiry job
func NewExpiryJob(db *gorm.DB, recSvc *services.RecommendationService) *ExpiryJob {
	return &ExpiryJob{
		db:         db,
		patternSvc: services.NewPatternService(db),
		recSvc:     recSvc,
	}
}

// Run executes one expiry pass. Returns the total number of rows retired.
func (j *ExpiryJob) Run() (int, error) {
	settings, err := database.GetOrCreateDetectionSettings(j.db)
	if err != nil {
		return 0, err
	}

	patterns, err := j.patternSvc.ExpireStale()
	if err != nil {
		return 0, err
	}

	recommendations, err := j.recSvc.ExpireStale(settings)
	if err != nil {
		return patterns, err
	}

	return patterns + recommendations, nil
}

// Start begins periodic expiry passes
func (j *ExpiryJob) Start(stop <-chan struct{}) {
	settings, err := database.GetOrCreateDetectionSettings(j.db)
	if err != nil {
		log.Printf("Failed to get detection settings, using defaults: %v", err)
		settings = database.NewDefaultDetectionSettings()
	}

	interval := time.Duration(settings.ExpiryIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			retired, err := j.Run()
			if err != nil {
				log.Printf("Expiry job error: %v", err)
			} else if retired > 0 {
				log.Printf("Expiry job: retired %d rows", retired)
			}

		case <-stop:
			log.Println("Expiry job stopped")
			return
		}
	}
}
