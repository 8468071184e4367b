package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/kpisentry/kpisentry/internal/database"
	"github.com/kpisentry/kpisentry/internal/services"
	"github.com/kpisentry/kpisentry/internal/utils"
)

// CriticalNotifier pushes critical anomalies to an external channel
type CriticalNotifier interface {
	NotifyCriticalAnomaly(anomaly *database.Anomaly) error
}

// SweepStats summarizes one sweep iteration
type SweepStats struct {
	TenantsSwept           int
	MetricsSwept           int
	ObservationsScanned    int
	AnomaliesDetected      int
	PatternsActive         int
	RecommendationsCreated int
	RecommendationsDeduped int
	MetricFailures         int
}

// SweepJob runs the full pipeline on a schedule: aggregate fresh
// observations, detect anomalies, refresh correlations, synthesize
// recommendations. One metric's failure never takes down the rest of the
// sweep.
type SweepJob struct {
	db         *gorm.DB
	metricSvc  *services.MetricService
	aggSvc     *services.AggregationService
	anomalySvc *services.AnomalyService
	patternSvc *services.PatternService
	recSvc     *services.RecommendationService
	notifier   CriticalNotifier

	// Serializes work per (tenant, metric) so an overlapping manual trigger
	// cannot interleave with the scheduled sweep on the same series.
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	lastRun time.Time
}

// NewSweepJob creates a new sweep job. notifier may be nil.
func NewSweepJob(db *gorm.DB, recSvc *services.RecommendationService, notifier CriticalNotifier) *SweepJob {
	return &SweepJob{
		db:         db,
		metricSvc:  services.NewMetricService(db),
		aggSvc:     services.NewAggregationService(db),
		anomalySvc: services.NewAnomalyService(db),
		patternSvc: services.NewPatternService(db),
		recSvc:     recSvc,
		notifier:   notifier,
		locks:      make(map[string]*sync.Mutex),
	}
}

// metricLock returns the mutex serializing one (tenant, metric) series
func (j *SweepJob) metricLock(tenantID, metricName string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	key := tenantID + "\x00" + metricName
	lock, ok := j.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		j.locks[key] = lock
	}
	return lock
}

// Run executes one sweep iteration across all tenants
func (j *SweepJob) Run() (SweepStats, error) {
	var stats SweepStats

	settings, err := database.GetOrCreateDetectionSettings(j.db)
	if err != nil {
		return stats, err
	}
	if !settings.Enabled {
		log.Println("Detection is disabled, skipping sweep")
		return stats, nil
	}

	since := j.lastRun
	if since.IsZero() {
		// First run after startup: cover the last day
		since = time.Now().Add(-24 * time.Hour)
	}
	sweepStart := time.Now()

	tenants, err := j.metricSvc.ListTenants()
	if err != nil {
		return stats, err
	}

	for _, tenantID := range tenants {
		stats.TenantsSwept++
		j.sweepTenant(tenantID, since, settings, &stats)
	}

	j.lastRun = sweepStart
	return stats, nil
}

// sweepTenant runs detection for each of a tenant's metrics, then refreshes
// correlations and synthesizes recommendations from whatever the sweep
// surfaced.
func (j *SweepJob) sweepTenant(tenantID string, since time.Time, settings *database.DetectionSettings, stats *SweepStats) {
	metricNames, err := j.metricSvc.ListMetricNames(tenantID)
	if err != nil {
		log.Printf("Sweep: failed to list metrics for %s: %v", tenantID, err)
		stats.MetricFailures++
		return
	}

	var newAnomalies []database.Anomaly
	for _, metricName := range metricNames {
		anomalies, scanned, err := j.sweepMetric(tenantID, metricName, since, settings)
		stats.MetricsSwept++
		stats.ObservationsScanned += scanned
		if err != nil {
			// Isolate the failure: the remaining metrics still get swept
			log.Printf("Sweep: metric %s/%s failed: %v", tenantID, metricName, err)
			stats.MetricFailures++
			continue
		}
		stats.AnomaliesDetected += len(anomalies)
		newAnomalies = append(newAnomalies, anomalies...)
	}

	patterns, err := j.patternSvc.RunCorrelation(tenantID, settings)
	if err != nil {
		log.Printf("Sweep: correlation failed for %s: %v", tenantID, err)
	}
	stats.PatternsActive += len(patterns)

	if len(newAnomalies) > 0 || len(patterns) > 0 {
		results, err := j.recSvc.Synthesize(context.Background(), tenantID, newAnomalies, patterns, settings)
		if err != nil {
			log.Printf("Sweep: synthesis failed for %s: %v", tenantID, err)
		}
		for _, r := range results {
			if r.Deduplicated {
				stats.RecommendationsDeduped++
			} else if r.Recommendation != nil {
				stats.RecommendationsCreated++
			}
		}
	}

	for i := range newAnomalies {
		if newAnomalies[i].Severity == database.AnomalySeverityCritical && j.notifier != nil {
			if err := j.notifier.NotifyCriticalAnomaly(&newAnomalies[i]); err != nil {
				log.Printf("Sweep: failed to notify for anomaly %s: %v", newAnomalies[i].UUID, err)
			}
		}
	}
}

// sweepMetric aggregates and detects over one metric's fresh observations.
// Returns the anomalies found and the number of observations scanned.
func (j *SweepJob) sweepMetric(tenantID, metricName string, since time.Time, settings *database.DetectionSettings) ([]database.Anomaly, int, error) {
	lock := j.metricLock(tenantID, metricName)
	lock.Lock()
	defer lock.Unlock()

	observations, err := j.metricSvc.ObservationsSince(tenantID, metricName, since)
	if err != nil {
		return nil, 0, err
	}
	if len(observations) == 0 {
		return nil, 0, nil
	}

	// Re-derive every day the fresh observations touch. Verify compares any
	// cached aggregate against the recomputation and lets the recomputed
	// result win, so corrections repair stale rows here.
	days := make(map[time.Time]struct{})
	for _, obs := range observations {
		days[services.StartOfDay(obs.Timestamp)] = struct{}{}
	}
	for day := range days {
		if _, err := j.aggSvc.Verify(tenantID, metricName, day); err != nil {
			return nil, len(observations), err
		}
	}

	var anomalies []database.Anomaly
	for i := range observations {
		anomaly, err := j.anomalySvc.DetectForObservation(&observations[i], settings)
		if err != nil {
			return anomalies, len(observations), err
		}
		if anomaly != nil {
			anomalies = append(anomalies, *anomaly)
		}
	}
	return anomalies, len(observations), nil
}

// SweepMetricNow runs the pipeline for a single metric outside the
// schedule, sharing the per-metric lock with the background sweep. Used by
// the ingestion webhook to give fresh data immediate evaluation.
func (j *SweepJob) SweepMetricNow(tenantID, metricName string, since time.Time) ([]database.Anomaly, error) {
	settings, err := database.GetOrCreateDetectionSettings(j.db)
	if err != nil {
		return nil, err
	}
	if !settings.Enabled {
		return nil, nil
	}
	anomalies, _, err := j.sweepMetric(tenantID, metricName, since, settings)
	return anomalies, err
}

// Start begins periodic sweeps
func (j *SweepJob) Start(stop <-chan struct{}) {
	settings, err := database.GetOrCreateDetectionSettings(j.db)
	if err != nil {
		log.Printf("Failed to get detection settings, using defaults: %v", err)
		settings = database.NewDefaultDetectionSettings()
	}

	interval := time.Duration(settings.SweepIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			stats, err := j.Run()
			if err != nil {
				log.Printf("Sweep job error: %v", err)
			} else {
				log.Printf("Sweep in %s: %d tenants, %d metrics, %d observations, %d anomalies, %d recommendations (%d deduped), %d failures",
					utils.FormatDuration(time.Since(start)),
					stats.TenantsSwept, stats.MetricsSwept, stats.ObservationsScanned,
					stats.AnomaliesDetected, stats.RecommendationsCreated,
					stats.RecommendationsDeduped, stats.MetricFailures)
			}

			newSettings, err := database.GetOrCreateDetectionSettings(j.db)
			if err == nil && newSettings.SweepIntervalMinutes != settings.SweepIntervalMinutes {
				settings = newSettings
				interval = time.Duration(settings.SweepIntervalMinutes) * time.Minute
				ticker.Reset(interval)
				log.Printf("Sweep interval updated to %d minutes", settings.SweepIntervalMinutes)
			}

		case <-stop:
			log.Println("Sweep job stopped")
			return
		}
	}
}
