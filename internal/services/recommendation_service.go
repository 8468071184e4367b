package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kpisentry/kpisentry/internal/database"
	"github.com/kpisentry/kpisentry/internal/embedding"
	"github.com/kpisentry/kpisentry/internal/stats"
)

// SynthesisResult reports what happened to one candidate recommendation
type SynthesisResult struct {
	Recommendation *database.Recommendation
	Deduplicated   bool
	DuplicateOf    string // UUID of the retained recommendation when deduplicated
}

// RecommendationService turns anomalies and patterns into ranked,
// deduplicated recommendations.
type RecommendationService struct {
	db       *gorm.DB
	embedder embedding.Provider
}

// NewRecommendationService creates a new RecommendationService
func NewRecommendationService(db *gorm.DB, embedder embedding.Provider) *RecommendationService {
	return &RecommendationService{db: db, embedder: embedder}
}

// signalGroup collects the anomalies and patterns that feed one candidate
// recommendation.
type signalGroup struct {
	key       string
	metrics   []string
	anomalies []database.Anomaly
	patterns  []database.Pattern
}

// Synthesize builds one candidate recommendation per related signal group,
// deduplicates each against the recent recommendation history, and persists
// the survivors. An unreachable embedding provider never fails the batch:
// the candidate is stored with dedup_skipped set instead.
func (s *RecommendationService) Synthesize(ctx context.Context, tenantID string, anomalies []database.Anomaly, patterns []database.Pattern, settings *database.DetectionSettings) ([]SynthesisResult, error) {
	groups := groupSignals(anomalies, patterns)
	if len(groups) == 0 {
		return nil, nil
	}

	recent, err := s.recentForDedup(tenantID, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to load dedup window: %w", err)
	}

	var results []SynthesisResult
	for _, group := range groups {
		candidate := s.buildCandidate(tenantID, group)

		vector, embedErr := s.embed(ctx, candidate, settings)
		if embedErr != nil {
			var depErr *embedding.DependencyTimeoutError
			if !errors.As(embedErr, &depErr) {
				return results, embedErr
			}
			// Provider down: store anyway, flag for a later dedup pass
			candidate.DedupSkipped = true
			log.Printf("Warning: embedding unavailable, storing %s without dedup: %v", candidate.Title, depErr)
		} else {
			candidate.Embedding = database.Vector(vector)
			if dup := findDuplicate(candidate.Embedding, recent, settings.DedupSimilarityThreshold); dup != nil {
				log.Printf("Recommendation deduplicated against %s: %s", dup.UUID, candidate.Title)
				results = append(results, SynthesisResult{Deduplicated: true, DuplicateOf: dup.UUID})
				continue
			}
		}

		if err := s.db.Create(candidate).Error; err != nil {
			return results, fmt.Errorf("failed to store recommendation: %w", err)
		}
		recent = append(recent, *candidate)
		results = append(results, SynthesisResult{Recommendation: candidate})
	}
	return results, nil
}

// groupSignals clusters anomalies by metric, then attaches each pattern to
// the groups of the metrics it spans. A pattern touching no anomalous metric
// forms its own group: correlated drift is worth surfacing even before
// either series trips the detector.
func groupSignals(anomalies []database.Anomaly, patterns []database.Pattern) []signalGroup {
	byKey := make(map[string]*signalGroup)
	var order []string

	group := func(key string, metrics ...string) *signalGroup {
		g, ok := byKey[key]
		if !ok {
			g = &signalGroup{key: key, metrics: metrics}
			byKey[key] = g
			order = append(order, key)
		}
		return g
	}

	for _, a := range anomalies {
		g := group(a.MetricName, a.MetricName)
		g.anomalies = append(g.anomalies, a)
	}

	for _, p := range patterns {
		attached := false
		for _, metric := range []string{p.MetricA, p.MetricB} {
			if g, ok := byKey[metric]; ok {
				g.patterns = append(g.patterns, p)
				attached = true
			}
		}
		if !attached {
			g := group(p.MetricA+"+"+p.MetricB, p.MetricA, p.MetricB)
			g.patterns = append(g.patterns, p)
		}
	}

	groups := make([]signalGroup, 0, len(order))
	for _, key := range order {
		groups = append(groups, *byKey[key])
	}
	return groups
}

// buildCandidate renders a signal group into a recommendation row
func (s *RecommendationService) buildCandidate(tenantID string, group signalGroup) *database.Recommendation {
	impact := impactForGroup(group)
	urgency := urgencyForGroup(group)

	var confidences []float64
	anomalyUUIDs := make([]string, 0, len(group.anomalies))
	for _, a := range group.anomalies {
		confidences = append(confidences, a.Confidence)
		anomalyUUIDs = append(anomalyUUIDs, a.UUID)
	}
	patternUUIDs := make([]string, 0, len(group.patterns))
	for _, p := range group.patterns {
		confidences = append(confidences, p.Confidence)
		patternUUIDs = append(patternUUIDs, p.UUID)
	}
	confidence := stats.Mean(confidences)

	rec := &database.Recommendation{
		UUID:               uuid.New().String(),
		TenantID:           tenantID,
		Title:              titleForGroup(group),
		Summary:            summaryForGroup(group),
		ActionItems:        actionItemsForGroup(group),
		MetricNames:        database.StringArray(group.metrics),
		AnomalyUUIDs:       database.StringArray(anomalyUUIDs),
		PatternUUIDs:       database.StringArray(patternUUIDs),
		Impact:             impact,
		Urgency:            urgency,
		Confidence:         confidence,
		ActionabilityScore: actionabilityForGroup(group, confidence),
		Status:             database.RecommendationStatusActive,
	}
	return rec
}

// actionabilityForGroup scores how executable the synthesized action items
// are. Anomaly-backed items name a specific metric, value and date; items
// derived from correlations need investigation before anyone can act; the
// generic pipeline check contributes only the base. Confidence in the
// underlying signals raises the score. Distinct from PriorityScore, which
// ranks by impact and urgency at read time.
func actionabilityForGroup(group signalGroup, confidence float64) float64 {
	concrete := len(group.anomalies)
	if concrete > 2 {
		concrete = 2
	}
	supporting := len(group.patterns)
	if supporting > 2 {
		supporting = 2
	}
	score := 0.25 + 0.2*float64(concrete) + 0.15*float64(supporting) + 0.15*confidence
	if score > 1 {
		score = 1
	}
	return score
}

// impactForGroup derives impact from the worst anomaly severity. A group
// holding only patterns has no deviation magnitude to lean on and stays at
// medium.
func impactForGroup(group signalGroup) database.RecommendationImpact {
	if len(group.anomalies) == 0 {
		return database.ImpactMedium
	}
	worst := database.AnomalySeverityLow
	for _, a := range group.anomalies {
		if a.Severity.Rank() > worst.Rank() {
			worst = a.Severity
		}
	}
	switch worst {
	case database.AnomalySeverityCritical:
		return database.ImpactHigh
	case database.AnomalySeverityHigh:
		return database.ImpactHigh
	case database.AnomalySeverityMedium:
		return database.ImpactMedium
	default:
		return database.ImpactLow
	}
}

// urgencyForGroup derives urgency from how fresh the newest signal is
func urgencyForGroup(group signalGroup) database.RecommendationUrgency {
	var newest time.Time
	for _, a := range group.anomalies {
		if a.OccurredAt.After(newest) {
			newest = a.OccurredAt
		}
	}
	for _, p := range group.patterns {
		if p.WindowEnd.After(newest) {
			newest = p.WindowEnd
		}
	}
	age := time.Since(newest)
	switch {
	case age < 24*time.Hour:
		return database.UrgencyUrgent
	case age < 3*24*time.Hour:
		return database.UrgencyHigh
	case age < 7*24*time.Hour:
		return database.UrgencyMedium
	default:
		return database.UrgencyLow
	}
}

func titleForGroup(group signalGroup) string {
	if len(group.anomalies) > 0 {
		a := worstAnomaly(group.anomalies)
		direction := "dropped"
		if a.DeviationAbs > 0 {
			direction = "spiked"
		}
		return fmt.Sprintf("Investigate %s: %s %.1f%% from expected", a.MetricName, direction, absPct(a.DeviationPct))
	}
	p := group.patterns[0]
	return fmt.Sprintf("Review linked movement of %s and %s", p.MetricA, p.MetricB)
}

func summaryForGroup(group signalGroup) string {
	var parts []string
	for _, a := range group.anomalies {
		parts = append(parts, fmt.Sprintf(
			"%s measured %g against an expected %g (%s severity, flagged by %s)",
			a.MetricName, a.CurrentValue, a.ExpectedValue, a.Severity, strings.Join(a.Methods, ", ")))
	}
	for _, p := range group.patterns {
		parts = append(parts, fmt.Sprintf(
			"%s and %s have moved in a %s relationship (strength %.2f over %d days)",
			p.MetricA, p.MetricB, p.Direction, p.CorrelationStrength, p.SampleCount))
	}
	return strings.Join(parts, ". ") + "."
}

func actionItemsForGroup(group signalGroup) database.StringArray {
	var items database.StringArray
	for _, a := range group.anomalies {
		items = append(items, fmt.Sprintf("Check recent changes affecting %s around %s",
			a.MetricName, a.OccurredAt.Format("2006-01-02")))
	}
	for _, p := range group.patterns {
		items = append(items, fmt.Sprintf("Verify whether %s is driving %s or both respond to a shared cause",
			p.MetricA, p.MetricB))
	}
	items = append(items, "Confirm data pipeline health for the affected metrics")
	return items
}

func worstAnomaly(anomalies []database.Anomaly) database.Anomaly {
	worst := anomalies[0]
	for _, a := range anomalies[1:] {
		if a.Severity.Rank() > worst.Severity.Rank() {
			worst = a
		}
	}
	return worst
}

func absPct(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// embed requests an embedding for the candidate's text under the configured
// timeout.
func (s *RecommendationService) embed(ctx context.Context, rec *database.Recommendation, settings *database.DetectionSettings) ([]float64, error) {
	timeout := time.Duration(settings.EmbeddingTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.embedder.Embed(ctx, rec.Title+"\n"+rec.Summary)
}

// recentForDedup loads the recommendations a candidate must be compared
// against: active or viewed, created within the trailing dedup window, with
// an embedding on record.
func (s *RecommendationService) recentForDedup(tenantID string, settings *database.DetectionSettings) ([]database.Recommendation, error) {
	cutoff := time.Now().Add(-time.Duration(settings.DedupWindowDays) * 24 * time.Hour)
	var recent []database.Recommendation
	err := s.db.Where(
		"tenant_id = ? AND status IN ? AND created_at > ?",
		tenantID,
		[]database.RecommendationStatus{database.RecommendationStatusActive, database.RecommendationStatusViewed},
		cutoff,
	).Find(&recent).Error
	return recent, err
}

// findDuplicate scans the dedup window for a retained recommendation whose
// embedding is close enough to the candidate's. The window is small (days of
// recommendations for one tenant), so a linear scan beats carrying a vector
// index.
func findDuplicate(candidate database.Vector, recent []database.Recommendation, threshold float64) *database.Recommendation {
	for i := range recent {
		if len(recent[i].Embedding) == 0 {
			continue
		}
		if stats.CosineSimilarity(candidate, recent[i].Embedding) > threshold {
			return &recent[i]
		}
	}
	return nil
}

// GetByUUID retrieves a recommendation by its UUID
func (s *RecommendationService) GetByUUID(id string) (*database.Recommendation, error) {
	var rec database.Recommendation
	if err := s.db.Where("uuid = ?", id).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListActionable returns recommendations surfaced in the delivery view:
// active or viewed, actionable, ordered by priority score (computed at read
// time, never stored).
func (s *RecommendationService) ListActionable(tenantID string) ([]database.Recommendation, error) {
	var recs []database.Recommendation
	err := s.db.Where(
		"tenant_id = ? AND status IN ?",
		tenantID,
		[]database.RecommendationStatus{database.RecommendationStatusActive, database.RecommendationStatusViewed},
	).Find(&recs).Error
	if err != nil {
		return nil, err
	}

	actionable := recs[:0]
	for _, r := range recs {
		if r.IsActionable() {
			actionable = append(actionable, r)
		}
	}
	sort.SliceStable(actionable, func(i, j int) bool {
		return actionable[i].PriorityScore() > actionable[j].PriorityScore()
	})
	return actionable, nil
}

// MarkViewed records that a human has opened the recommendation
func (s *RecommendationService) MarkViewed(id string) (*database.Recommendation, error) {
	return s.transition(id, database.RecommendationStatusViewed, "", func(r *database.Recommendation) {
		now := time.Now()
		r.ViewedAt = &now
	})
}

// MarkActedOn records that the recommendation led to action
func (s *RecommendationService) MarkActedOn(id, notes string) (*database.Recommendation, error) {
	return s.transition(id, database.RecommendationStatusActedOn, "", func(r *database.Recommendation) {
		now := time.Now()
		r.ActedAt = &now
		r.OutcomeNotes = notes
	})
}

// MarkDismissed records that the recommendation was rejected, with a reason
func (s *RecommendationService) MarkDismissed(id, reason string) (*database.Recommendation, error) {
	return s.transition(id, database.RecommendationStatusDismissed, reason, func(r *database.Recommendation) {
		now := time.Now()
		r.DismissedAt = &now
	})
}

// transition applies a status change after checking the state machine
func (s *RecommendationService) transition(id string, to database.RecommendationStatus, reason string, mutate func(*database.Recommendation)) (*database.Recommendation, error) {
	rec, err := s.GetByUUID(id)
	if err != nil {
		return nil, err
	}

	if !rec.Status.CanTransitionTo(to) {
		return nil, &database.InvalidTransitionError{
			Entity: "recommendation",
			From:   string(rec.Status),
			To:     string(to),
		}
	}

	rec.Status = to
	if reason != "" {
		rec.StatusReason = reason
	}
	if mutate != nil {
		mutate(rec)
	}
	if err := s.db.Save(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to update recommendation %s: %w", id, err)
	}
	return rec, nil
}

// ExpireStale moves active recommendations past the configured age to
// expired. Viewed recommendations stay: someone is looking at them.
func (s *RecommendationService) ExpireStale(settings *database.DetectionSettings) (int, error) {
	cutoff := time.Now().Add(-time.Duration(settings.RecommendationExpiryDays) * 24 * time.Hour)
	result := s.db.Model(&database.Recommendation{}).
		Where("status = ? AND created_at < ?", database.RecommendationStatusActive, cutoff).
		Updates(map[string]interface{}{
			"status":        database.RecommendationStatusExpired,
			"status_reason": "not viewed within expiry window",
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("Expired %d stale recommendations", result.RowsAffected)
	}
	return int(result.RowsAffected), nil
}
