package api

import "github.com/kpisentry/kpisentry/internal/database"

// SourceToResponse converts a database MetricSource, including its derived
// webhook URL.
func SourceToResponse(s database.MetricSource) SourceResponse {
	return SourceResponse{
		UUID:        s.UUID,
		TenantID:    s.TenantID,
		Name:        s.Name,
		Description: s.Description,
		Enabled:     s.Enabled,
		WebhookURL:  s.GetWebhookURL(),
		CreatedAt:   s.CreatedAt,
	}
}

// SourcesToResponses converts a slice of MetricSources
func SourcesToResponses(sources []database.MetricSource) []SourceResponse {
	out := make([]SourceResponse, len(sources))
	for i, s := range sources {
		out[i] = SourceToResponse(s)
	}
	return out
}

// AnomalyToResponse converts a database Anomaly
func AnomalyToResponse(a database.Anomaly) AnomalyResponse {
	return AnomalyResponse{
		UUID:            a.UUID,
		MetricName:      a.MetricName,
		OccurredAt:      a.OccurredAt,
		CurrentValue:    a.CurrentValue,
		ExpectedValue:   a.ExpectedValue,
		DeviationPct:    a.DeviationPct,
		Methods:         a.Methods,
		Confidence:      a.Confidence,
		Severity:        string(a.Severity),
		Status:          string(a.Status),
		AcknowledgedBy:  a.AcknowledgedBy,
		AcknowledgedAt:  a.AcknowledgedAt,
		ResolvedAt:      a.ResolvedAt,
		ResolutionNotes: a.ResolutionNotes,
	}
}

// AnomaliesToResponses converts a slice of Anomalies
func AnomaliesToResponses(anomalies []database.Anomaly) []AnomalyResponse {
	out := make([]AnomalyResponse, len(anomalies))
	for i, a := range anomalies {
		out[i] = AnomalyToResponse(a)
	}
	return out
}

// PatternToResponse converts a database Pattern
func PatternToResponse(p database.Pattern) PatternResponse {
	return PatternResponse{
		UUID:                p.UUID,
		MetricA:             p.MetricA,
		MetricB:             p.MetricB,
		Direction:           p.Direction,
		CorrelationStrength: p.CorrelationStrength,
		Confidence:          p.Confidence,
		SampleCount:         p.SampleCount,
		WindowStart:         p.WindowStart,
		WindowEnd:           p.WindowEnd,
		ExpiresAt:           p.ExpiresAt,
	}
}

// PatternsToResponses converts a slice of Patterns
func PatternsToResponses(patterns []database.Pattern) []PatternResponse {
	out := make([]PatternResponse, len(patterns))
	for i, p := range patterns {
		out[i] = PatternToResponse(p)
	}
	return out
}

// RecommendationToResponse converts a database Recommendation. The priority
// score is computed here, at read time.
func RecommendationToResponse(r database.Recommendation) RecommendationResponse {
	return RecommendationResponse{
		UUID:          r.UUID,
		Title:         r.Title,
		Summary:       r.Summary,
		ActionItems:   r.ActionItems,
		MetricNames:   r.MetricNames,
		AnomalyUUIDs:  r.AnomalyUUIDs,
		PatternUUIDs:  r.PatternUUIDs,
		Impact:        string(r.Impact),
		Urgency:       string(r.Urgency),
		Confidence:    r.Confidence,
		PriorityScore: r.PriorityScore(),
		Status:        string(r.Status),
		CreatedAt:     r.CreatedAt,
	}
}

// RecommendationsToResponses converts a slice of Recommendations
func RecommendationsToResponses(recs []database.Recommendation) []RecommendationResponse {
	out := make([]RecommendationResponse, len(recs))
	for i, r := range recs {
		out[i] = RecommendationToResponse(r)
	}
	return out
}
