package database

import "fmt"

// ValidationError is returned when a malformed observation is rejected at
// ingestion. The observation is never stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError is returned when an illegal status change is
// requested on an anomaly or recommendation. The entity is left unchanged.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition: %s -> %s", e.Entity, e.From, e.To)
}

// ConsistencyViolation is logged when a cached aggregate disagrees with the
// value recomputed from observations beyond floating-point tolerance. It
// triggers a forced recomputation and is not fatal.
type ConsistencyViolation struct {
	TenantID   string
	MetricName string
	Day        string
	Field      string
	Cached     float64
	Computed   float64
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("aggregate %s/%s on %s: cached %s=%g disagrees with computed %g",
		e.TenantID, e.MetricName, e.Day, e.Field, e.Cached, e.Computed)
}
