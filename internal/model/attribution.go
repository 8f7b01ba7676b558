package model

import (
	"time"
)

// AttributionScope tags an attribution audit row with the report path that
// produced it. The empty scope is used when scoped rate limiting is disabled.
type AttributionScope = string

const (
	AttributionScopeUnspecified AttributionScope = ""
	AttributionScopeEvent       AttributionScope = "event"
	AttributionScopeAggregate   AttributionScope = "aggregate"
)

// Attribution is the audit row linking one (source, trigger) pair; it is
// consumed solely as rate-limit history.
type Attribution struct {
	ID    string
	Scope AttributionScope

	SourceSite      string
	SourceOrigin    string
	DestinationSite string

	EnrollmentID       string
	RegistrationOrigin string

	SourceID  string
	TriggerID string

	TriggerTime time.Time
}

// ProcessingResult is the tri-state outcome of one batch invocation,
// consumed by the scheduling collaborator.
type ProcessingResult = string

const (
	ProcessingAllDone     ProcessingResult = "all_done"
	ProcessingMorePending ProcessingResult = "more_pending"
	ProcessingFailure     ProcessingResult = "failure"
)
