package model

import (
	"errors"
	"time"
)

type TriggerStatus = string

const (
	TriggerStatusPending    TriggerStatus = "pending"
	TriggerStatusAttributed TriggerStatus = "attributed"
	TriggerStatusIgnored    TriggerStatus = "ignored"
)

type DestinationType = string

const (
	DestinationTypeApp DestinationType = "app"
	DestinationTypeWeb DestinationType = "web"
)

var (
	ErrTriggerNotFound = errors.New("trigger not found")
	ErrSourceNotFound  = errors.New("source not found")
)

// Trigger is a registered conversion event seeking attribution to a source.
// Status is write-once-terminal: the engine transitions pending to attributed
// or ignored exactly once.
type Trigger struct {
	ID string

	AttributionDestination string
	DestinationType        DestinationType
	EnrollmentID           string
	RegistrationOrigin     string

	TriggerTime time.Time

	// EventTriggerData is a JSON list of event trigger data entries, each
	// with trigger data, priority, optional dedup key, value and filters.
	EventTriggerData string

	AggregateTriggerData string
	AggregateValues      string
	AggregateDedupKeys   string

	Filters    string
	NotFilters string

	// AttributionConfig, when present, enables cross-network attribution for
	// the enrollments it names.
	AttributionConfig string

	AggregationCoordinatorOrigin string

	DebugKey *uint64

	Status TriggerStatus
}
