package model

import (
	"time"
)

type SourceStatus = string

const (
	SourceStatusActive         SourceStatus = "active"
	SourceStatusIgnored        SourceStatus = "ignored"
	SourceStatusMarkedToDelete SourceStatus = "marked_to_delete"
)

type AttributionMode = string

const (
	AttributionModeTruthful AttributionMode = "truthful"
	AttributionModeNever    AttributionMode = "never"
	AttributionModeFalsely  AttributionMode = "falsely"
)

type TriggerDataMatching = string

const (
	TriggerDataMatchingExact   TriggerDataMatching = "exact"
	TriggerDataMatchingModulus TriggerDataMatching = "modulus"
)

// Source is a registered ad-impression event eligible to receive attribution
// credit. It is an immutable snapshot of the stored row; mutations (status,
// dedup keys, contribution counter, attributed-trigger ledger) go through the
// measurement store inside the trigger's transaction.
type Source struct {
	ID           string
	EnrollmentID string

	PublisherSite      string
	AppDestination     string
	WebDestination     string
	RegistrationOrigin string

	Priority   int64
	EventTime  time.Time
	ExpiryTime time.Time

	EventReportWindow        time.Time
	AggregatableReportWindow time.Time

	InstallAttributed     bool
	InstallCooldownWindow time.Duration

	AttributionMode AttributionMode

	TriggerDataCardinality int64
	TriggerDataMatching    TriggerDataMatching

	// FilterData and AggregationKeys hold the raw registration JSON; parsing
	// happens once per transaction via the parsed views in this package and
	// in filterutil.
	FilterData      string
	AggregationKeys string

	EventReportDedupKeys     []int64
	AggregateReportDedupKeys []int64

	AggregateContributions int64

	// TriggerSpecs is empty for fixed-mode sources. A non-empty value selects
	// the flexible event API and is parsed via ParseTriggerSpecs.
	TriggerSpecs         string
	MaxEventLevelReports int

	// AttributedTriggers is the flexible-reporting ledger, JSON encoded.
	AttributedTriggers string

	DebugKey *uint64

	Status SourceStatus

	// ParentID references the first-party source a derived (XNA) source was
	// built from. Plain id, never a pointer to the parent row.
	ParentID string
}

// IsDerived reports whether the source was derived from another ad-tech's
// enrollment via an attribution config.
func (s *Source) IsDerived() bool {
	return s.ParentID != ""
}

// IsInstallAttributionValid reports whether install attribution applies to a
// trigger happening at triggerTime: the install flag must be set and the
// trigger must fall inside the source's install cooldown window.
func (s *Source) IsInstallAttributionValid(triggerTime time.Time) bool {
	if !s.InstallAttributed {
		return false
	}
	if triggerTime.Before(s.EventTime) {
		return false
	}
	return !triggerTime.After(s.EventTime.Add(s.InstallCooldownWindow))
}

// DestinationForType returns the source destination matching the trigger's
// destination type.
func (s *Source) DestinationForType(destinationType DestinationType) string {
	if destinationType == DestinationTypeWeb {
		return s.WebDestination
	}
	return s.AppDestination
}

// HasEventReportDedupKey reports whether key was already recorded for an
// event report from this source.
func (s *Source) HasEventReportDedupKey(key int64) bool {
	for _, k := range s.EventReportDedupKeys {
		if k == key {
			return true
		}
	}
	return false
}

// HasAggregateReportDedupKey reports whether key was already recorded for an
// aggregate report from this source.
func (s *Source) HasAggregateReportDedupKey(key int64) bool {
	for _, k := range s.AggregateReportDedupKeys {
		if k == key {
			return true
		}
	}
	return false
}
