package model

import (
	"time"
)

type ReportStatus = string

const (
	ReportStatusPending ReportStatus = "pending"
)

type DebugReportStatus = string

const (
	DebugReportStatusNone    DebugReportStatus = "none"
	DebugReportStatusPending DebugReportStatus = "pending"
)

// EventReport is the low-fidelity report carrying a small trigger-data value.
type EventReport struct {
	ID        string
	SourceID  string
	TriggerID string

	AttributionDestinations []string
	EnrollmentID            string
	RegistrationOrigin      string

	TriggerData     int64
	TriggerPriority int64
	TriggerDedupKey *int64

	// TriggerSummaryBucket is set for flexible-mode reports and identifies
	// the summary bucket the report accounts for, e.g. "10-99".
	TriggerSummaryBucket string
	// ContributingTriggerIDs lists every trigger whose value filled the
	// bucket; single-element for fixed-mode reports.
	ContributingTriggerIDs []string

	TriggerTime time.Time
	ReportTime  time.Time

	SourceDebugKey  *uint64
	TriggerDebugKey *uint64

	Status ReportStatus
}

// AggregateContribution is one histogram contribution of an aggregate report.
type AggregateContribution struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

// AggregateReport is the high-fidelity histogram-contribution report. Null
// reports carry zero contributions and IsFakeReport set; they exist only to
// mask the presence and timing of real reports.
type AggregateReport struct {
	ID        string
	SourceID  string
	TriggerID string

	PublisherSite          string
	AttributionDestination string
	EnrollmentID           string
	RegistrationOrigin     string

	SourceRegistrationTime time.Time
	ScheduledReportTime    time.Time
	TriggerTime            time.Time

	Contributions []AggregateContribution

	AggregationCoordinatorOrigin string

	DebugCleartextPayload string

	DedupKey     *int64
	IsFakeReport bool

	Status            ReportStatus
	DebugReportStatus DebugReportStatus
}

// ContributionSum returns the checked sum of all contribution values. The
// second return value is false when the sum overflows int64; callers treat
// overflow the same as budget exhaustion.
func (r *AggregateReport) ContributionSum() (int64, bool) {
	var sum int64
	for _, c := range r.Contributions {
		next := sum + c.Value
		if c.Value > 0 && next < sum {
			return 0, false
		}
		sum = next
	}
	return sum, true
}

// VerboseDebugReport is a fire-and-forget diagnostic row scheduled whenever a
// trigger is dropped for a policy reason.
type VerboseDebugReport struct {
	ID        string
	SourceID  string
	TriggerID string

	EnrollmentID       string
	RegistrationOrigin string

	Reason string
	Limit  *int64

	CreatedAt time.Time
}
