package store

import (
	"context"
	"time"

	"github.com/rudderlabs/attribution-engine/internal/model"
)

// AttributionQuery scopes rate-limit history lookups to a
// (source site, destination site, enrollment) tuple over a time window.
// ExcludeOrigin, when set, leaves that registration origin out of
// distinct-origin counts; an origin already holding quota must not be
// counted against itself.
type AttributionQuery struct {
	SourceSite      string
	DestinationSite string
	EnrollmentID    string
	ExcludeOrigin   string
	From            time.Time
	To              time.Time
}

// MeasurementStore is the data-access contract the attribution engine runs
// against. Every method invoked from the pipeline executes inside the
// trigger's transaction; implementations guarantee all-or-nothing visibility
// via Handle.InTx.
type MeasurementStore interface {
	// Registration side.
	InsertSource(ctx context.Context, source model.Source) error
	InsertTrigger(ctx context.Context, trigger model.Trigger) error

	// Trigger queue.
	PendingTriggerIDs(ctx context.Context, limit int) ([]string, error)
	Trigger(ctx context.Context, id string) (model.Trigger, error)
	UpdateTriggerStatus(ctx context.Context, id string, status model.TriggerStatus) error

	// Source lookup and mutation.
	Source(ctx context.Context, id string) (model.Source, error)
	MatchingActiveSources(ctx context.Context, trigger model.Trigger) ([]model.Source, error)
	MatchingActiveSourcesForEnrollments(ctx context.Context, trigger model.Trigger, enrollmentIDs []string) ([]model.Source, error)
	UpdateSourceStatus(ctx context.Context, ids []string, status model.SourceStatus) error
	IgnoreSourceForEnrollment(ctx context.Context, sourceID, enrollmentID string) error
	AddEventReportDedupKey(ctx context.Context, sourceID string, key int64) error
	AddAggregateReportDedupKey(ctx context.Context, sourceID string, key int64) error
	SetAggregateContributions(ctx context.Context, sourceID string, total int64) error
	UpdateAttributedTriggers(ctx context.Context, sourceID, ledger string) error

	// Event reports.
	InsertEventReport(ctx context.Context, report model.EventReport) error
	DeleteEventReport(ctx context.Context, id string) error
	PendingEventReports(ctx context.Context, sourceID string) ([]model.EventReport, error)
	CountEventReportsForDestination(ctx context.Context, destination string) (int64, error)

	// Aggregate reports.
	InsertAggregateReport(ctx context.Context, report model.AggregateReport) error
	CountAggregateReportsForDestination(ctx context.Context, destination string) (int64, error)
	CountAggregateReportsForSource(ctx context.Context, sourceID string) (int64, error)

	// Rate-limit history.
	InsertAttribution(ctx context.Context, attribution model.Attribution) error
	CountAttributions(ctx context.Context, scope model.AttributionScope, q AttributionQuery) (int64, error)
	CountDistinctReportingOrigins(ctx context.Context, q AttributionQuery) (int64, error)

	// Diagnostics.
	InsertDebugReport(ctx context.Context, report model.VerboseDebugReport) error
}

// Handle is a measurement store plus the transactional and locking surface
// the batch driver needs.
type Handle interface {
	// InTx runs fn against a transaction-scoped store. Any error from fn
	// rolls back every mutation fn performed.
	InTx(ctx context.Context, fn func(MeasurementStore) error) error

	// TryLock attempts to take the named cross-invocation lock without
	// blocking. acquired=false means another invocation holds it; callers
	// treat that as a no-op run.
	TryLock(ctx context.Context, name string) (unlock func(context.Context) error, acquired bool, err error)
}
