package debugreport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/attribution-engine/internal/model"
)

type sink interface {
	InsertDebugReport(ctx context.Context, report model.VerboseDebugReport) error
}

// Scheduler records verbose trigger debug reports. Scheduling is
// fire-and-forget: it never affects the control flow or the outcome of the
// attribution pipeline, failures are logged and counted only.
type Scheduler struct {
	logger       logger.Logger
	statsFactory stats.Stats
	now          func() time.Time
}

type Opt func(*Scheduler)

func WithNow(now func() time.Time) Opt {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(log logger.Logger, statsFactory stats.Stats, opts ...Opt) *Scheduler {
	s := &Scheduler{
		logger:       log.Child("debugreport"),
		statsFactory: statsFactory,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleTriggerReport records a debug report for a dropped trigger against
// the given sink, typically the store handle of the trigger's transaction.
// source is nil when no source matched at all.
func (s *Scheduler) ScheduleTriggerReport(ctx context.Context, store sink, source *model.Source, trigger model.Trigger, limit *int64, reason string) {
	report := model.VerboseDebugReport{
		ID:                 uuid.New().String(),
		TriggerID:          trigger.ID,
		EnrollmentID:       trigger.EnrollmentID,
		RegistrationOrigin: trigger.RegistrationOrigin,
		Reason:             reason,
		Limit:              limit,
		CreatedAt:          s.now(),
	}
	if source != nil {
		report.SourceID = source.ID
	}
	s.statsFactory.NewTaggedStat("attribution_trigger_debug_reports", stats.CountType, stats.Tags{
		"reason": reason,
	}).Increment()
	if err := store.InsertDebugReport(ctx, report); err != nil {
		s.logger.Warnw("inserting trigger debug report",
			"triggerId", trigger.ID,
			"reason", reason,
			"error", err,
		)
		return
	}
	s.logger.Debugw("scheduled trigger debug report", "triggerId", trigger.ID, "reason", reason)
}
