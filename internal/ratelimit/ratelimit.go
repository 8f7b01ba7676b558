package ratelimit

import (
	"context"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/attribution-engine/internal/debugreport"
	"github.com/rudderlabs/attribution-engine/internal/model"
	"github.com/rudderlabs/attribution-engine/internal/store"
)

// Limiter enforces per-window attribution quotas against the historical
// attribution audit rows: a scoped count per (source site, destination site,
// enrollment) tuple and a distinct-reporting-origin count per
// (publisher, destination) pair bounding cross-origin replay.
type Limiter struct {
	logger logger.Logger

	config struct {
		window                   config.ValueLoader[time.Duration]
		maxAttributions          config.ValueLoader[int64]
		maxEventAttributions     config.ValueLoader[int64]
		maxAggregateAttributions config.ValueLoader[int64]
		maxReportingOrigins      config.ValueLoader[int64]
	}
}

func New(conf *config.Config, log logger.Logger) *Limiter {
	l := &Limiter{
		logger: log.Child("ratelimit"),
	}
	l.config.window = conf.GetReloadableDurationVar(30*24, time.Hour, "AttributionEngine.rateLimitWindow")
	l.config.maxAttributions = conf.GetReloadableInt64Var(100, 1, "AttributionEngine.maxAttributionsPerWindow")
	l.config.maxEventAttributions = conf.GetReloadableInt64Var(100, 1, "AttributionEngine.maxEventAttributionsPerWindow")
	l.config.maxAggregateAttributions = conf.GetReloadableInt64Var(100, 1, "AttributionEngine.maxAggregateAttributionsPerWindow")
	l.config.maxReportingOrigins = conf.GetReloadableInt64Var(10, 1, "AttributionEngine.maxReportingOriginsPerWindow")
	return l
}

// Result is the outcome of one quota check. Reason carries the debug-report
// reason code when the quota is exhausted.
type Result struct {
	Allowed bool
	Count   int64
	Limit   int64
	Reason  string
}

func (l *Limiter) query(source model.Source, trigger model.Trigger) store.AttributionQuery {
	return store.AttributionQuery{
		SourceSite:      source.PublisherSite,
		DestinationSite: trigger.AttributionDestination,
		EnrollmentID:    trigger.EnrollmentID,
		From:            trigger.TriggerTime.Add(-l.config.window.Load()),
		To:              trigger.TriggerTime,
	}
}

// CheckAttributionQuota verifies the scoped attribution count quota for the
// (source, trigger) pair. The unspecified scope counts every audit row.
func (l *Limiter) CheckAttributionQuota(ctx context.Context, tx store.MeasurementStore, scope model.AttributionScope, source model.Source, trigger model.Trigger) (Result, error) {
	limit, reason := l.limitFor(scope)
	count, err := tx.CountAttributions(ctx, scope, l.query(source, trigger))
	if err != nil {
		return Result{}, err
	}
	if count >= limit {
		l.logger.Debugw("attribution quota exhausted",
			"scope", scope,
			"sourceId", source.ID,
			"triggerId", trigger.ID,
			"count", count,
			"limit", limit,
		)
		return Result{Count: count, Limit: limit, Reason: reason}, nil
	}
	return Result{Allowed: true, Count: count, Limit: limit}, nil
}

// CheckReportingOriginQuota verifies the distinct-reporting-origin quota for
// the (publisher, destination) pair. Origins already seen within the window
// do not consume new quota.
func (l *Limiter) CheckReportingOriginQuota(ctx context.Context, tx store.MeasurementStore, source model.Source, trigger model.Trigger) (Result, error) {
	limit := l.config.maxReportingOrigins.Load()
	q := l.query(source, trigger)
	q.ExcludeOrigin = trigger.RegistrationOrigin
	count, err := tx.CountDistinctReportingOrigins(ctx, q)
	if err != nil {
		return Result{}, err
	}
	if count >= limit {
		l.logger.Debugw("reporting origin quota exhausted",
			"sourceId", source.ID,
			"triggerId", trigger.ID,
			"count", count,
			"limit", limit,
		)
		return Result{Count: count, Limit: limit, Reason: debugreport.ReasonReportingOriginLimit}, nil
	}
	return Result{Allowed: true, Count: count, Limit: limit}, nil
}

func (l *Limiter) limitFor(scope model.AttributionScope) (int64, string) {
	switch scope {
	case model.AttributionScopeEvent:
		return l.config.maxEventAttributions.Load(), debugreport.ReasonEventAttributionsLimit
	case model.AttributionScopeAggregate:
		return l.config.maxAggregateAttributions.Load(), debugreport.ReasonAggregateAttributionsLimit
	default:
		return l.config.maxAttributions.Load(), debugreport.ReasonAttributionsLimit
	}
}
