package attribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/attribution-engine/internal/debugreport"
	"github.com/rudderlabs/attribution-engine/internal/filterutil"
	"github.com/rudderlabs/attribution-engine/internal/model"
	"github.com/rudderlabs/attribution-engine/internal/ratelimit"
	"github.com/rudderlabs/attribution-engine/internal/reports/aggregate"
	"github.com/rudderlabs/attribution-engine/internal/reports/event"
	"github.com/rudderlabs/attribution-engine/internal/selector"
	"github.com/rudderlabs/attribution-engine/internal/store"
)

// processingLockName guards against two concurrent invocations double
// processing the pending queue. A scheduled pass and a fallback pass may
// race; the loser no-ops.
const processingLockName = "attribution-processing"

// Processor drives pending triggers through attribution: source selection,
// filtering, rate limiting and report generation, each trigger inside its own
// transaction.
type Processor struct {
	logger       logger.Logger
	statsFactory stats.Stats
	store        store.Handle
	filter       *filterutil.Engine
	selector     *selector.Selector
	limiter      *ratelimit.Limiter
	events       *event.Generator
	aggregates   *aggregate.Generator
	debug        *debugreport.Scheduler

	config struct {
		maxTriggersPerRun     config.ValueLoader[int]
		scopedRateLimits      config.ValueLoader[bool]
		demoteBeforeRateLimit config.ValueLoader[bool]
		xnaEnabled            config.ValueLoader[bool]
		flexibleEventsEnabled config.ValueLoader[bool]
	}
}

func New(
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
	handle store.Handle,
	filter *filterutil.Engine,
	sel *selector.Selector,
	limiter *ratelimit.Limiter,
	events *event.Generator,
	aggregates *aggregate.Generator,
	debug *debugreport.Scheduler,
) *Processor {
	p := &Processor{
		logger:       log.Child("attribution"),
		statsFactory: statsFactory,
		store:        handle,
		filter:       filter,
		selector:     sel,
		limiter:      limiter,
		events:       events,
		aggregates:   aggregates,
		debug:        debug,
	}
	p.config.maxTriggersPerRun = conf.GetReloadableIntVar(100, 1, "AttributionEngine.maxTriggersPerRun")
	p.config.scopedRateLimits = conf.GetReloadableBoolVar(false, "AttributionEngine.scopedRateLimits")
	p.config.demoteBeforeRateLimit = conf.GetReloadableBoolVar(true, "AttributionEngine.demoteBeforeRateLimit")
	p.config.xnaEnabled = conf.GetReloadableBoolVar(false, "AttributionEngine.xnaEnabled")
	p.config.flexibleEventsEnabled = conf.GetReloadableBoolVar(true, "AttributionEngine.flexibleEventsEnabled")
	return p
}

// PerformPendingAttributions processes up to maxTriggersPerRun pending
// triggers in queue order. A lost lock race is a no-op success; a storage
// error aborts the batch, leaving the failing trigger pending for the next
// invocation.
func (p *Processor) PerformPendingAttributions(ctx context.Context) (model.ProcessingResult, error) {
	unlock, acquired, err := p.store.TryLock(ctx, processingLockName)
	if err != nil {
		return model.ProcessingFailure, fmt.Errorf("acquiring processing lock: %w", err)
	}
	if !acquired {
		p.logger.Debugw("attribution processing lock held elsewhere, skipping run")
		return model.ProcessingAllDone, nil
	}
	defer func() {
		if err := unlock(ctx); err != nil {
			p.logger.Warnw("releasing processing lock", "error", err)
		}
	}()

	limit := p.config.maxTriggersPerRun.Load()
	var ids []string
	err = p.store.InTx(ctx, func(tx store.MeasurementStore) error {
		var err error
		ids, err = tx.PendingTriggerIDs(ctx, limit+1)
		return err
	})
	if err != nil {
		return model.ProcessingFailure, fmt.Errorf("listing pending triggers: %w", err)
	}
	remainder := len(ids) > limit
	if remainder {
		ids = ids[:limit]
	}

	for _, id := range ids {
		err := p.store.InTx(ctx, func(tx store.MeasurementStore) error {
			return p.processTrigger(ctx, tx, id)
		})
		if err != nil {
			p.logger.Errorw("attribution transaction failed", "triggerId", id, "error", err)
			return model.ProcessingFailure, err
		}
	}
	if len(ids) > 0 {
		p.logger.Infow("processed pending triggers", "count", len(ids), "remainder", remainder)
	}
	if remainder {
		return model.ProcessingMorePending, nil
	}
	return model.ProcessingAllDone, nil
}

func (p *Processor) processTrigger(ctx context.Context, tx store.MeasurementStore, id string) error {
	trigger, err := tx.Trigger(ctx, id)
	if errors.Is(err, model.ErrTriggerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if trigger.Status != model.TriggerStatusPending {
		return nil
	}

	candidates, err := p.candidates(ctx, tx, trigger)
	if err != nil {
		return err
	}
	winner, losers, ok := p.selector.Select(trigger, candidates)
	if !ok {
		p.debug.ScheduleTriggerReport(ctx, tx, nil, trigger, nil, debugreport.ReasonNoMatchingSource)
		return p.finish(ctx, tx, trigger, model.TriggerStatusIgnored)
	}

	var specs *model.ParsedTriggerSpecs
	if p.config.flexibleEventsEnabled.Load() && winner.TriggerSpecs != "" {
		parsed, err := model.ParseTriggerSpecs(winner.TriggerSpecs)
		if err != nil {
			p.logger.Warnw("malformed trigger specs", "sourceId", winner.ID, "error", err)
			return p.finish(ctx, tx, trigger, model.TriggerStatusIgnored)
		}
		specs = &parsed
	}

	if !p.topLevelFiltersMatch(winner, trigger) {
		if winner.FilterData != "" {
			p.debug.ScheduleTriggerReport(ctx, tx, &winner, trigger, nil, debugreport.ReasonNoMatchingFilterData)
		}
		return p.finish(ctx, tx, trigger, model.TriggerStatusIgnored)
	}

	demote := func() error { return p.demoteLosers(ctx, tx, trigger, losers) }
	if p.config.demoteBeforeRateLimit.Load() {
		if err := demote(); err != nil {
			return err
		}
		demote = func() error { return nil }
	}

	originRes, err := p.limiter.CheckReportingOriginQuota(ctx, tx, winner, trigger)
	if err != nil {
		return err
	}
	if !originRes.Allowed {
		p.debug.ScheduleTriggerReport(ctx, tx, &winner, trigger, &originRes.Limit, originRes.Reason)
		return p.finish(ctx, tx, trigger, model.TriggerStatusIgnored)
	}

	scoped := p.config.scopedRateLimits.Load()
	if !scoped {
		res, err := p.limiter.CheckAttributionQuota(ctx, tx, model.AttributionScopeUnspecified, winner, trigger)
		if err != nil {
			return err
		}
		if !res.Allowed {
			p.debug.ScheduleTriggerReport(ctx, tx, &winner, trigger, &res.Limit, res.Reason)
			return p.finish(ctx, tx, trigger, model.TriggerStatusIgnored)
		}
	}
	if err := demote(); err != nil {
		return err
	}

	// A derived source exists only in this invocation until it wins; its
	// dedup keys and contribution counter need a row to land on.
	if winner.IsDerived() {
		if err := tx.InsertSource(ctx, winner); err != nil {
			return fmt.Errorf("persisting derived source: %w", err)
		}
	}

	aggOut, err := p.runAggregate(ctx, tx, scoped, winner, trigger)
	if err != nil {
		return err
	}
	eventOut, err := p.runEvent(ctx, tx, scoped, winner, trigger, specs)
	if err != nil {
		return err
	}

	if !aggOut.Attributed && !eventOut.Attributed {
		return p.finish(ctx, tx, trigger, model.TriggerStatusIgnored)
	}

	if scoped {
		if aggOut.Attributed {
			if err := p.recordAttribution(ctx, tx, model.AttributionScopeAggregate, winner, trigger); err != nil {
				return err
			}
		}
		if eventOut.Attributed {
			if err := p.recordAttribution(ctx, tx, model.AttributionScopeEvent, winner, trigger); err != nil {
				return err
			}
		}
	} else {
		if err := p.recordAttribution(ctx, tx, model.AttributionScopeUnspecified, winner, trigger); err != nil {
			return err
		}
	}
	return p.finish(ctx, tx, trigger, model.TriggerStatusAttributed)
}

// candidates loads the trigger's own matching sources plus, when cross
// network attribution applies, sources derived from the foreign enrollments
// its attribution configs name.
func (p *Processor) candidates(ctx context.Context, tx store.MeasurementStore, trigger model.Trigger) ([]model.Source, error) {
	candidates, err := tx.MatchingActiveSources(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("loading matching sources: %w", err)
	}
	if !p.config.xnaEnabled.Load() || trigger.AttributionConfig == "" {
		return candidates, nil
	}
	configs, err := model.ParseAttributionConfigs(trigger.AttributionConfig)
	if err != nil {
		p.logger.Warnw("malformed attribution config", "triggerId", trigger.ID, "error", err)
		return candidates, nil
	}
	if len(configs) == 0 {
		return candidates, nil
	}
	enrollments := lo.Uniq(lo.Map(configs, func(cfg model.AttributionConfig, _ int) string {
		return cfg.SourceNetworkID
	}))
	foreign, err := tx.MatchingActiveSourcesForEnrollments(ctx, trigger, enrollments)
	if err != nil {
		return nil, fmt.Errorf("loading foreign sources: %w", err)
	}
	return append(candidates, p.selector.DeriveSources(trigger, configs, foreign)...), nil
}

func (p *Processor) topLevelFiltersMatch(source model.Source, trigger model.Trigger) bool {
	if trigger.Filters != "" &&
		!p.filter.Match(source.FilterData, trigger.Filters, source.EventTime, trigger.TriggerTime, true) {
		return false
	}
	if trigger.NotFilters != "" &&
		!p.filter.Match(source.FilterData, trigger.NotFilters, source.EventTime, trigger.TriggerTime, false) {
		return false
	}
	return true
}

// demoteLosers ignores first-party competing sources outright; derived
// losers get an enrollment-scoped marker on their parent instead, keeping
// the parent attributable for other enrollments.
func (p *Processor) demoteLosers(ctx context.Context, tx store.MeasurementStore, trigger model.Trigger, losers []model.Source) error {
	firstParty, derivedParents := selector.SplitLosers(losers)
	if len(firstParty) > 0 {
		if err := tx.UpdateSourceStatus(ctx, firstParty, model.SourceStatusIgnored); err != nil {
			return fmt.Errorf("demoting sources: %w", err)
		}
	}
	for _, parent := range derivedParents {
		if err := tx.IgnoreSourceForEnrollment(ctx, parent, trigger.EnrollmentID); err != nil {
			return fmt.Errorf("marking parent source ignored: %w", err)
		}
	}
	return nil
}

func (p *Processor) runAggregate(ctx context.Context, tx store.MeasurementStore, scoped bool, winner model.Source, trigger model.Trigger) (aggregate.Outcome, error) {
	if scoped {
		res, err := p.limiter.CheckAttributionQuota(ctx, tx, model.AttributionScopeAggregate, winner, trigger)
		if err != nil {
			return aggregate.Outcome{}, err
		}
		if !res.Allowed {
			p.debug.ScheduleTriggerReport(ctx, tx, &winner, trigger, &res.Limit, res.Reason)
			return aggregate.Outcome{}, nil
		}
	}
	out, err := p.aggregates.Generate(ctx, tx, winner, trigger)
	if err != nil {
		return aggregate.Outcome{}, err
	}
	if out.DropReason != "" {
		p.debug.ScheduleTriggerReport(ctx, tx, &winner, trigger, out.DropLimit, out.DropReason)
	}
	return out, nil
}

func (p *Processor) runEvent(ctx context.Context, tx store.MeasurementStore, scoped bool, winner model.Source, trigger model.Trigger, specs *model.ParsedTriggerSpecs) (event.Outcome, error) {
	if scoped && !winner.IsDerived() {
		res, err := p.limiter.CheckAttributionQuota(ctx, tx, model.AttributionScopeEvent, winner, trigger)
		if err != nil {
			return event.Outcome{}, err
		}
		if !res.Allowed {
			p.debug.ScheduleTriggerReport(ctx, tx, &winner, trigger, &res.Limit, res.Reason)
			return event.Outcome{}, nil
		}
	}
	out, err := p.events.Generate(ctx, tx, winner, trigger, specs)
	if err != nil {
		return event.Outcome{}, err
	}
	if out.DropReason != "" {
		p.debug.ScheduleTriggerReport(ctx, tx, &winner, trigger, out.DropLimit, out.DropReason)
	}
	return out, nil
}

func (p *Processor) recordAttribution(ctx context.Context, tx store.MeasurementStore, scope model.AttributionScope, winner model.Source, trigger model.Trigger) error {
	attribution := model.Attribution{
		ID:                 uuid.New().String(),
		Scope:              scope,
		SourceSite:         winner.PublisherSite,
		SourceOrigin:       winner.RegistrationOrigin,
		DestinationSite:    trigger.AttributionDestination,
		EnrollmentID:       trigger.EnrollmentID,
		RegistrationOrigin: trigger.RegistrationOrigin,
		SourceID:           winner.ID,
		TriggerID:          trigger.ID,
		TriggerTime:        trigger.TriggerTime,
	}
	if err := tx.InsertAttribution(ctx, attribution); err != nil {
		return fmt.Errorf("recording attribution: %w", err)
	}
	return nil
}

func (p *Processor) finish(ctx context.Context, tx store.MeasurementStore, trigger model.Trigger, status model.TriggerStatus) error {
	if err := tx.UpdateTriggerStatus(ctx, trigger.ID, status); err != nil {
		return fmt.Errorf("updating trigger status: %w", err)
	}
	p.statsFactory.NewTaggedStat("attribution_triggers_processed", stats.CountType, stats.Tags{
		"status": status,
	}).Increment()
	return nil
}
