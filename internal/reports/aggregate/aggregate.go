package aggregate

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/attribution-engine/internal/debugreport"
	"github.com/rudderlabs/attribution-engine/internal/filterutil"
	"github.com/rudderlabs/attribution-engine/internal/model"
	"github.com/rudderlabs/attribution-engine/internal/store"
)

// Generator produces aggregatable histogram-contribution reports for an
// attributed (source, trigger) pair, charges the source's contribution
// budget, and pads the output with null reports so an observer cannot tell
// real source registration times from absent ones.
type Generator struct {
	logger       logger.Logger
	statsFactory stats.Stats
	filter       *filterutil.Engine
	rand         *rand.Rand

	config struct {
		contributionBudget       config.ValueLoader[int64]
		maxReportsPerDestination config.ValueLoader[int64]
		maxReportsPerSource      config.ValueLoader[int64]
		perSourceLimitEnabled    config.ValueLoader[bool]
		minReportDelay           config.ValueLoader[time.Duration]
		reportDelaySpan          config.ValueLoader[time.Duration]
		nullReportsEnabled       config.ValueLoader[bool]
		nullReportRate           config.ValueLoader[float64]
		maxSourceExpiry          config.ValueLoader[time.Duration]
		defaultCoordinator       config.ValueLoader[string]
	}
}

type Opt func(*Generator)

// WithRand injects the randomness source used for report-delay jitter and
// null-report trials. Tests pass a seeded source.
func WithRand(r *rand.Rand) Opt {
	return func(g *Generator) { g.rand = r }
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, filter *filterutil.Engine, opts ...Opt) *Generator {
	g := &Generator{
		logger:       log.Child("aggregate-reports"),
		statsFactory: statsFactory,
		filter:       filter,
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	g.config.contributionBudget = conf.GetReloadableInt64Var(65536, 1, "AttributionEngine.aggregateContributionBudget")
	g.config.maxReportsPerDestination = conf.GetReloadableInt64Var(1024, 1, "AttributionEngine.maxAggregateReportsPerDestination")
	g.config.maxReportsPerSource = conf.GetReloadableInt64Var(20, 1, "AttributionEngine.maxAggregateReportsPerSource")
	g.config.perSourceLimitEnabled = conf.GetReloadableBoolVar(false, "AttributionEngine.aggregatePerSourceLimitEnabled")
	g.config.minReportDelay = conf.GetReloadableDurationVar(10, time.Minute, "AttributionEngine.aggregateMinReportDelay")
	g.config.reportDelaySpan = conf.GetReloadableDurationVar(50, time.Minute, "AttributionEngine.aggregateReportDelaySpan")
	g.config.nullReportsEnabled = conf.GetReloadableBoolVar(false, "AttributionEngine.aggregateNullReportsEnabled")
	g.config.nullReportRate = conf.GetReloadableFloat64Var(0.05, "AttributionEngine.aggregateNullReportRate")
	g.config.maxSourceExpiry = conf.GetReloadableDurationVar(30, 24*time.Hour, "AttributionEngine.maxSourceExpiry")
	g.config.defaultCoordinator = conf.GetReloadableStringVar("https://aggregation.example", "AttributionEngine.defaultAggregationCoordinator")
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Outcome reports whether the aggregate path produced a report and, when it
// did not, the debug-report reason code of the drop.
type Outcome struct {
	Attributed bool
	DropReason string
	DropLimit  *int64
}

func drop(reason string) Outcome {
	return Outcome{DropReason: reason}
}

func dropWithLimit(reason string, limit int64) Outcome {
	return Outcome{DropReason: reason, DropLimit: &limit}
}

// Generate runs the aggregate path for one attributed pair inside the
// trigger's transaction. The aggregate-scope rate limit is the caller's
// responsibility; every later rung of the rejection ladder lives here.
func (g *Generator) Generate(ctx context.Context, tx store.MeasurementStore, source model.Source, trigger model.Trigger) (Outcome, error) {
	if trigger.TriggerTime.After(source.AggregatableReportWindow) {
		return drop(debugreport.ReasonAggregateReportWindowPassed), nil
	}

	destination := source.DestinationForType(trigger.DestinationType)
	destinationCount, err := tx.CountAggregateReportsForDestination(ctx, destination)
	if err != nil {
		return Outcome{}, fmt.Errorf("counting destination reports: %w", err)
	}
	if limit := g.config.maxReportsPerDestination.Load(); destinationCount >= limit {
		return dropWithLimit(debugreport.ReasonAggregateStorageLimit, limit), nil
	}

	if g.config.perSourceLimitEnabled.Load() {
		sourceCount, err := tx.CountAggregateReportsForSource(ctx, source.ID)
		if err != nil {
			return Outcome{}, fmt.Errorf("counting source reports: %w", err)
		}
		if limit := g.config.maxReportsPerSource.Load(); sourceCount >= limit {
			return dropWithLimit(debugreport.ReasonAggregateExcessiveReports, limit), nil
		}
	}

	dedupKey := g.dedupKey(source, trigger)
	if dedupKey != nil && source.HasAggregateReportDedupKey(*dedupKey) {
		return drop(debugreport.ReasonAggregateDeduplicated), nil
	}

	contributions, err := g.contributions(source, trigger)
	if err != nil {
		g.logger.Warnw("malformed aggregate registration data", "triggerId", trigger.ID, "error", err)
		return drop(debugreport.ReasonAggregateNoContributions), nil
	}
	if len(contributions) == 0 {
		return drop(debugreport.ReasonAggregateNoContributions), nil
	}

	report := model.AggregateReport{
		ID:                           uuid.New().String(),
		SourceID:                     source.ID,
		TriggerID:                    trigger.ID,
		PublisherSite:                source.PublisherSite,
		AttributionDestination:       destination,
		EnrollmentID:                 source.EnrollmentID,
		RegistrationOrigin:           trigger.RegistrationOrigin,
		SourceRegistrationTime:       roundToDay(source.EventTime),
		ScheduledReportTime:          g.scheduledTime(trigger.TriggerTime),
		TriggerTime:                  trigger.TriggerTime,
		Contributions:                contributions,
		AggregationCoordinatorOrigin: g.coordinator(trigger),
		DedupKey:                     dedupKey,
		Status:                       model.ReportStatusPending,
		DebugReportStatus:            model.DebugReportStatusNone,
	}

	sum, ok := report.ContributionSum()
	budget := g.config.contributionBudget.Load()
	if !ok || sum > budget-source.AggregateContributions {
		return dropWithLimit(debugreport.ReasonAggregateInsufficientBudget, budget), nil
	}

	if source.DebugKey != nil && trigger.DebugKey != nil {
		payload, err := debugPayload(source, trigger, report)
		if err != nil {
			return Outcome{}, fmt.Errorf("building debug payload: %w", err)
		}
		report.DebugCleartextPayload = payload
		report.DebugReportStatus = model.DebugReportStatusPending
	}

	if err := tx.SetAggregateContributions(ctx, source.ID, source.AggregateContributions+sum); err != nil {
		return Outcome{}, fmt.Errorf("charging contribution budget: %w", err)
	}
	if dedupKey != nil {
		if err := tx.AddAggregateReportDedupKey(ctx, source.ID, *dedupKey); err != nil {
			return Outcome{}, fmt.Errorf("recording dedup key: %w", err)
		}
	}
	if err := tx.InsertAggregateReport(ctx, report); err != nil {
		return Outcome{}, fmt.Errorf("inserting aggregate report: %w", err)
	}
	g.statsFactory.NewTaggedStat("attribution_aggregate_reports", stats.CountType, stats.Tags{"fake": "false"}).Increment()

	if g.config.nullReportsEnabled.Load() {
		if err := g.generateNullReports(ctx, tx, source, trigger, report); err != nil {
			return Outcome{}, err
		}
	}
	g.logger.Debugw("generated aggregate report", "sourceId", source.ID, "triggerId", trigger.ID, "contributions", len(contributions))
	return Outcome{Attributed: true}, nil
}

// dedupKey returns the key of the first aggregatable dedup entry whose
// filters match the source. Malformed dedup data is logged and ignored.
func (g *Generator) dedupKey(source model.Source, trigger model.Trigger) *int64 {
	entries, err := model.ParseAggregateDedupKeys(trigger.AggregateDedupKeys)
	if err != nil {
		g.logger.Warnw("malformed aggregate dedup keys", "triggerId", trigger.ID, "error", err)
		return nil
	}
	for _, entry := range entries {
		if entry.Filters != "" &&
			!g.filter.Match(source.FilterData, entry.Filters, source.EventTime, trigger.TriggerTime, true) {
			continue
		}
		if entry.NotFilters != "" &&
			!g.filter.Match(source.FilterData, entry.NotFilters, source.EventTime, trigger.TriggerTime, false) {
			continue
		}
		return entry.DedupKey
	}
	return nil
}

func (g *Generator) scheduledTime(triggerTime time.Time) time.Time {
	delay := g.config.minReportDelay.Load()
	if span := g.config.reportDelaySpan.Load(); span > 0 {
		delay += time.Duration(g.rand.Float64() * float64(span))
	}
	return triggerTime.Add(delay)
}

func (g *Generator) coordinator(trigger model.Trigger) string {
	if trigger.AggregationCoordinatorOrigin != "" {
		return trigger.AggregationCoordinatorOrigin
	}
	return g.config.defaultCoordinator.Load()
}

// generateNullReports runs one Bernoulli trial per whole-day source-time
// candidate preceding the trigger and inserts a zero-contribution fake report
// for each success. The true registration day never gets a null report.
func (g *Generator) generateNullReports(ctx context.Context, tx store.MeasurementStore, source model.Source, trigger model.Trigger, real model.AggregateReport) error {
	trueDay := roundToDay(source.EventTime)
	rate := g.config.nullReportRate.Load()
	maxDays := int(g.config.maxSourceExpiry.Load() / (24 * time.Hour))
	for d := 0; d <= maxDays; d++ {
		fakeDay := roundToDay(trigger.TriggerTime.Add(-time.Duration(d) * 24 * time.Hour))
		if fakeDay.Equal(trueDay) {
			continue
		}
		if g.rand.Float64() >= rate {
			continue
		}
		null := model.AggregateReport{
			ID:                           uuid.New().String(),
			SourceID:                     source.ID,
			TriggerID:                    trigger.ID,
			PublisherSite:                real.PublisherSite,
			AttributionDestination:       real.AttributionDestination,
			EnrollmentID:                 real.EnrollmentID,
			RegistrationOrigin:           real.RegistrationOrigin,
			SourceRegistrationTime:       fakeDay,
			ScheduledReportTime:          g.scheduledTime(trigger.TriggerTime),
			TriggerTime:                  trigger.TriggerTime,
			AggregationCoordinatorOrigin: real.AggregationCoordinatorOrigin,
			IsFakeReport:                 true,
			Status:                       model.ReportStatusPending,
			DebugReportStatus:            model.DebugReportStatusNone,
		}
		if err := tx.InsertAggregateReport(ctx, null); err != nil {
			return fmt.Errorf("inserting null report: %w", err)
		}
		g.statsFactory.NewTaggedStat("attribution_aggregate_reports", stats.CountType, stats.Tags{"fake": "true"}).Increment()
	}
	return nil
}

func debugPayload(source model.Source, trigger model.Trigger, report model.AggregateReport) (string, error) {
	payload := "{}"
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		payload, err = sjson.Set(payload, path, value)
	}
	set("attribution_destination", report.AttributionDestination)
	set("source_site", source.PublisherSite)
	set("source_debug_key", strconv.FormatUint(*source.DebugKey, 10))
	set("trigger_debug_key", strconv.FormatUint(*trigger.DebugKey, 10))
	set("scheduled_report_time", report.ScheduledReportTime.Unix())
	for i, c := range report.Contributions {
		set(fmt.Sprintf("histograms.%d.key", i), c.Key)
		set(fmt.Sprintf("histograms.%d.value", i), c.Value)
	}
	return payload, err
}

func roundToDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
