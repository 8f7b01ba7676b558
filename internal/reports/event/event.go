package event

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/attribution-engine/internal/debugreport"
	"github.com/rudderlabs/attribution-engine/internal/filterutil"
	"github.com/rudderlabs/attribution-engine/internal/model"
	"github.com/rudderlabs/attribution-engine/internal/store"
)

// Generator produces event-level reports for an attributed (source, trigger)
// pair: a single fixed-schema report for ordinary sources, or the outcome of
// a bucketed-summary ledger replay for flexible sources.
type Generator struct {
	logger       logger.Logger
	statsFactory stats.Stats
	filter       *filterutil.Engine

	config struct {
		maxReportsPerDestination config.ValueLoader[int64]
		defaultMaxReports        config.ValueLoader[int]
		coarseDestinations       config.ValueLoader[bool]
	}
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, filter *filterutil.Engine) *Generator {
	g := &Generator{
		logger:       log.Child("event-reports"),
		statsFactory: statsFactory,
		filter:       filter,
	}
	g.config.maxReportsPerDestination = conf.GetReloadableInt64Var(1024, 1, "AttributionEngine.maxEventReportsPerDestination")
	g.config.defaultMaxReports = conf.GetReloadableIntVar(3, 1, "AttributionEngine.maxEventReportsPerSource")
	g.config.coarseDestinations = conf.GetReloadableBoolVar(true, "AttributionEngine.coarseDestinations")
	return g
}

// Outcome reports whether the event path produced output and, when it did
// not, the debug-report reason code of the drop. An empty reason means the
// path declined silently (derived sources).
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

// Generate runs the event-level path for one attributed pair inside the
// trigger's transaction. specs is the parsed flexible trigger-spec view, nil
// for fixed-mode sources.
func (g *Generator) Generate(ctx context.Context, tx store.MeasurementStore, source model.Source, trigger model.Trigger, specs *model.ParsedTriggerSpecs) (Outcome, error) {
	// Derived sources only ever feed the aggregate path.
	if source.IsDerived() {
		return Outcome{}, nil
	}
	if source.AttributionMode != model.AttributionModeTruthful {
		return drop(debugreport.ReasonEventNoise), nil
	}
	if trigger.TriggerTime.After(source.EventReportWindow) {
		return drop(debugreport.ReasonEventReportWindowPassed), nil
	}

	data, err := model.ParseEventTriggerData(trigger.EventTriggerData)
	if err != nil {
		g.logger.Warnw("malformed event trigger data", "triggerId", trigger.ID, "error", err)
		return drop(debugreport.ReasonEventNoMatchingTriggerData), nil
	}
	datum, ok := g.firstMatch(source, trigger, data)
	if !ok {
		return drop(debugreport.ReasonEventNoMatchingTriggerData), nil
	}

	if datum.DedupKey != nil && source.HasEventReportDedupKey(*datum.DedupKey) {
		return drop(debugreport.ReasonEventDeduplicated), nil
	}

	destination := source.DestinationForType(trigger.DestinationType)
	destinationCount, err := tx.CountEventReportsForDestination(ctx, destination)
	if err != nil {
		return Outcome{}, fmt.Errorf("counting destination reports: %w", err)
	}
	if limit := g.config.maxReportsPerDestination.Load(); destinationCount >= limit {
		return dropWithLimit(debugreport.ReasonEventStorageLimit, limit), nil
	}

	if specs != nil {
		return g.generateFlexible(ctx, tx, source, trigger, datum, specs)
	}
	return g.generateFixed(ctx, tx, source, trigger, datum)
}

// firstMatch returns the first event-trigger-data entry whose filters match
// the source's filter data. First match, not best match.
func (g *Generator) firstMatch(source model.Source, trigger model.Trigger, data []model.EventTriggerDatum) (model.EventTriggerDatum, bool) {
	for _, datum := range data {
		if datum.Filters != "" &&
			!g.filter.Match(source.FilterData, datum.Filters, source.EventTime, trigger.TriggerTime, true) {
			continue
		}
		if datum.NotFilters != "" &&
			!g.filter.Match(source.FilterData, datum.NotFilters, source.EventTime, trigger.TriggerTime, false) {
			continue
		}
		return datum, true
	}
	return model.EventTriggerDatum{}, false
}

// effectiveTriggerData applies the source's trigger-data-matching policy.
func effectiveTriggerData(source model.Source, cardinality, data int64) (int64, bool) {
	if cardinality <= 0 {
		return 0, false
	}
	switch source.TriggerDataMatching {
	case model.TriggerDataMatchingExact:
		if data < 0 || data >= cardinality {
			return 0, false
		}
		return data, true
	default:
		d := data % cardinality
		if d < 0 {
			d += cardinality
		}
		return d, true
	}
}

func (g *Generator) maxReports(source model.Source) int {
	if source.MaxEventLevelReports > 0 {
		return source.MaxEventLevelReports
	}
	return g.config.defaultMaxReports.Load()
}

func (g *Generator) generateFixed(ctx context.Context, tx store.MeasurementStore, source model.Source, trigger model.Trigger, datum model.EventTriggerDatum) (Outcome, error) {
	data, ok := effectiveTriggerData(source, source.TriggerDataCardinality, datum.TriggerData)
	if !ok {
		return drop(debugreport.ReasonEventNoMatchingTriggerData), nil
	}

	report := model.EventReport{
		ID:                      uuid.New().String(),
		SourceID:                source.ID,
		TriggerID:               trigger.ID,
		AttributionDestinations: g.reportDestinations(source, trigger),
		EnrollmentID:            source.EnrollmentID,
		RegistrationOrigin:      trigger.RegistrationOrigin,
		TriggerData:             data,
		TriggerPriority:         datum.Priority,
		TriggerDedupKey:         datum.DedupKey,
		ContributingTriggerIDs:  []string{trigger.ID},
		TriggerTime:             trigger.TriggerTime,
		ReportTime:              source.EventReportWindow,
		SourceDebugKey:          source.DebugKey,
		TriggerDebugKey:         trigger.DebugKey,
		Status:                  model.ReportStatusPending,
	}

	pending, err := tx.PendingEventReports(ctx, source.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading pending reports: %w", err)
	}
	if maxReports := g.maxReports(source); len(pending) >= maxReports {
		evicted, ok := evictionCandidate(pending, report.ReportTime, report.TriggerPriority)
		if !ok {
			return dropWithLimit(debugreport.ReasonEventExcessiveReports, int64(maxReports)), nil
		}
		if err := tx.DeleteEventReport(ctx, evicted.ID); err != nil {
			return Outcome{}, fmt.Errorf("evicting report: %w", err)
		}
		g.statsFactory.NewTaggedStat("attribution_event_reports_evicted", stats.CountType, stats.Tags{}).Increment()
	}

	if datum.DedupKey != nil {
		if err := tx.AddEventReportDedupKey(ctx, source.ID, *datum.DedupKey); err != nil {
			return Outcome{}, fmt.Errorf("recording dedup key: %w", err)
		}
	}
	if err := tx.InsertEventReport(ctx, report); err != nil {
		return Outcome{}, fmt.Errorf("inserting event report: %w", err)
	}
	g.logger.Debugw("generated event report", "sourceId", source.ID, "triggerId", trigger.ID, "triggerData", data)
	return Outcome{Attributed: true}, nil
}

// evictionCandidate picks the lowest-priority, oldest pending report sharing
// the new report's scheduled time; eviction only happens when the new report
// wins strictly on priority.
func evictionCandidate(pending []model.EventReport, reportTime time.Time, newPriority int64) (model.EventReport, bool) {
	var candidate model.EventReport
	found := false
	for _, r := range pending {
		if !r.ReportTime.Equal(reportTime) {
			continue
		}
		if !found ||
			r.TriggerPriority < candidate.TriggerPriority ||
			(r.TriggerPriority == candidate.TriggerPriority && r.TriggerTime.Before(candidate.TriggerTime)) {
			candidate = r
			found = true
		}
	}
	if !found || newPriority <= candidate.TriggerPriority {
		return model.EventReport{}, false
	}
	return candidate, true
}

// reportDestinations lists the destinations a report discloses: every
// registered destination in coarse mode, otherwise just the one the trigger
// converted on.
func (g *Generator) reportDestinations(source model.Source, trigger model.Trigger) []string {
	if !g.config.coarseDestinations.Load() {
		return []string{source.DestinationForType(trigger.DestinationType)}
	}
	var destinations []string
	if source.AppDestination != "" {
		destinations = append(destinations, source.AppDestination)
	}
	if source.WebDestination != "" {
		destinations = append(destinations, source.WebDestination)
	}
	return destinations
}

func (g *Generator) generateFlexible(ctx context.Context, tx store.MeasurementStore, source model.Source, trigger model.Trigger, datum model.EventTriggerDatum, specs *model.ParsedTriggerSpecs) (Outcome, error) {
	data, ok := effectiveTriggerData(source, specs.Cardinality(), datum.TriggerData)
	if !ok {
		return drop(debugreport.ReasonEventNoMatchingTriggerData), nil
	}
	if _, ok := specs.SpecFor(data); !ok {
		return drop(debugreport.ReasonEventNoMatchingTriggerData), nil
	}

	ledger, err := model.ParseAttributedTriggers(source.AttributedTriggers)
	if err != nil {
		g.logger.Warnw("malformed attributed-trigger ledger", "sourceId", source.ID, "error", err)
		return drop(debugreport.ReasonEventNoMatchingTriggerData), nil
	}
	ledger = append(ledger, model.AttributedTrigger{
		TriggerID:          trigger.ID,
		Priority:           datum.Priority,
		TriggerData:        data,
		Value:              datum.Value,
		TriggerTime:        trigger.TriggerTime,
		DedupKey:           datum.DedupKey,
		HasSourceDebugKey:  source.DebugKey != nil,
		HasTriggerDebugKey: trigger.DebugKey != nil,
	})
	ledger = SortLedger(ledger)

	desired := Replay(ledger, *specs, g.maxReports(source))

	pending, err := tx.PendingEventReports(ctx, source.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading pending reports: %w", err)
	}
	existing := map[string]model.EventReport{}
	for _, r := range pending {
		if r.TriggerSummaryBucket != "" {
			existing[flexReportKey(r)] = r
		}
	}

	desiredKeys := map[string]struct{}{}
	for _, br := range desired {
		desiredKeys[br.Key()] = struct{}{}
	}
	// Reports for buckets whose fill order changed are deleted; untouched
	// ones are preserved as-is.
	for key, r := range existing {
		if _, keep := desiredKeys[key]; keep {
			continue
		}
		if err := tx.DeleteEventReport(ctx, r.ID); err != nil {
			return Outcome{}, fmt.Errorf("deleting superseded report: %w", err)
		}
	}
	for _, br := range desired {
		if _, already := existing[br.Key()]; already {
			continue
		}
		report := g.bucketReportRow(source, trigger, br)
		if err := tx.InsertEventReport(ctx, report); err != nil {
			return Outcome{}, fmt.Errorf("inserting bucket report: %w", err)
		}
	}

	encoded, err := model.EncodeAttributedTriggers(ledger)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.UpdateAttributedTriggers(ctx, source.ID, encoded); err != nil {
		return Outcome{}, fmt.Errorf("updating ledger: %w", err)
	}
	if datum.DedupKey != nil {
		if err := tx.AddEventReportDedupKey(ctx, source.ID, *datum.DedupKey); err != nil {
			return Outcome{}, fmt.Errorf("recording dedup key: %w", err)
		}
	}
	return Outcome{Attributed: true}, nil
}

func (g *Generator) bucketReportRow(source model.Source, trigger model.Trigger, br BucketReport) model.EventReport {
	report := model.EventReport{
		ID:                      uuid.New().String(),
		SourceID:                source.ID,
		TriggerID:               trigger.ID,
		AttributionDestinations: g.reportDestinations(source, trigger),
		EnrollmentID:            source.EnrollmentID,
		RegistrationOrigin:      trigger.RegistrationOrigin,
		TriggerData:             br.TriggerData,
		TriggerPriority:         br.Priority(),
		TriggerSummaryBucket:    strconv.FormatInt(br.Bucket, 10),
		TriggerTime:             trigger.TriggerTime,
		ReportTime:              source.EventReportWindow,
		Status:                  model.ReportStatusPending,
	}
	for _, c := range br.Contributors {
		report.ContributingTriggerIDs = append(report.ContributingTriggerIDs, c.TriggerID)
	}
	// A bucket report reveals debug keys only when every contributing
	// trigger carried one.
	allSource, allTrigger := true, true
	for _, c := range br.Contributors {
		allSource = allSource && c.HasSourceDebugKey
		allTrigger = allTrigger && c.HasTriggerDebugKey
	}
	if allSource && source.DebugKey != nil {
		report.SourceDebugKey = source.DebugKey
	}
	if allTrigger && trigger.DebugKey != nil {
		report.TriggerDebugKey = trigger.DebugKey
	}
	return report
}

func flexReportKey(r model.EventReport) string {
	ids := append([]string(nil), r.ContributingTriggerIDs...)
	sort.Strings(ids)
	return fmt.Sprintf("%d|%s|%s", r.TriggerData, r.TriggerSummaryBucket, strings.Join(ids, ","))
}
