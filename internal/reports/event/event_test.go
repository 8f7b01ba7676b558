package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/attribution-engine/internal/debugreport"
	"github.com/rudderlabs/attribution-engine/internal/filterutil"
	"github.com/rudderlabs/attribution-engine/internal/model"
	"github.com/rudderlabs/attribution-engine/internal/store"
)

var base = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newGenerator(conf *config.Config) *Generator {
	return New(conf, logger.NOP, stats.NOP, filterutil.New(logger.NOP))
}

func fixedSource(id string) model.Source {
	return model.Source{
		ID:                     id,
		EnrollmentID:           "net-1",
		PublisherSite:          "https://publisher.example",
		AppDestination:         "android-app://com.shop",
		Priority:               100,
		EventTime:              base,
		ExpiryTime:             base.Add(30 * 24 * time.Hour),
		EventReportWindow:      base.Add(7 * 24 * time.Hour),
		AttributionMode:        model.AttributionModeTruthful,
		TriggerDataCardinality: 8,
		TriggerDataMatching:    model.TriggerDataMatchingModulus,
		Status:                 model.SourceStatusActive,
	}
}

func appTrigger(id, eventData string, at time.Time) model.Trigger {
	return model.Trigger{
		ID:                     id,
		AttributionDestination: "android-app://com.shop",
		DestinationType:        model.DestinationTypeApp,
		EnrollmentID:           "net-1",
		RegistrationOrigin:     "https://reporter.example",
		TriggerTime:            at,
		EventTriggerData:       eventData,
		Status:                 model.TriggerStatusPending,
	}
}

func generate(t *testing.T, g *Generator, m *store.Memory, source model.Source, trigger model.Trigger, specs *model.ParsedTriggerSpecs) Outcome {
	t.Helper()
	var out Outcome
	require.NoError(t, m.InTx(context.Background(), func(tx store.MeasurementStore) error {
		var err error
		out, err = g.Generate(context.Background(), tx, source, trigger, specs)
		return err
	}))
	return out
}

func TestGenerateFixed(t *testing.T) {
	t.Run("produces a pending report", func(t *testing.T) {
		m := store.NewMemory()
		source := fixedSource("s1")
		require.NoError(t, m.InsertSource(context.Background(), source))
		g := newGenerator(config.New())

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":"3","priority":"7"}]`, base.Add(time.Hour)), nil)
		require.True(t, out.Attributed)

		reports := m.EventReports()
		require.Len(t, reports, 1)
		r := reports[0]
		require.EqualValues(t, 3, r.TriggerData)
		require.EqualValues(t, 7, r.TriggerPriority)
		require.Equal(t, []string{"android-app://com.shop"}, r.AttributionDestinations)
		require.Equal(t, source.EventReportWindow, r.ReportTime)
		require.Equal(t, model.ReportStatusPending, r.Status)
	})

	t.Run("coarse mode reports every destination", func(t *testing.T) {
		m := store.NewMemory()
		source := fixedSource("s1")
		source.WebDestination = "https://shop.example"
		require.NoError(t, m.InsertSource(context.Background(), source))
		g := newGenerator(config.New())

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":1}]`, base.Add(time.Hour)), nil)
		require.True(t, out.Attributed)
		require.Equal(t, []string{"android-app://com.shop", "https://shop.example"}, m.EventReports()[0].AttributionDestinations)
	})

	t.Run("without coarse mode only the converting destination is reported", func(t *testing.T) {
		m := store.NewMemory()
		source := fixedSource("s1")
		source.WebDestination = "https://shop.example"
		require.NoError(t, m.InsertSource(context.Background(), source))
		conf := config.New()
		conf.Set("AttributionEngine.coarseDestinations", false)
		g := newGenerator(conf)

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":1}]`, base.Add(time.Hour)), nil)
		require.True(t, out.Attributed)
		require.Equal(t, []string{"android-app://com.shop"}, m.EventReports()[0].AttributionDestinations)
	})

	t.Run("modulus matching wraps trigger data", func(t *testing.T) {
		m := store.NewMemory()
		source := fixedSource("s1")
		require.NoError(t, m.InsertSource(context.Background(), source))
		g := newGenerator(config.New())

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":11}]`, base.Add(time.Hour)), nil)
		require.True(t, out.Attributed)
		require.EqualValues(t, 3, m.EventReports()[0].TriggerData)
	})

	t.Run("exact matching rejects out-of-cardinality data", func(t *testing.T) {
		m := store.NewMemory()
		source := fixedSource("s1")
		source.TriggerDataMatching = model.TriggerDataMatchingExact
		require.NoError(t, m.InsertSource(context.Background(), source))
		g := newGenerator(config.New())

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":11}]`, base.Add(time.Hour)), nil)
		require.False(t, out.Attributed)
		require.Equal(t, debugreport.ReasonEventNoMatchingTriggerData, out.DropReason)
	})

	t.Run("noised attribution mode drops", func(t *testing.T) {
		m := store.NewMemory()
		source := fixedSource("s1")
		source.AttributionMode = model.AttributionModeNever
		g := newGenerator(config.New())

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":1}]`, base.Add(time.Hour)), nil)
		require.False(t, out.Attributed)
		require.Equal(t, debugreport.ReasonEventNoise, out.DropReason)
	})

	t.Run("past event report window drops", func(t *testing.T) {
		m := store.NewMemory()
		source := fixedSource("s1")
		g := newGenerator(config.New())

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":1}]`, source.EventReportWindow.Add(time.Minute)), nil)
		require.Equal(t, debugreport.ReasonEventReportWindowPassed, out.DropReason)
	})

	t.Run("derived sources decline silently", func(t *testing.T) {
		m := store.NewMemory()
		source := fixedSource("xna:s1:net-1")
		source.ParentID = "s1"
		g := newGenerator(config.New())

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":1}]`, base.Add(time.Hour)), nil)
		require.False(t, out.Attributed)
		require.Empty(t, out.DropReason)
	})

	t.Run("dedup key drops repeat triggers", func(t *testing.T) {
		ctx := context.Background()
		m := store.NewMemory()
		source := fixedSource("s1")
		require.NoError(t, m.InsertSource(ctx, source))
		g := newGenerator(config.New())

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":1,"deduplication_key":"55"}]`, base.Add(time.Hour)), nil)
		require.True(t, out.Attributed)

		reloaded, err := m.Source(ctx, "s1")
		require.NoError(t, err)
		require.True(t, reloaded.HasEventReportDedupKey(55))

		out = generate(t, g, m, reloaded, appTrigger("t2", `[{"trigger_data":2,"deduplication_key":"55"}]`, base.Add(2*time.Hour)), nil)
		require.False(t, out.Attributed)
		require.Equal(t, debugreport.ReasonEventDeduplicated, out.DropReason)
		require.Len(t, m.EventReports(), 1)
	})

	t.Run("per-destination ceiling drops with limit", func(t *testing.T) {
		m := store.NewMemory()
		source := fixedSource("s1")
		require.NoError(t, m.InsertSource(context.Background(), source))
		conf := config.New()
		conf.Set("AttributionEngine.maxEventReportsPerDestination", 1)
		g := newGenerator(conf)

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":1}]`, base.Add(time.Hour)), nil)
		require.True(t, out.Attributed)
		out = generate(t, g, m, source, appTrigger("t2", `[{"trigger_data":2}]`, base.Add(2*time.Hour)), nil)
		require.Equal(t, debugreport.ReasonEventStorageLimit, out.DropReason)
		require.NotNil(t, out.DropLimit)
		require.EqualValues(t, 1, *out.DropLimit)
	})

	t.Run("strictly higher priority evicts at the quota", func(t *testing.T) {
		m := store.NewMemory()
		source := fixedSource("s1")
		source.MaxEventLevelReports = 1
		require.NoError(t, m.InsertSource(context.Background(), source))
		g := newGenerator(config.New())

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":1,"priority":1}]`, base.Add(time.Hour)), nil)
		require.True(t, out.Attributed)

		// Equal priority never evicts.
		out = generate(t, g, m, source, appTrigger("t2", `[{"trigger_data":2,"priority":1}]`, base.Add(2*time.Hour)), nil)
		require.Equal(t, debugreport.ReasonEventExcessiveReports, out.DropReason)

		out = generate(t, g, m, source, appTrigger("t3", `[{"trigger_data":3,"priority":9}]`, base.Add(3*time.Hour)), nil)
		require.True(t, out.Attributed)

		reports := m.EventReports()
		require.Len(t, reports, 1)
		require.Equal(t, "t3", reports[0].TriggerID)
	})

	t.Run("no matching event trigger data drops", func(t *testing.T) {
		m := store.NewMemory()
		source := fixedSource("s1")
		source.FilterData = `{"geo":["us"]}`
		g := newGenerator(config.New())

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":1,"filters":{"geo":["ca"]}}]`, base.Add(time.Hour)), nil)
		require.Equal(t, debugreport.ReasonEventNoMatchingTriggerData, out.DropReason)
	})
}

func TestGenerateFlexible(t *testing.T) {
	flexSource := func(id string) model.Source {
		s := fixedSource(id)
		s.TriggerSpecs = `[{"trigger_data":[0],"summary_window_operator":"value_sum","summary_buckets":[10,100]}]`
		s.MaxEventLevelReports = 5
		return s
	}
	parseSpecs := func(t *testing.T, s model.Source) *model.ParsedTriggerSpecs {
		t.Helper()
		specs, err := model.ParseTriggerSpecs(s.TriggerSpecs)
		require.NoError(t, err)
		return &specs
	}

	t.Run("bucket fills across triggers", func(t *testing.T) {
		ctx := context.Background()
		m := store.NewMemory()
		source := flexSource("s1")
		require.NoError(t, m.InsertSource(ctx, source))
		g := newGenerator(config.New())
		specs := parseSpecs(t, source)

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":0,"value":6}]`, base.Add(time.Hour)), specs)
		require.True(t, out.Attributed)
		require.Empty(t, m.EventReports())

		reloaded, err := m.Source(ctx, "s1")
		require.NoError(t, err)
		require.NotEmpty(t, reloaded.AttributedTriggers)

		out = generate(t, g, m, reloaded, appTrigger("t2", `[{"trigger_data":0,"value":7}]`, base.Add(2*time.Hour)), specs)
		require.True(t, out.Attributed)

		reports := m.EventReports()
		require.Len(t, reports, 1)
		require.Equal(t, "10", reports[0].TriggerSummaryBucket)
		require.ElementsMatch(t, []string{"t1", "t2"}, reports[0].ContributingTriggerIDs)
	})

	t.Run("reordering replay replaces stale bucket reports", func(t *testing.T) {
		ctx := context.Background()
		m := store.NewMemory()
		source := flexSource("s1")
		require.NoError(t, m.InsertSource(ctx, source))
		g := newGenerator(config.New())
		specs := parseSpecs(t, source)

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":0,"value":12,"priority":1}]`, base.Add(time.Hour)), specs)
		require.True(t, out.Attributed)
		require.Len(t, m.EventReports(), 1)

		// A higher-priority trigger claims the bucket for itself; the stale
		// single-contributor report is regenerated.
		reloaded, err := m.Source(ctx, "s1")
		require.NoError(t, err)
		out = generate(t, g, m, reloaded, appTrigger("t2", `[{"trigger_data":0,"value":95,"priority":9}]`, base.Add(2*time.Hour)), specs)
		require.True(t, out.Attributed)

		reports := m.EventReports()
		require.Len(t, reports, 2)
		byBucket := map[string][]string{}
		for _, r := range reports {
			byBucket[r.TriggerSummaryBucket] = r.ContributingTriggerIDs
		}
		require.Equal(t, []string{"t2"}, byBucket["10"])
		require.ElementsMatch(t, []string{"t2", "t1"}, byBucket["100"])
	})

	t.Run("data without a covering spec drops", func(t *testing.T) {
		m := store.NewMemory()
		source := flexSource("s1")
		source.TriggerDataMatching = model.TriggerDataMatchingExact
		require.NoError(t, m.InsertSource(context.Background(), source))
		g := newGenerator(config.New())
		specs := parseSpecs(t, source)

		out := generate(t, g, m, source, appTrigger("t1", `[{"trigger_data":5}]`, base.Add(time.Hour)), specs)
		require.Equal(t, debugreport.ReasonEventNoMatchingTriggerData, out.DropReason)
	})
}
