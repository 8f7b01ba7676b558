package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/attribution-engine/internal/filterutil"
	"github.com/rudderlabs/attribution-engine/internal/model"
)

func newSelector() *Selector {
	return New(logger.NOP, filterutil.New(logger.NOP))
}

func TestSelect(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	trigger := model.Trigger{ID: "t1", TriggerTime: base.Add(24 * time.Hour)}

	t.Run("empty candidate set", func(t *testing.T) {
		_, _, ok := newSelector().Select(trigger, nil)
		require.False(t, ok)
	})

	t.Run("higher priority wins", func(t *testing.T) {
		winner, losers, ok := newSelector().Select(trigger, []model.Source{
			{ID: "low", Priority: 1, EventTime: base},
			{ID: "high", Priority: 10, EventTime: base},
		})
		require.True(t, ok)
		require.Equal(t, "high", winner.ID)
		require.Len(t, losers, 1)
		require.Equal(t, "low", losers[0].ID)
	})

	t.Run("recency breaks priority ties", func(t *testing.T) {
		winner, _, ok := newSelector().Select(trigger, []model.Source{
			{ID: "older", Priority: 5, EventTime: base},
			{ID: "newer", Priority: 5, EventTime: base.Add(time.Hour)},
		})
		require.True(t, ok)
		require.Equal(t, "newer", winner.ID)
	})

	t.Run("valid install attribution beats higher priority", func(t *testing.T) {
		winner, _, ok := newSelector().Select(trigger, []model.Source{
			{ID: "loud", Priority: 1000, EventTime: base},
			{
				ID:                    "installed",
				Priority:              1,
				EventTime:             base,
				InstallAttributed:     true,
				InstallCooldownWindow: 48 * time.Hour,
			},
		})
		require.True(t, ok)
		require.Equal(t, "installed", winner.ID)
	})

	t.Run("expired install cooldown does not rank first", func(t *testing.T) {
		winner, _, ok := newSelector().Select(trigger, []model.Source{
			{ID: "loud", Priority: 1000, EventTime: base},
			{
				ID:                    "installed",
				Priority:              1,
				EventTime:             base,
				InstallAttributed:     true,
				InstallCooldownWindow: time.Hour,
			},
		})
		require.True(t, ok)
		require.Equal(t, "loud", winner.ID)
	})
}

func TestSplitLosers(t *testing.T) {
	firstParty, derivedParents := SplitLosers([]model.Source{
		{ID: "s1"},
		{ID: "s2"},
		{ID: "xna:p1:net", ParentID: "p1"},
		{ID: "xna:p1:other", ParentID: "p1"},
	})
	require.ElementsMatch(t, []string{"s1", "s2"}, firstParty)
	require.Equal(t, []string{"p1"}, derivedParents)
}

func TestDeriveSources(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	trigger := model.Trigger{
		ID:           "t1",
		EnrollmentID: "buyer",
		TriggerTime:  base.Add(2 * time.Hour),
	}
	foreign := model.Source{
		ID:           "f1",
		EnrollmentID: "seller",
		Priority:     50,
		EventTime:    base,
		ExpiryTime:   base.Add(30 * 24 * time.Hour),
		FilterData:   `{"geo":["us"]}`,
	}

	t.Run("derives with rewrites", func(t *testing.T) {
		priority := int64(7)
		expiry := 24 * time.Hour
		derived := newSelector().DeriveSources(trigger, []model.AttributionConfig{{
			SourceNetworkID: "seller",
			Priority:        &priority,
			Expiry:          &expiry,
			FilterData:      `{"geo":["ca"]}`,
		}}, []model.Source{foreign})
		require.Len(t, derived, 1)
		d := derived[0]
		require.Equal(t, "xna:f1:buyer", d.ID)
		require.Equal(t, "f1", d.ParentID)
		require.Equal(t, "buyer", d.EnrollmentID)
		require.EqualValues(t, 7, d.Priority)
		require.Equal(t, base.Add(24*time.Hour), d.ExpiryTime)
		require.Equal(t, `{"geo":["ca"]}`, d.FilterData)
		require.True(t, d.IsDerived())
	})

	t.Run("skips non-matching enrollment", func(t *testing.T) {
		derived := newSelector().DeriveSources(trigger, []model.AttributionConfig{{
			SourceNetworkID: "other-network",
		}}, []model.Source{foreign})
		require.Empty(t, derived)
	})

	t.Run("skips sources outside the priority range", func(t *testing.T) {
		derived := newSelector().DeriveSources(trigger, []model.AttributionConfig{{
			SourceNetworkID:     "seller",
			SourcePriorityRange: &[2]int64{100, 200},
		}}, []model.Source{foreign})
		require.Empty(t, derived)
	})

	t.Run("skips sources failing the config source filters", func(t *testing.T) {
		derived := newSelector().DeriveSources(trigger, []model.AttributionConfig{{
			SourceNetworkID: "seller",
			SourceFilters:   `{"geo":["ca"]}`,
		}}, []model.Source{foreign})
		require.Empty(t, derived)
	})

	t.Run("skips already-derived sources", func(t *testing.T) {
		derived := newSelector().DeriveSources(trigger, []model.AttributionConfig{{
			SourceNetworkID: "buyer",
		}}, []model.Source{{ID: "xna:f1:buyer", ParentID: "f1", EnrollmentID: "buyer"}})
		require.Empty(t, derived)
	})

	t.Run("skips derived sources already expired for this trigger", func(t *testing.T) {
		expiry := time.Hour
		derived := newSelector().DeriveSources(trigger, []model.AttributionConfig{{
			SourceNetworkID: "seller",
			Expiry:          &expiry,
		}}, []model.Source{foreign})
		require.Empty(t, derived)
	})
}
