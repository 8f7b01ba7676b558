package filterutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/logger"
)

func TestParseFilterMap(t *testing.T) {
	t.Run("values and lookback window", func(t *testing.T) {
		fm, err := ParseFilterMap(`{"product":["1","2"],"_lookback_window":3600}`)
		require.NoError(t, err)
		require.Equal(t, []string{"1", "2"}, fm.Values["product"])
		require.NotNil(t, fm.LookbackWindow)
		require.Equal(t, time.Hour, *fm.LookbackWindow)
	})

	t.Run("non-list values are rejected", func(t *testing.T) {
		_, err := ParseFilterMap(`{"product":"1"}`)
		require.Error(t, err)
	})

	t.Run("non-string value entries are rejected", func(t *testing.T) {
		_, err := ParseFilterMap(`{"product":[1,2]}`)
		require.Error(t, err)
	})

	t.Run("negative lookback window is rejected", func(t *testing.T) {
		_, err := ParseFilterMap(`{"_lookback_window":-1}`)
		require.Error(t, err)
	})
}

func TestParseFilterSet(t *testing.T) {
	t.Run("single object", func(t *testing.T) {
		set, err := ParseFilterSet(`{"geo":["us"]}`)
		require.NoError(t, err)
		require.Len(t, set, 1)
	})

	t.Run("list of objects", func(t *testing.T) {
		set, err := ParseFilterSet(`[{"geo":["us"]},{"geo":["ca"]}]`)
		require.NoError(t, err)
		require.Len(t, set, 2)
	})

	t.Run("scalar is rejected", func(t *testing.T) {
		_, err := ParseFilterSet(`42`)
		require.Error(t, err)
	})
}

func TestMatch(t *testing.T) {
	engine := New(logger.NOP)
	sourceTime := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	triggerTime := sourceTime.Add(30 * time.Minute)

	tests := []struct {
		name        string
		sourceData  string
		filterSet   string
		isInclusion bool
		want        bool
	}{
		{
			name:        "empty filter set matches vacuously",
			sourceData:  `{"product":["1"]}`,
			filterSet:   "",
			isInclusion: true,
			want:        true,
		},
		{
			name:        "intersecting values match",
			sourceData:  `{"product":["1","2"]}`,
			filterSet:   `{"product":["2","3"]}`,
			isInclusion: true,
			want:        true,
		},
		{
			name:        "disjoint values do not match",
			sourceData:  `{"product":["1"]}`,
			filterSet:   `{"product":["2"]}`,
			isInclusion: true,
			want:        false,
		},
		{
			name:        "key absent from source imposes no constraint",
			sourceData:  `{"product":["1"]}`,
			filterSet:   `{"geo":["us"]}`,
			isInclusion: true,
			want:        true,
		},
		{
			name:        "not filters invert the per key predicate",
			sourceData:  `{"product":["1"]}`,
			filterSet:   `{"product":["1"]}`,
			isInclusion: false,
			want:        false,
		},
		{
			name:        "not filters match on disjoint values",
			sourceData:  `{"product":["1"]}`,
			filterSet:   `{"product":["2"]}`,
			isInclusion: false,
			want:        true,
		},
		{
			name:        "disjunction matches when any map matches",
			sourceData:  `{"geo":["us"]}`,
			filterSet:   `[{"geo":["ca"]},{"geo":["us"]}]`,
			isInclusion: true,
			want:        true,
		},
		{
			name:        "empty allow list matches only empty source values",
			sourceData:  `{"product":[]}`,
			filterSet:   `{"product":[]}`,
			isInclusion: true,
			want:        true,
		},
		{
			name:        "empty allow list rejects populated source values",
			sourceData:  `{"product":["1"]}`,
			filterSet:   `{"product":[]}`,
			isInclusion: true,
			want:        false,
		},
		{
			name:        "lookback window within bound",
			sourceData:  `{}`,
			filterSet:   `{"_lookback_window":3600}`,
			isInclusion: true,
			want:        true,
		},
		{
			name:        "lookback window exceeded",
			sourceData:  `{}`,
			filterSet:   `{"_lookback_window":60}`,
			isInclusion: true,
			want:        false,
		},
		{
			name:        "exceeded lookback window satisfies not filters",
			sourceData:  `{}`,
			filterSet:   `{"_lookback_window":60}`,
			isInclusion: false,
			want:        true,
		},
		{
			name:        "malformed filter set is a non-match",
			sourceData:  `{"product":["1"]}`,
			filterSet:   `[42]`,
			isInclusion: true,
			want:        false,
		},
		{
			name:        "malformed source data is a non-match",
			sourceData:  `not json`,
			filterSet:   `{"product":["1"]}`,
			isInclusion: true,
			want:        false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := engine.Match(tc.sourceData, tc.filterSet, sourceTime, triggerTime, tc.isInclusion)
			require.Equal(t, tc.want, got)
		})
	}
}
