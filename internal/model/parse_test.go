package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseEventTriggerData(t *testing.T) {
	t.Run("numbers and strings both parse", func(t *testing.T) {
		data, err := ParseEventTriggerData(`[{"trigger_data":"3","priority":7,"deduplication_key":"99"}]`)
		require.NoError(t, err)
		require.Len(t, data, 1)
		require.EqualValues(t, 3, data[0].TriggerData)
		require.EqualValues(t, 7, data[0].Priority)
		require.NotNil(t, data[0].DedupKey)
		require.EqualValues(t, 99, *data[0].DedupKey)
		require.EqualValues(t, 1, data[0].Value)
	})

	t.Run("empty input yields no entries", func(t *testing.T) {
		data, err := ParseEventTriggerData("")
		require.NoError(t, err)
		require.Empty(t, data)
	})

	t.Run("non-list input errors", func(t *testing.T) {
		_, err := ParseEventTriggerData(`{"trigger_data":1}`)
		require.Error(t, err)
	})

	t.Run("non-numeric trigger data errors", func(t *testing.T) {
		_, err := ParseEventTriggerData(`[{"trigger_data":"abc"}]`)
		require.Error(t, err)
	})
}

func TestParseTriggerSpecs(t *testing.T) {
	t.Run("valid specs", func(t *testing.T) {
		specs, err := ParseTriggerSpecs(`[{"trigger_data":[0,1],"summary_window_operator":"value_sum","summary_buckets":[5,10,100]}]`)
		require.NoError(t, err)
		require.Len(t, specs.Specs, 1)
		require.EqualValues(t, 2, specs.Cardinality())
		spec, ok := specs.SpecFor(1)
		require.True(t, ok)
		require.Equal(t, SummaryOperatorValueSum, spec.SummaryOperator)
		_, ok = specs.SpecFor(9)
		require.False(t, ok)
	})

	t.Run("non-increasing buckets are rejected", func(t *testing.T) {
		_, err := ParseTriggerSpecs(`[{"trigger_data":[0],"summary_buckets":[5,5]}]`)
		require.Error(t, err)
	})

	t.Run("non-positive buckets are rejected", func(t *testing.T) {
		_, err := ParseTriggerSpecs(`[{"trigger_data":[0],"summary_buckets":[0,5]}]`)
		require.Error(t, err)
	})

	t.Run("unknown operator is rejected", func(t *testing.T) {
		_, err := ParseTriggerSpecs(`[{"trigger_data":[0],"summary_window_operator":"max","summary_buckets":[1]}]`)
		require.Error(t, err)
	})

	t.Run("missing trigger data is rejected", func(t *testing.T) {
		_, err := ParseTriggerSpecs(`[{"summary_buckets":[1]}]`)
		require.Error(t, err)
	})
}

func TestAttributedTriggersRoundTrip(t *testing.T) {
	key := int64(4)
	ledger := []AttributedTrigger{{
		TriggerID:   "t1",
		Priority:    9,
		TriggerData: 2,
		Value:       30,
		TriggerTime: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		DedupKey:    &key,
	}}
	encoded, err := EncodeAttributedTriggers(ledger)
	require.NoError(t, err)
	decoded, err := ParseAttributedTriggers(encoded)
	require.NoError(t, err)
	require.Equal(t, ledger, decoded)
}

func TestParseAttributionConfigs(t *testing.T) {
	t.Run("full entry", func(t *testing.T) {
		configs, err := ParseAttributionConfigs(`[{
			"source_network_id": "seller",
			"priority": "7",
			"expiry": 86400,
			"source_priority_range": {"start": 1, "end": 100},
			"source_filters": {"geo": ["us"]},
			"filter_data": {"campaign": ["fall"]}
		}]`)
		require.NoError(t, err)
		require.Len(t, configs, 1)
		cfg := configs[0]
		require.Equal(t, "seller", cfg.SourceNetworkID)
		require.EqualValues(t, 7, *cfg.Priority)
		require.Equal(t, 24*time.Hour, *cfg.Expiry)
		require.Equal(t, [2]int64{1, 100}, *cfg.SourcePriorityRange)
		require.NotEmpty(t, cfg.SourceFilters)
		require.NotEmpty(t, cfg.FilterData)
	})

	t.Run("missing source network id is rejected", func(t *testing.T) {
		_, err := ParseAttributionConfigs(`[{"priority":1}]`)
		require.Error(t, err)
	})
}

func TestContributionSum(t *testing.T) {
	t.Run("sums values", func(t *testing.T) {
		r := AggregateReport{Contributions: []AggregateContribution{{Value: 100}, {Value: 50}}}
		sum, ok := r.ContributionSum()
		require.True(t, ok)
		require.EqualValues(t, 150, sum)
	})

	t.Run("flags overflow", func(t *testing.T) {
		r := AggregateReport{Contributions: []AggregateContribution{
			{Value: 1<<63 - 1},
			{Value: 1},
		}}
		_, ok := r.ContributionSum()
		require.False(t, ok)
	})
}
