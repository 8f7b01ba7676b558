package model

import (
	"fmt"
	"time"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/rudderlabs/attribution-engine/jsonrs"
)

// EventTriggerDatum is one parsed entry of a trigger's event trigger data
// list. Filters and NotFilters keep the raw JSON form; the filter engine
// evaluates them fail-closed.
type EventTriggerDatum struct {
	TriggerData int64
	Priority    int64
	Value       int64
	DedupKey    *int64
	Filters     string
	NotFilters  string
}

// ParseEventTriggerData parses the trigger's event trigger data JSON.
// Registrations encode numeric fields either as JSON numbers or as decimal
// strings; both are accepted. Value defaults to 1 so count-operator summary
// buckets accumulate one unit per trigger.
func ParseEventTriggerData(raw string) ([]EventTriggerDatum, error) {
	if raw == "" {
		return nil, nil
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("event trigger data is not a list")
	}
	var out []EventTriggerDatum
	for _, entry := range parsed.Array() {
		if !entry.IsObject() {
			return nil, fmt.Errorf("event trigger data entry is not an object")
		}
		datum := EventTriggerDatum{Value: 1}
		var err error
		if datum.TriggerData, err = int64Field(entry, "trigger_data", 0); err != nil {
			return nil, err
		}
		if datum.Priority, err = int64Field(entry, "priority", 0); err != nil {
			return nil, err
		}
		if v := entry.Get("value"); v.Exists() {
			if datum.Value, err = int64Field(entry, "value", 1); err != nil {
				return nil, err
			}
		}
		if v := entry.Get("deduplication_key"); v.Exists() {
			key, err := cast.ToInt64E(v.Value())
			if err != nil {
				return nil, fmt.Errorf("parsing deduplication_key: %w", err)
			}
			datum.DedupKey = &key
		}
		if v := entry.Get("filters"); v.Exists() {
			datum.Filters = v.Raw
		}
		if v := entry.Get("not_filters"); v.Exists() {
			datum.NotFilters = v.Raw
		}
		out = append(out, datum)
	}
	return out, nil
}

func int64Field(entry gjson.Result, key string, def int64) (int64, error) {
	v := entry.Get(key)
	if !v.Exists() {
		return def, nil
	}
	parsed, err := cast.ToInt64E(v.Value())
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return parsed, nil
}

// AggregateDedupEntry is one parsed entry of a trigger's aggregatable
// deduplication key list. The first entry whose filters match the attributed
// source supplies the dedup key.
type AggregateDedupEntry struct {
	DedupKey   *int64
	Filters    string
	NotFilters string
}

// ParseAggregateDedupKeys parses the trigger's aggregatable dedup key JSON.
func ParseAggregateDedupKeys(raw string) ([]AggregateDedupEntry, error) {
	if raw == "" {
		return nil, nil
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("aggregate dedup keys is not a list")
	}
	var out []AggregateDedupEntry
	for _, entry := range parsed.Array() {
		if !entry.IsObject() {
			return nil, fmt.Errorf("aggregate dedup entry is not an object")
		}
		var ade AggregateDedupEntry
		if v := entry.Get("deduplication_key"); v.Exists() {
			key, err := cast.ToInt64E(v.Value())
			if err != nil {
				return nil, fmt.Errorf("parsing deduplication_key: %w", err)
			}
			ade.DedupKey = &key
		}
		if v := entry.Get("filters"); v.Exists() {
			ade.Filters = v.Raw
		}
		if v := entry.Get("not_filters"); v.Exists() {
			ade.NotFilters = v.Raw
		}
		out = append(out, ade)
	}
	return out, nil
}

type SummaryOperator = string

const (
	SummaryOperatorCount    SummaryOperator = "count"
	SummaryOperatorValueSum SummaryOperator = "value_sum"
)

// TriggerSpec defines the summary-bucket behaviour of one group of trigger
// data values on a flexible source.
type TriggerSpec struct {
	TriggerData     []int64
	SummaryOperator SummaryOperator
	// SummaryBuckets holds ascending bucket start thresholds. Crossing a
	// threshold fills the corresponding bucket and is worth one report.
	SummaryBuckets []int64
}

// ParsedTriggerSpecs is the once-per-transaction parsed view of a flexible
// source's trigger specs.
type ParsedTriggerSpecs struct {
	Specs []TriggerSpec
}

// SpecFor returns the spec covering the given trigger data value.
func (p *ParsedTriggerSpecs) SpecFor(data int64) (TriggerSpec, bool) {
	for _, spec := range p.Specs {
		for _, d := range spec.TriggerData {
			if d == data {
				return spec, true
			}
		}
	}
	return TriggerSpec{}, false
}

// Cardinality returns the number of distinct trigger data values across all
// specs, used for exact/modulus trigger-data matching.
func (p *ParsedTriggerSpecs) Cardinality() int64 {
	seen := map[int64]struct{}{}
	for _, spec := range p.Specs {
		for _, d := range spec.TriggerData {
			seen[d] = struct{}{}
		}
	}
	return int64(len(seen))
}

// ParseTriggerSpecs parses a flexible source's trigger specs JSON. Malformed
// specs are an error; the orchestrator ignores the trigger in that case.
func ParseTriggerSpecs(raw string) (ParsedTriggerSpecs, error) {
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		return ParsedTriggerSpecs{}, fmt.Errorf("trigger specs is not a list")
	}
	var specs []TriggerSpec
	for _, entry := range parsed.Array() {
		if !entry.IsObject() {
			return ParsedTriggerSpecs{}, fmt.Errorf("trigger spec entry is not an object")
		}
		spec := TriggerSpec{SummaryOperator: SummaryOperatorCount}
		dataList := entry.Get("trigger_data")
		if !dataList.IsArray() || len(dataList.Array()) == 0 {
			return ParsedTriggerSpecs{}, fmt.Errorf("trigger spec without trigger_data")
		}
		for _, d := range dataList.Array() {
			v, err := cast.ToInt64E(d.Value())
			if err != nil {
				return ParsedTriggerSpecs{}, fmt.Errorf("parsing trigger_data: %w", err)
			}
			spec.TriggerData = append(spec.TriggerData, v)
		}
		if op := entry.Get("summary_window_operator"); op.Exists() {
			switch op.String() {
			case SummaryOperatorCount, SummaryOperatorValueSum:
				spec.SummaryOperator = op.String()
			default:
				return ParsedTriggerSpecs{}, fmt.Errorf("unknown summary operator %q", op.String())
			}
		}
		buckets := entry.Get("summary_buckets")
		if !buckets.IsArray() || len(buckets.Array()) == 0 {
			return ParsedTriggerSpecs{}, fmt.Errorf("trigger spec without summary_buckets")
		}
		var prev int64
		for i, b := range buckets.Array() {
			v, err := cast.ToInt64E(b.Value())
			if err != nil {
				return ParsedTriggerSpecs{}, fmt.Errorf("parsing summary_buckets: %w", err)
			}
			if v <= 0 || (i > 0 && v <= prev) {
				return ParsedTriggerSpecs{}, fmt.Errorf("summary buckets must be positive and strictly increasing")
			}
			spec.SummaryBuckets = append(spec.SummaryBuckets, v)
			prev = v
		}
		specs = append(specs, spec)
	}
	return ParsedTriggerSpecs{Specs: specs}, nil
}

// AttributedTrigger is one entry of a flexible source's ledger.
type AttributedTrigger struct {
	TriggerID          string    `json:"trigger_id"`
	Priority           int64     `json:"priority"`
	TriggerData        int64     `json:"trigger_data"`
	Value              int64     `json:"value"`
	TriggerTime        time.Time `json:"trigger_time"`
	DedupKey           *int64    `json:"dedup_key,omitempty"`
	HasSourceDebugKey  bool      `json:"has_source_debug_key"`
	HasTriggerDebugKey bool      `json:"has_trigger_debug_key"`
}

// ParseAttributedTriggers decodes a source's attributed-trigger ledger.
func ParseAttributedTriggers(raw string) ([]AttributedTrigger, error) {
	if raw == "" {
		return nil, nil
	}
	var ledger []AttributedTrigger
	if err := jsonrs.Unmarshal([]byte(raw), &ledger); err != nil {
		return nil, fmt.Errorf("parsing attributed triggers: %w", err)
	}
	return ledger, nil
}

// EncodeAttributedTriggers encodes the ledger for storage.
func EncodeAttributedTriggers(ledger []AttributedTrigger) (string, error) {
	out, err := jsonrs.MarshalToString(ledger)
	if err != nil {
		return "", fmt.Errorf("encoding attributed triggers: %w", err)
	}
	return out, nil
}

// AttributionConfig is one parsed cross-network attribution config entry: it
// names a foreign enrollment whose sources may be derived for this trigger
// and the policy rewrites applied to them.
type AttributionConfig struct {
	SourceNetworkID     string
	Priority            *int64
	Expiry              *time.Duration
	SourcePriorityRange *[2]int64
	SourceFilters       string
	FilterData          string
}

// ParseAttributionConfigs parses a trigger's attribution config JSON.
func ParseAttributionConfigs(raw string) ([]AttributionConfig, error) {
	if raw == "" {
		return nil, nil
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("attribution config is not a list")
	}
	var out []AttributionConfig
	for _, entry := range parsed.Array() {
		if !entry.IsObject() {
			return nil, fmt.Errorf("attribution config entry is not an object")
		}
		cfg := AttributionConfig{SourceNetworkID: entry.Get("source_network_id").String()}
		if cfg.SourceNetworkID == "" {
			return nil, fmt.Errorf("attribution config without source_network_id")
		}
		if v := entry.Get("priority"); v.Exists() {
			p, err := cast.ToInt64E(v.Value())
			if err != nil {
				return nil, fmt.Errorf("parsing priority: %w", err)
			}
			cfg.Priority = &p
		}
		if v := entry.Get("expiry"); v.Exists() {
			secs, err := cast.ToInt64E(v.Value())
			if err != nil {
				return nil, fmt.Errorf("parsing expiry: %w", err)
			}
			d := time.Duration(secs) * time.Second
			cfg.Expiry = &d
		}
		if v := entry.Get("source_priority_range"); v.Exists() {
			start, err := cast.ToInt64E(v.Get("start").Value())
			if err != nil {
				return nil, fmt.Errorf("parsing source_priority_range.start: %w", err)
			}
			end, err := cast.ToInt64E(v.Get("end").Value())
			if err != nil {
				return nil, fmt.Errorf("parsing source_priority_range.end: %w", err)
			}
			cfg.SourcePriorityRange = &[2]int64{start, end}
		}
		if v := entry.Get("source_filters"); v.Exists() {
			cfg.SourceFilters = v.Raw
		}
		if v := entry.Get("filter_data"); v.Exists() {
			cfg.FilterData = v.Raw
		}
		out = append(out, cfg)
	}
	return out, nil
}
