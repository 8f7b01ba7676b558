package aggregate

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/rudderlabs/attribution-engine/internal/model"
)

// contributions intersects the source's aggregation keys with the trigger's
// aggregate trigger data and values. Each named key starts as the source's
// key piece, gets the key pieces of every matching trigger-data entry OR'd
// in, and becomes a contribution when the trigger assigns it a value.
func (g *Generator) contributions(source model.Source, trigger model.Trigger) ([]model.AggregateContribution, error) {
	if source.AggregationKeys == "" || trigger.AggregateValues == "" {
		return nil, nil
	}
	sourceKeys := gjson.Parse(source.AggregationKeys)
	if !sourceKeys.IsObject() {
		return nil, fmt.Errorf("aggregation keys is not an object")
	}
	keys := map[string]*big.Int{}
	var parseErr error
	sourceKeys.ForEach(func(name, piece gjson.Result) bool {
		k, err := parseKeyPiece(piece.String())
		if err != nil {
			parseErr = fmt.Errorf("parsing key piece for %q: %w", name.String(), err)
			return false
		}
		keys[name.String()] = k
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	if trigger.AggregateTriggerData != "" {
		entries := gjson.Parse(trigger.AggregateTriggerData)
		if !entries.IsArray() {
			return nil, fmt.Errorf("aggregate trigger data is not a list")
		}
		for _, entry := range entries.Array() {
			if !entry.IsObject() {
				return nil, fmt.Errorf("aggregate trigger data entry is not an object")
			}
			if f := entry.Get("filters"); f.Exists() &&
				!g.filter.Match(source.FilterData, f.Raw, source.EventTime, trigger.TriggerTime, true) {
				continue
			}
			if f := entry.Get("not_filters"); f.Exists() &&
				!g.filter.Match(source.FilterData, f.Raw, source.EventTime, trigger.TriggerTime, false) {
				continue
			}
			piece, err := parseKeyPiece(entry.Get("key_piece").String())
			if err != nil {
				return nil, fmt.Errorf("parsing trigger key piece: %w", err)
			}
			for _, name := range entry.Get("source_keys").Array() {
				if k, ok := keys[name.String()]; ok {
					k.Or(k, piece)
				}
			}
		}
	}

	values := gjson.Parse(trigger.AggregateValues)
	if !values.IsObject() {
		return nil, fmt.Errorf("aggregate values is not an object")
	}
	var out []model.AggregateContribution
	values.ForEach(func(name, value gjson.Result) bool {
		k, ok := keys[name.String()]
		if !ok {
			return true
		}
		v, err := cast.ToInt64E(value.Value())
		if err != nil {
			parseErr = fmt.Errorf("parsing value for %q: %w", name.String(), err)
			return false
		}
		if v <= 0 {
			return true
		}
		out = append(out, model.AggregateContribution{
			Key:   fmt.Sprintf("0x%x", k),
			Value: v,
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func parseKeyPiece(raw string) (*big.Int, error) {
	hex := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if hex == "" {
		return nil, fmt.Errorf("empty key piece")
	}
	k, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		return nil, fmt.Errorf("key piece %q is not hexadecimal", raw)
	}
	return k, nil
}
