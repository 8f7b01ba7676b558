package filterutil

import (
	"fmt"
	"time"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/logger"
)

const lookbackWindowKey = "_lookback_window"

// FilterMap is one parsed filter map: a conjunction of key to allowed-values
// constraints plus an optional lookback-window bound on the time elapsed
// since source registration.
type FilterMap struct {
	Values         map[string][]string
	LookbackWindow *time.Duration
}

// Engine evaluates filter predicates between a source's filter data and a
// trigger's filter sets. Malformed JSON on either side is a non-match, never
// an error surfaced to the attribution pipeline.
type Engine struct {
	logger logger.Logger
}

func New(log logger.Logger) *Engine {
	return &Engine{logger: log.Child("filterutil")}
}

// ParseFilterMap parses a single filter map object.
func ParseFilterMap(raw string) (FilterMap, error) {
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return FilterMap{}, fmt.Errorf("filter map is not an object")
	}
	fm := FilterMap{Values: map[string][]string{}}
	var parseErr error
	parsed.ForEach(func(key, value gjson.Result) bool {
		if key.String() == lookbackWindowKey {
			secs, err := cast.ToInt64E(value.Value())
			if err != nil || secs < 0 {
				parseErr = fmt.Errorf("invalid %s", lookbackWindowKey)
				return false
			}
			window := time.Duration(secs) * time.Second
			fm.LookbackWindow = &window
			return true
		}
		if !value.IsArray() {
			parseErr = fmt.Errorf("filter values for %q are not a list", key.String())
			return false
		}
		values := make([]string, 0, len(value.Array()))
		for _, v := range value.Array() {
			if v.Type != gjson.String {
				parseErr = fmt.Errorf("filter value for %q is not a string", key.String())
				return false
			}
			values = append(values, v.String())
		}
		fm.Values[key.String()] = values
		return true
	})
	if parseErr != nil {
		return FilterMap{}, parseErr
	}
	return fm, nil
}

// ParseFilterSet parses a trigger filter set: either a single filter map
// object or a list of them (a disjunction).
func ParseFilterSet(raw string) ([]FilterMap, error) {
	parsed := gjson.Parse(raw)
	switch {
	case parsed.IsObject():
		fm, err := ParseFilterMap(raw)
		if err != nil {
			return nil, err
		}
		return []FilterMap{fm}, nil
	case parsed.IsArray():
		var set []FilterMap
		for _, entry := range parsed.Array() {
			fm, err := ParseFilterMap(entry.Raw)
			if err != nil {
				return nil, err
			}
			set = append(set, fm)
		}
		return set, nil
	default:
		return nil, fmt.Errorf("filter set is neither an object nor a list")
	}
}

// Match evaluates the trigger filter set JSON against the source filter data
// JSON. An empty filter set matches vacuously. Malformed JSON is treated as a
// non-match and logged.
func (e *Engine) Match(sourceFilterData, filterSet string, sourceTime, triggerTime time.Time, isInclusion bool) bool {
	if filterSet == "" {
		return true
	}
	sourceValues := map[string][]string{}
	if sourceFilterData != "" {
		sourceMap, err := ParseFilterMap(sourceFilterData)
		if err != nil {
			e.logger.Warnw("malformed source filter data, treating as non-match", "error", err)
			return false
		}
		sourceValues = sourceMap.Values
	}
	set, err := ParseFilterSet(filterSet)
	if err != nil {
		e.logger.Warnw("malformed trigger filter set, treating as non-match", "error", err)
		return false
	}
	return e.MatchParsed(sourceValues, set, sourceTime, triggerTime, isInclusion)
}

// MatchParsed evaluates an already-parsed filter set: a disjunction of filter
// maps, each a conjunction of per-key constraints. Keys absent from either
// side impose no constraint. isInclusion=false inverts every per-key
// predicate (not_filters).
func (e *Engine) MatchParsed(sourceValues map[string][]string, set []FilterMap, sourceTime, triggerTime time.Time, isInclusion bool) bool {
	if len(set) == 0 {
		return true
	}
	for _, fm := range set {
		if matchMap(sourceValues, fm, sourceTime, triggerTime, isInclusion) {
			return true
		}
	}
	return false
}

func matchMap(sourceValues map[string][]string, fm FilterMap, sourceTime, triggerTime time.Time, isInclusion bool) bool {
	if fm.LookbackWindow != nil {
		elapsed := triggerTime.Sub(sourceTime)
		within := elapsed >= 0 && elapsed <= *fm.LookbackWindow
		if within != isInclusion {
			return false
		}
	}
	for key, triggerValues := range fm.Values {
		source, ok := sourceValues[key]
		if !ok {
			continue
		}
		if intersects(source, triggerValues) != isInclusion {
			return false
		}
	}
	return true
}

func intersects(a, b []string) bool {
	if len(b) == 0 {
		// An explicit empty allow-list only matches a source key with no
		// values of its own.
		return len(a) == 0
	}
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	for _, v := range a {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
