package selector

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/attribution-engine/internal/filterutil"
	"github.com/rudderlabs/attribution-engine/internal/model"
)

// Selector ranks the candidate sources of a trigger and picks the single
// attributing source. The total order, descending: valid install attribution
// first, then priority, then recency of registration.
type Selector struct {
	logger logger.Logger
	filter *filterutil.Engine
}

func New(log logger.Logger, filter *filterutil.Engine) *Selector {
	return &Selector{
		logger: log.Child("selector"),
		filter: filter,
	}
}

// Select returns the unique maximum of the candidate set under the
// attribution order plus the demoted remainder. ok is false when the
// candidate set is empty.
func (s *Selector) Select(trigger model.Trigger, candidates []model.Source) (winner model.Source, losers []model.Source, ok bool) {
	if len(candidates) == 0 {
		return model.Source{}, nil, false
	}
	ranked := append([]model.Source(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return less(trigger, ranked[j], ranked[i])
	})
	return ranked[0], ranked[1:], true
}

// less orders a before b, ascending under the attribution order.
func less(trigger model.Trigger, a, b model.Source) bool {
	aInstall := a.IsInstallAttributionValid(trigger.TriggerTime)
	bInstall := b.IsInstallAttributionValid(trigger.TriggerTime)
	if aInstall != bInstall {
		return !aInstall
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.EventTime.Before(b.EventTime)
}

// SplitLosers partitions demoted sources into first-party sources, which are
// ignored outright, and derived ones, whose parents get an enrollment-scoped
// ignore marker instead so they stay eligible for other enrollments.
func SplitLosers(losers []model.Source) (firstParty []string, derivedParents []string) {
	for _, src := range losers {
		if src.IsDerived() {
			derivedParents = append(derivedParents, src.ParentID)
			continue
		}
		firstParty = append(firstParty, src.ID)
	}
	return lo.Uniq(firstParty), lo.Uniq(derivedParents)
}

// DeriveSources transforms sources registered under foreign enrollments into
// derived candidates usable by this trigger, rewriting priority, expiry and
// filter data per the trigger's attribution configs. Derived sources never
// produce event reports; that is enforced downstream via IsDerived.
func (s *Selector) DeriveSources(trigger model.Trigger, configs []model.AttributionConfig, foreign []model.Source) []model.Source {
	var derived []model.Source
	for _, cfg := range configs {
		for _, src := range foreign {
			if src.EnrollmentID != cfg.SourceNetworkID {
				continue
			}
			if src.IsDerived() {
				continue
			}
			if cfg.SourcePriorityRange != nil &&
				(src.Priority < cfg.SourcePriorityRange[0] || src.Priority > cfg.SourcePriorityRange[1]) {
				continue
			}
			if cfg.SourceFilters != "" &&
				!s.filter.Match(src.FilterData, cfg.SourceFilters, src.EventTime, trigger.TriggerTime, true) {
				continue
			}
			d := src
			d.ParentID = src.ID
			d.ID = fmt.Sprintf("xna:%s:%s", src.ID, trigger.EnrollmentID)
			d.EnrollmentID = trigger.EnrollmentID
			if cfg.Priority != nil {
				d.Priority = *cfg.Priority
			}
			if cfg.Expiry != nil {
				expiry := src.EventTime.Add(*cfg.Expiry)
				if expiry.Before(d.ExpiryTime) {
					d.ExpiryTime = expiry
				}
			}
			if cfg.FilterData != "" {
				d.FilterData = cfg.FilterData
			}
			if !trigger.TriggerTime.Before(d.ExpiryTime) {
				continue
			}
			derived = append(derived, d)
		}
	}
	return derived
}
