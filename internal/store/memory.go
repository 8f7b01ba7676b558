package store

import (
	"context"
	"sort"
	"sync"

	golock "github.com/viney-shih/go-lock"

	"github.com/rudderlabs/attribution-engine/internal/model"
)

// Memory is an in-memory measurement store. It backs the engine tests and
// embedded deployments that do not carry a Postgres. Transactions are
// modelled as copy-on-write: InTx runs against a deep copy of the state and
// swaps it in only when fn succeeds, so a failing transaction leaves no
// partial mutation behind.
type Memory struct {
	mu    sync.Mutex
	locks map[string]*golock.CASMutex
	state *memState
}

func NewMemory() *Memory {
	return &Memory{
		locks: map[string]*golock.CASMutex{},
		state: newMemState(),
	}
}

func (m *Memory) InTx(_ context.Context, fn func(MeasurementStore) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := m.state.clone()
	if err := fn(&memView{s: clone}); err != nil {
		return err
	}
	m.state = clone
	return nil
}

func (m *Memory) TryLock(_ context.Context, name string) (func(context.Context) error, bool, error) {
	m.mu.Lock()
	l, ok := m.locks[name]
	if !ok {
		l = golock.NewCASMutex()
		m.locks[name] = l
	}
	m.mu.Unlock()

	if !l.TryLock() {
		return nil, false, nil
	}
	return func(context.Context) error {
		l.Unlock()
		return nil
	}, true, nil
}

type memState struct {
	sources            map[string]model.Source
	triggers           map[string]model.Trigger
	triggerQueue       []string
	eventReports       map[string]model.EventReport
	aggregateReports   map[string]model.AggregateReport
	attributions       []model.Attribution
	debugReports       []model.VerboseDebugReport
	ignoredEnrollments map[string]map[string]struct{}
}

func newMemState() *memState {
	return &memState{
		sources:            map[string]model.Source{},
		triggers:           map[string]model.Trigger{},
		eventReports:       map[string]model.EventReport{},
		aggregateReports:   map[string]model.AggregateReport{},
		ignoredEnrollments: map[string]map[string]struct{}{},
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for id, src := range s.sources {
		c.sources[id] = cloneSource(src)
	}
	for id, trg := range s.triggers {
		c.triggers[id] = trg
	}
	c.triggerQueue = append([]string(nil), s.triggerQueue...)
	for id, r := range s.eventReports {
		c.eventReports[id] = cloneEventReport(r)
	}
	for id, r := range s.aggregateReports {
		r.Contributions = append([]model.AggregateContribution(nil), r.Contributions...)
		c.aggregateReports[id] = r
	}
	c.attributions = append([]model.Attribution(nil), s.attributions...)
	c.debugReports = append([]model.VerboseDebugReport(nil), s.debugReports...)
	for id, set := range s.ignoredEnrollments {
		setCopy := make(map[string]struct{}, len(set))
		for e := range set {
			setCopy[e] = struct{}{}
		}
		c.ignoredEnrollments[id] = setCopy
	}
	return c
}

func cloneSource(s model.Source) model.Source {
	s.EventReportDedupKeys = append([]int64(nil), s.EventReportDedupKeys...)
	s.AggregateReportDedupKeys = append([]int64(nil), s.AggregateReportDedupKeys...)
	return s
}

func cloneEventReport(r model.EventReport) model.EventReport {
	r.AttributionDestinations = append([]string(nil), r.AttributionDestinations...)
	r.ContributingTriggerIDs = append([]string(nil), r.ContributingTriggerIDs...)
	return r
}

func (s *memState) insertSource(src model.Source) error {
	s.sources[src.ID] = cloneSource(src)
	return nil
}

func (s *memState) insertTrigger(trg model.Trigger) error {
	if _, ok := s.triggers[trg.ID]; !ok {
		s.triggerQueue = append(s.triggerQueue, trg.ID)
	}
	s.triggers[trg.ID] = trg
	return nil
}

func (s *memState) pendingTriggerIDs(limit int) ([]string, error) {
	var ids []string
	for _, id := range s.triggerQueue {
		if s.triggers[id].Status != model.TriggerStatusPending {
			continue
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (s *memState) trigger(id string) (model.Trigger, error) {
	trg, ok := s.triggers[id]
	if !ok {
		return model.Trigger{}, model.ErrTriggerNotFound
	}
	return trg, nil
}

func (s *memState) updateTriggerStatus(id string, status model.TriggerStatus) error {
	trg, ok := s.triggers[id]
	if !ok {
		return model.ErrTriggerNotFound
	}
	trg.Status = status
	s.triggers[id] = trg
	return nil
}

func (s *memState) source(id string) (model.Source, error) {
	src, ok := s.sources[id]
	if !ok {
		return model.Source{}, model.ErrSourceNotFound
	}
	return cloneSource(src), nil
}

func (s *memState) matchingSources(trigger model.Trigger, enrollments map[string]struct{}) []model.Source {
	var out []model.Source
	for _, src := range s.sources {
		if src.Status != model.SourceStatusActive {
			continue
		}
		if _, ok := enrollments[src.EnrollmentID]; !ok {
			continue
		}
		if src.DestinationForType(trigger.DestinationType) != trigger.AttributionDestination {
			continue
		}
		if trigger.TriggerTime.Before(src.EventTime) || !trigger.TriggerTime.Before(src.ExpiryTime) {
			continue
		}
		if ignored, ok := s.ignoredEnrollments[src.ID]; ok {
			if _, hit := ignored[trigger.EnrollmentID]; hit {
				continue
			}
		}
		out = append(out, cloneSource(src))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memState) updateSourceStatus(ids []string, status model.SourceStatus) error {
	for _, id := range ids {
		src, ok := s.sources[id]
		if !ok {
			return model.ErrSourceNotFound
		}
		src.Status = status
		s.sources[id] = src
	}
	return nil
}

func (s *memState) ignoreSourceForEnrollment(sourceID, enrollmentID string) error {
	if _, ok := s.sources[sourceID]; !ok {
		return model.ErrSourceNotFound
	}
	set, ok := s.ignoredEnrollments[sourceID]
	if !ok {
		set = map[string]struct{}{}
		s.ignoredEnrollments[sourceID] = set
	}
	set[enrollmentID] = struct{}{}
	return nil
}

func (s *memState) addEventReportDedupKey(sourceID string, key int64) error {
	src, ok := s.sources[sourceID]
	if !ok {
		return model.ErrSourceNotFound
	}
	src.EventReportDedupKeys = append(src.EventReportDedupKeys, key)
	s.sources[sourceID] = src
	return nil
}

func (s *memState) addAggregateReportDedupKey(sourceID string, key int64) error {
	src, ok := s.sources[sourceID]
	if !ok {
		return model.ErrSourceNotFound
	}
	src.AggregateReportDedupKeys = append(src.AggregateReportDedupKeys, key)
	s.sources[sourceID] = src
	return nil
}

func (s *memState) setAggregateContributions(sourceID string, total int64) error {
	src, ok := s.sources[sourceID]
	if !ok {
		return model.ErrSourceNotFound
	}
	src.AggregateContributions = total
	s.sources[sourceID] = src
	return nil
}

func (s *memState) updateAttributedTriggers(sourceID, ledger string) error {
	src, ok := s.sources[sourceID]
	if !ok {
		return model.ErrSourceNotFound
	}
	src.AttributedTriggers = ledger
	s.sources[sourceID] = src
	return nil
}

func (s *memState) insertEventReport(r model.EventReport) error {
	s.eventReports[r.ID] = cloneEventReport(r)
	return nil
}

func (s *memState) deleteEventReport(id string) error {
	delete(s.eventReports, id)
	return nil
}

func (s *memState) pendingEventReports(sourceID string) ([]model.EventReport, error) {
	var out []model.EventReport
	for _, r := range s.eventReports {
		if r.SourceID == sourceID && r.Status == model.ReportStatusPending {
			out = append(out, cloneEventReport(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReportTime.Equal(out[j].ReportTime) {
			return out[i].ReportTime.Before(out[j].ReportTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memState) countEventReportsForDestination(destination string) (int64, error) {
	var count int64
	for _, r := range s.eventReports {
		if r.Status != model.ReportStatusPending {
			continue
		}
		for _, d := range r.AttributionDestinations {
			if d == destination {
				count++
				break
			}
		}
	}
	return count, nil
}

func (s *memState) insertAggregateReport(r model.AggregateReport) error {
	r.Contributions = append([]model.AggregateContribution(nil), r.Contributions...)
	s.aggregateReports[r.ID] = r
	return nil
}

func (s *memState) countAggregateReportsForDestination(destination string) (int64, error) {
	var count int64
	for _, r := range s.aggregateReports {
		if r.Status == model.ReportStatusPending && !r.IsFakeReport && r.AttributionDestination == destination {
			count++
		}
	}
	return count, nil
}

func (s *memState) countAggregateReportsForSource(sourceID string) (int64, error) {
	var count int64
	for _, r := range s.aggregateReports {
		if !r.IsFakeReport && r.SourceID == sourceID {
			count++
		}
	}
	return count, nil
}

func (s *memState) insertAttribution(a model.Attribution) error {
	s.attributions = append(s.attributions, a)
	return nil
}

func (s *memState) countAttributions(scope model.AttributionScope, q AttributionQuery) (int64, error) {
	var count int64
	for _, a := range s.attributions {
		if scope != model.AttributionScopeUnspecified && a.Scope != scope {
			continue
		}
		if !attributionMatches(a, q) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *memState) countDistinctReportingOrigins(q AttributionQuery) (int64, error) {
	origins := map[string]struct{}{}
	for _, a := range s.attributions {
		if a.SourceSite != q.SourceSite || a.DestinationSite != q.DestinationSite {
			continue
		}
		if a.TriggerTime.Before(q.From) || a.TriggerTime.After(q.To) {
			continue
		}
		if a.RegistrationOrigin == q.ExcludeOrigin {
			continue
		}
		origins[a.RegistrationOrigin] = struct{}{}
	}
	return int64(len(origins)), nil
}

func attributionMatches(a model.Attribution, q AttributionQuery) bool {
	if a.SourceSite != q.SourceSite || a.DestinationSite != q.DestinationSite || a.EnrollmentID != q.EnrollmentID {
		return false
	}
	return !a.TriggerTime.Before(q.From) && !a.TriggerTime.After(q.To)
}

func (s *memState) insertDebugReport(r model.VerboseDebugReport) error {
	s.debugReports = append(s.debugReports, r)
	return nil
}

// memView binds the MeasurementStore contract to one state snapshot.
type memView struct {
	s *memState
}

func (v *memView) InsertSource(_ context.Context, src model.Source) error { return v.s.insertSource(src) }
func (v *memView) InsertTrigger(_ context.Context, trg model.Trigger) error {
	return v.s.insertTrigger(trg)
}

func (v *memView) PendingTriggerIDs(_ context.Context, limit int) ([]string, error) {
	return v.s.pendingTriggerIDs(limit)
}

func (v *memView) Trigger(_ context.Context, id string) (model.Trigger, error) {
	return v.s.trigger(id)
}

func (v *memView) UpdateTriggerStatus(_ context.Context, id string, status model.TriggerStatus) error {
	return v.s.updateTriggerStatus(id, status)
}

func (v *memView) Source(_ context.Context, id string) (model.Source, error) {
	return v.s.source(id)
}

func (v *memView) MatchingActiveSources(_ context.Context, trigger model.Trigger) ([]model.Source, error) {
	return v.s.matchingSources(trigger, map[string]struct{}{trigger.EnrollmentID: {}}), nil
}

func (v *memView) MatchingActiveSourcesForEnrollments(_ context.Context, trigger model.Trigger, enrollmentIDs []string) ([]model.Source, error) {
	set := make(map[string]struct{}, len(enrollmentIDs))
	for _, e := range enrollmentIDs {
		set[e] = struct{}{}
	}
	return v.s.matchingSources(trigger, set), nil
}

func (v *memView) UpdateSourceStatus(_ context.Context, ids []string, status model.SourceStatus) error {
	return v.s.updateSourceStatus(ids, status)
}

func (v *memView) IgnoreSourceForEnrollment(_ context.Context, sourceID, enrollmentID string) error {
	return v.s.ignoreSourceForEnrollment(sourceID, enrollmentID)
}

func (v *memView) AddEventReportDedupKey(_ context.Context, sourceID string, key int64) error {
	return v.s.addEventReportDedupKey(sourceID, key)
}

func (v *memView) AddAggregateReportDedupKey(_ context.Context, sourceID string, key int64) error {
	return v.s.addAggregateReportDedupKey(sourceID, key)
}

func (v *memView) SetAggregateContributions(_ context.Context, sourceID string, total int64) error {
	return v.s.setAggregateContributions(sourceID, total)
}

func (v *memView) UpdateAttributedTriggers(_ context.Context, sourceID, ledger string) error {
	return v.s.updateAttributedTriggers(sourceID, ledger)
}

func (v *memView) InsertEventReport(_ context.Context, r model.EventReport) error {
	return v.s.insertEventReport(r)
}

func (v *memView) DeleteEventReport(_ context.Context, id string) error {
	return v.s.deleteEventReport(id)
}

func (v *memView) PendingEventReports(_ context.Context, sourceID string) ([]model.EventReport, error) {
	return v.s.pendingEventReports(sourceID)
}

func (v *memView) CountEventReportsForDestination(_ context.Context, destination string) (int64, error) {
	return v.s.countEventReportsForDestination(destination)
}

func (v *memView) InsertAggregateReport(_ context.Context, r model.AggregateReport) error {
	return v.s.insertAggregateReport(r)
}

func (v *memView) CountAggregateReportsForDestination(_ context.Context, destination string) (int64, error) {
	return v.s.countAggregateReportsForDestination(destination)
}

func (v *memView) CountAggregateReportsForSource(_ context.Context, sourceID string) (int64, error) {
	return v.s.countAggregateReportsForSource(sourceID)
}

func (v *memView) InsertAttribution(_ context.Context, a model.Attribution) error {
	return v.s.insertAttribution(a)
}

func (v *memView) CountAttributions(_ context.Context, scope model.AttributionScope, q AttributionQuery) (int64, error) {
	return v.s.countAttributions(scope, q)
}

func (v *memView) CountDistinctReportingOrigins(_ context.Context, q AttributionQuery) (int64, error) {
	return v.s.countDistinctReportingOrigins(q)
}

func (v *memView) InsertDebugReport(_ context.Context, r model.VerboseDebugReport) error {
	return v.s.insertDebugReport(r)
}

// Direct accessors used for seeding fixtures and asserting end state.

func (m *Memory) InsertSource(ctx context.Context, src model.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.insertSource(src)
}

func (m *Memory) InsertTrigger(ctx context.Context, trg model.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.insertTrigger(trg)
}

func (m *Memory) Source(ctx context.Context, id string) (model.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.source(id)
}

func (m *Memory) Trigger(ctx context.Context, id string) (model.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.trigger(id)
}

func (m *Memory) EventReports() []model.EventReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.EventReport
	for _, r := range m.state.eventReports {
		out = append(out, cloneEventReport(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) AggregateReports() []model.AggregateReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AggregateReport
	for _, r := range m.state.aggregateReports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) Attributions() []model.Attribution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Attribution(nil), m.state.attributions...)
}

func (m *Memory) DebugReports() []model.VerboseDebugReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.VerboseDebugReport(nil), m.state.debugReports...)
}
