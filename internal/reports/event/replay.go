package event

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/rudderlabs/attribution-engine/internal/model"
)

// BucketReport is one summary bucket filled during a ledger replay. It is a
// value produced by the pure replay; the generator materializes it into an
// event report row.
type BucketReport struct {
	TriggerData  int64
	Bucket       int64
	Contributors []model.AttributedTrigger
}

// Key identifies a bucket report independently of arrival order: the same
// final ledger always yields the same key set.
func (r BucketReport) Key() string {
	ids := lo.Map(r.Contributors, func(t model.AttributedTrigger, _ int) string {
		return t.TriggerID
	})
	sort.Strings(ids)
	return fmt.Sprintf("%d|%d|%s", r.TriggerData, r.Bucket, strings.Join(ids, ","))
}

// Priority of a bucket report is the highest contributor priority; used when
// the report competes for pending-quota eviction.
func (r BucketReport) Priority() int64 {
	var max int64
	for i, c := range r.Contributors {
		if i == 0 || c.Priority > max {
			max = c.Priority
		}
	}
	return max
}

// SortLedger orders a flexible source's ledger by (priority desc, time asc),
// the order in which triggers claim summary-bucket capacity.
func SortLedger(ledger []model.AttributedTrigger) []model.AttributedTrigger {
	sorted := append([]model.AttributedTrigger(nil), ledger...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].TriggerTime.Before(sorted[j].TriggerTime)
	})
	return sorted
}

// Replay rebuilds the bucket state of a flexible source from its full
// ledger. It walks the ordered ledger, accumulates each entry's contribution
// into the summary buckets of its trigger data value and emits one report
// per filled bucket, stopping once maxReports is exhausted. Replaying the
// whole ledger on every attribution is deliberate: a high-priority
// late-arriving trigger can reorder which earlier triggers fill which
// bucket.
func Replay(ledger []model.AttributedTrigger, specs model.ParsedTriggerSpecs, maxReports int) []BucketReport {
	type dataState struct {
		total        int64
		nextBucket   int
		contributors []model.AttributedTrigger
	}
	states := map[int64]*dataState{}

	var reports []BucketReport
	for _, entry := range SortLedger(ledger) {
		spec, ok := specs.SpecFor(entry.TriggerData)
		if !ok {
			continue
		}
		state, ok := states[entry.TriggerData]
		if !ok {
			state = &dataState{}
			states[entry.TriggerData] = state
		}
		contribution := int64(1)
		if spec.SummaryOperator == model.SummaryOperatorValueSum {
			contribution = entry.Value
		}
		state.total += contribution
		state.contributors = append(state.contributors, entry)

		for state.nextBucket < len(spec.SummaryBuckets) && state.total >= spec.SummaryBuckets[state.nextBucket] {
			if len(reports) == maxReports {
				return reports
			}
			reports = append(reports, BucketReport{
				TriggerData:  entry.TriggerData,
				Bucket:       spec.SummaryBuckets[state.nextBucket],
				Contributors: append([]model.AttributedTrigger(nil), state.contributors...),
			})
			state.nextBucket++
		}
	}
	return reports
}
