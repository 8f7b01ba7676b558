package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/rudderlabs/attribution-engine/internal/model"
	"github.com/rudderlabs/attribution-engine/jsonrs"
)

func (s *pgStore) InsertEventReport(ctx context.Context, r model.EventReport) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO event_reports (
			id, source_id, trigger_id, attribution_destinations, enrollment_id,
			registration_origin, trigger_data, trigger_priority, trigger_dedup_key,
			trigger_summary_bucket, contributing_trigger_ids, trigger_time,
			report_time, source_debug_key, trigger_debug_key, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);
	`,
		r.ID,
		r.SourceID,
		r.TriggerID,
		pq.Array(r.AttributionDestinations),
		r.EnrollmentID,
		r.RegistrationOrigin,
		r.TriggerData,
		r.TriggerPriority,
		nullableInt64(r.TriggerDedupKey),
		r.TriggerSummaryBucket,
		pq.Array(r.ContributingTriggerIDs),
		r.TriggerTime,
		r.ReportTime,
		nullableUint64(r.SourceDebugKey),
		nullableUint64(r.TriggerDebugKey),
		r.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting event report: %w", err)
	}
	return nil
}

func (s *pgStore) DeleteEventReport(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM event_reports WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("deleting event report: %w", err)
	}
	return nil
}

func (s *pgStore) PendingEventReports(ctx context.Context, sourceID string) ([]model.EventReport, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT
			id, source_id, trigger_id, attribution_destinations, enrollment_id,
			registration_origin, trigger_data, trigger_priority, trigger_dedup_key,
			trigger_summary_bucket, contributing_trigger_ids, trigger_time,
			report_time, source_debug_key, trigger_debug_key, status
		FROM event_reports
		WHERE source_id = $1 AND status = $2
		ORDER BY report_time, id;
	`, sourceID, model.ReportStatusPending)
	if err != nil {
		return nil, fmt.Errorf("querying pending event reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reports []model.EventReport
	for rows.Next() {
		var (
			r            model.EventReport
			destinations pq.StringArray
			contributors pq.StringArray

			dedupKey, sourceDebugKey, triggerDebug sql.NullInt64
		)
		if err := rows.Scan(
			&r.ID,
			&r.SourceID,
			&r.TriggerID,
			&destinations,
			&r.EnrollmentID,
			&r.RegistrationOrigin,
			&r.TriggerData,
			&r.TriggerPriority,
			&dedupKey,
			&r.TriggerSummaryBucket,
			&contributors,
			&r.TriggerTime,
			&r.ReportTime,
			&sourceDebugKey,
			&triggerDebug,
			&r.Status,
		); err != nil {
			return nil, fmt.Errorf("scanning event report: %w", err)
		}
		r.AttributionDestinations = destinations
		r.ContributingTriggerIDs = contributors
		r.TriggerDedupKey = int64FromNullable(dedupKey)
		r.SourceDebugKey = uint64FromNullable(sourceDebugKey)
		r.TriggerDebugKey = uint64FromNullable(triggerDebug)
		r.TriggerTime = r.TriggerTime.UTC()
		r.ReportTime = r.ReportTime.UTC()
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return reports, nil
}

func (s *pgStore) CountEventReportsForDestination(ctx context.Context, destination string) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM event_reports
		WHERE status = $1 AND $2 = ANY(attribution_destinations);
	`, model.ReportStatusPending, destination).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting event reports: %w", err)
	}
	return count, nil
}

func (s *pgStore) InsertAggregateReport(ctx context.Context, r model.AggregateReport) error {
	contributions, err := jsonrs.MarshalToString(r.Contributions)
	if err != nil {
		return fmt.Errorf("encoding contributions: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO aggregate_reports (
			id, source_id, trigger_id, publisher_site, attribution_destination,
			enrollment_id, registration_origin, source_registration_time,
			scheduled_report_time, trigger_time, contributions,
			aggregation_coordinator_origin, debug_cleartext_payload, dedup_key,
			is_fake_report, status, debug_report_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17);
	`,
		r.ID,
		r.SourceID,
		r.TriggerID,
		r.PublisherSite,
		r.AttributionDestination,
		r.EnrollmentID,
		r.RegistrationOrigin,
		r.SourceRegistrationTime,
		r.ScheduledReportTime,
		r.TriggerTime,
		contributions,
		r.AggregationCoordinatorOrigin,
		r.DebugCleartextPayload,
		nullableInt64(r.DedupKey),
		r.IsFakeReport,
		r.Status,
		r.DebugReportStatus,
	)
	if err != nil {
		return fmt.Errorf("inserting aggregate report: %w", err)
	}
	return nil
}

func (s *pgStore) CountAggregateReportsForDestination(ctx context.Context, destination string) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM aggregate_reports
		WHERE status = $1 AND NOT is_fake_report AND attribution_destination = $2;
	`, model.ReportStatusPending, destination).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting aggregate reports: %w", err)
	}
	return count, nil
}

func (s *pgStore) CountAggregateReportsForSource(ctx context.Context, sourceID string) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM aggregate_reports
		WHERE NOT is_fake_report AND source_id = $1;
	`, sourceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting aggregate reports for source: %w", err)
	}
	return count, nil
}

func (s *pgStore) InsertAttribution(ctx context.Context, a model.Attribution) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO attributions (
			id, scope, source_site, source_origin, destination_site,
			enrollment_id, registration_origin, source_id, trigger_id, trigger_time
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
	`,
		a.ID,
		a.Scope,
		a.SourceSite,
		a.SourceOrigin,
		a.DestinationSite,
		a.EnrollmentID,
		a.RegistrationOrigin,
		a.SourceID,
		a.TriggerID,
		a.TriggerTime,
	)
	if err != nil {
		return fmt.Errorf("inserting attribution: %w", err)
	}
	return nil
}

func (s *pgStore) CountAttributions(ctx context.Context, scope model.AttributionScope, q AttributionQuery) (int64, error) {
	query := `
		SELECT COUNT(*) FROM attributions
		WHERE source_site = $1 AND destination_site = $2 AND enrollment_id = $3
			AND trigger_time >= $4 AND trigger_time <= $5
	`
	args := []any{q.SourceSite, q.DestinationSite, q.EnrollmentID, q.From, q.To}
	if scope != model.AttributionScopeUnspecified {
		query += ` AND scope = $6`
		args = append(args, scope)
	}
	var count int64
	if err := s.q.QueryRowContext(ctx, query+`;`, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting attributions: %w", err)
	}
	return count, nil
}

func (s *pgStore) CountDistinctReportingOrigins(ctx context.Context, q AttributionQuery) (int64, error) {
	var count int64
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT registration_origin) FROM attributions
		WHERE source_site = $1 AND destination_site = $2
			AND trigger_time >= $3 AND trigger_time <= $4
			AND registration_origin <> $5;
	`, q.SourceSite, q.DestinationSite, q.From, q.To, q.ExcludeOrigin).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting reporting origins: %w", err)
	}
	return count, nil
}

func (s *pgStore) InsertDebugReport(ctx context.Context, r model.VerboseDebugReport) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO debug_reports (
			id, source_id, trigger_id, enrollment_id, registration_origin,
			reason, limit_value, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`,
		r.ID,
		r.SourceID,
		r.TriggerID,
		r.EnrollmentID,
		r.RegistrationOrigin,
		r.Reason,
		nullableInt64(r.Limit),
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting debug report: %w", err)
	}
	return nil
}
