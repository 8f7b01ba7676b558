package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/rudderlabs/attribution-engine/internal/model"
)

const sourceColumns = `
	id,
	enrollment_id,
	publisher_site,
	app_destination,
	web_destination,
	registration_origin,
	priority,
	event_time,
	expiry_time,
	event_report_window,
	aggregatable_report_window,
	install_attributed,
	install_cooldown_seconds,
	attribution_mode,
	trigger_data_cardinality,
	trigger_data_matching,
	filter_data,
	aggregation_keys,
	event_report_dedup_keys,
	aggregate_report_dedup_keys,
	aggregate_contributions,
	trigger_specs,
	max_event_level_reports,
	attributed_triggers,
	debug_key,
	status,
	parent_id
`

func (s *pgStore) InsertSource(ctx context.Context, src model.Source) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sources (`+sourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27);
	`,
		src.ID,
		src.EnrollmentID,
		src.PublisherSite,
		src.AppDestination,
		src.WebDestination,
		src.RegistrationOrigin,
		src.Priority,
		src.EventTime,
		src.ExpiryTime,
		src.EventReportWindow,
		src.AggregatableReportWindow,
		src.InstallAttributed,
		int64(src.InstallCooldownWindow/time.Second),
		src.AttributionMode,
		src.TriggerDataCardinality,
		src.TriggerDataMatching,
		src.FilterData,
		src.AggregationKeys,
		pq.Array(src.EventReportDedupKeys),
		pq.Array(src.AggregateReportDedupKeys),
		src.AggregateContributions,
		src.TriggerSpecs,
		src.MaxEventLevelReports,
		src.AttributedTriggers,
		nullableUint64(src.DebugKey),
		src.Status,
		src.ParentID,
	)
	if err != nil {
		return fmt.Errorf("inserting source: %w", err)
	}
	return nil
}

func (s *pgStore) Source(ctx context.Context, id string) (model.Source, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+sourceColumns+` FROM sources WHERE id = $1;
	`, id)
	src, err := scanSource(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Source{}, model.ErrSourceNotFound
	}
	if err != nil {
		return model.Source{}, fmt.Errorf("scanning source: %w", err)
	}
	return src, nil
}

func (s *pgStore) MatchingActiveSources(ctx context.Context, trigger model.Trigger) ([]model.Source, error) {
	return s.matchingSources(ctx, trigger, []string{trigger.EnrollmentID})
}

func (s *pgStore) MatchingActiveSourcesForEnrollments(ctx context.Context, trigger model.Trigger, enrollmentIDs []string) ([]model.Source, error) {
	return s.matchingSources(ctx, trigger, enrollmentIDs)
}

func (s *pgStore) matchingSources(ctx context.Context, trigger model.Trigger, enrollmentIDs []string) ([]model.Source, error) {
	destinationColumn := "app_destination"
	if trigger.DestinationType == model.DestinationTypeWeb {
		destinationColumn = "web_destination"
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+sourceColumns+`
		FROM sources s
		WHERE
			s.status = $1 AND
			s.enrollment_id = ANY($2) AND
			s.`+destinationColumn+` = $3 AND
			s.event_time <= $4 AND
			s.expiry_time > $4 AND
			NOT EXISTS (
				SELECT 1 FROM ignored_enrollments ie
				WHERE ie.source_id = s.id AND ie.enrollment_id = $5
			)
		ORDER BY s.id;
	`,
		model.SourceStatusActive,
		pq.Array(enrollmentIDs),
		trigger.AttributionDestination,
		trigger.TriggerTime,
		trigger.EnrollmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying matching sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning source: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sources, nil
}

type scanFn func(dest ...any) error

func scanSource(scan scanFn) (model.Source, error) {
	var (
		src             model.Source
		cooldownSeconds int64
		eventDedup      pq.Int64Array
		aggregateDedup  pq.Int64Array
		debugKey        sql.NullInt64
	)
	if err := scan(
		&src.ID,
		&src.EnrollmentID,
		&src.PublisherSite,
		&src.AppDestination,
		&src.WebDestination,
		&src.RegistrationOrigin,
		&src.Priority,
		&src.EventTime,
		&src.ExpiryTime,
		&src.EventReportWindow,
		&src.AggregatableReportWindow,
		&src.InstallAttributed,
		&cooldownSeconds,
		&src.AttributionMode,
		&src.TriggerDataCardinality,
		&src.TriggerDataMatching,
		&src.FilterData,
		&src.AggregationKeys,
		&eventDedup,
		&aggregateDedup,
		&src.AggregateContributions,
		&src.TriggerSpecs,
		&src.MaxEventLevelReports,
		&src.AttributedTriggers,
		&debugKey,
		&src.Status,
		&src.ParentID,
	); err != nil {
		return model.Source{}, err
	}
	src.InstallCooldownWindow = time.Duration(cooldownSeconds) * time.Second
	src.EventReportDedupKeys = eventDedup
	src.AggregateReportDedupKeys = aggregateDedup
	src.DebugKey = uint64FromNullable(debugKey)
	src.EventTime = src.EventTime.UTC()
	src.ExpiryTime = src.ExpiryTime.UTC()
	src.EventReportWindow = src.EventReportWindow.UTC()
	src.AggregatableReportWindow = src.AggregatableReportWindow.UTC()
	return src, nil
}

func (s *pgStore) UpdateSourceStatus(ctx context.Context, ids []string, status model.SourceStatus) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE sources SET status = $1 WHERE id = ANY($2);
	`, status, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("updating source status: %w", err)
	}
	return nil
}

func (s *pgStore) IgnoreSourceForEnrollment(ctx context.Context, sourceID, enrollmentID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO ignored_enrollments (source_id, enrollment_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING;
	`, sourceID, enrollmentID)
	if err != nil {
		return fmt.Errorf("inserting ignored enrollment: %w", err)
	}
	return nil
}

func (s *pgStore) AddEventReportDedupKey(ctx context.Context, sourceID string, key int64) error {
	return s.updateSourceField(ctx, sourceID, `
		UPDATE sources SET event_report_dedup_keys = array_append(event_report_dedup_keys, $1)
		WHERE id = $2;
	`, key)
}

func (s *pgStore) AddAggregateReportDedupKey(ctx context.Context, sourceID string, key int64) error {
	return s.updateSourceField(ctx, sourceID, `
		UPDATE sources SET aggregate_report_dedup_keys = array_append(aggregate_report_dedup_keys, $1)
		WHERE id = $2;
	`, key)
}

func (s *pgStore) SetAggregateContributions(ctx context.Context, sourceID string, total int64) error {
	return s.updateSourceField(ctx, sourceID, `
		UPDATE sources SET aggregate_contributions = $1 WHERE id = $2;
	`, total)
}

func (s *pgStore) UpdateAttributedTriggers(ctx context.Context, sourceID, ledger string) error {
	return s.updateSourceField(ctx, sourceID, `
		UPDATE sources SET attributed_triggers = $1 WHERE id = $2;
	`, ledger)
}

func (s *pgStore) updateSourceField(ctx context.Context, sourceID, query string, value any) error {
	r, err := s.q.ExecContext(ctx, query, value, sourceID)
	if err != nil {
		return fmt.Errorf("updating source: %w", err)
	}
	rowsAffected, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSourceNotFound
	}
	return nil
}

func (s *pgStore) InsertTrigger(ctx context.Context, trg model.Trigger) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO triggers (
			id, attribution_destination, destination_type, enrollment_id,
			registration_origin, trigger_time, event_trigger_data,
			aggregate_trigger_data, aggregate_values, aggregate_dedup_keys,
			filters, not_filters, attribution_config,
			aggregation_coordinator_origin, debug_key, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);
	`,
		trg.ID,
		trg.AttributionDestination,
		trg.DestinationType,
		trg.EnrollmentID,
		trg.RegistrationOrigin,
		trg.TriggerTime,
		trg.EventTriggerData,
		trg.AggregateTriggerData,
		trg.AggregateValues,
		trg.AggregateDedupKeys,
		trg.Filters,
		trg.NotFilters,
		trg.AttributionConfig,
		trg.AggregationCoordinatorOrigin,
		nullableUint64(trg.DebugKey),
		trg.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting trigger: %w", err)
	}
	return nil
}

func (s *pgStore) PendingTriggerIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id FROM triggers WHERE status = $1 ORDER BY seq LIMIT $2;
	`, model.TriggerStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending triggers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning trigger id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *pgStore) Trigger(ctx context.Context, id string) (model.Trigger, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT
			id, attribution_destination, destination_type, enrollment_id,
			registration_origin, trigger_time, event_trigger_data,
			aggregate_trigger_data, aggregate_values, aggregate_dedup_keys,
			filters, not_filters, attribution_config,
			aggregation_coordinator_origin, debug_key, status
		FROM triggers WHERE id = $1;
	`, id)

	var (
		trg      model.Trigger
		debugKey sql.NullInt64
	)
	err := row.Scan(
		&trg.ID,
		&trg.AttributionDestination,
		&trg.DestinationType,
		&trg.EnrollmentID,
		&trg.RegistrationOrigin,
		&trg.TriggerTime,
		&trg.EventTriggerData,
		&trg.AggregateTriggerData,
		&trg.AggregateValues,
		&trg.AggregateDedupKeys,
		&trg.Filters,
		&trg.NotFilters,
		&trg.AttributionConfig,
		&trg.AggregationCoordinatorOrigin,
		&debugKey,
		&trg.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Trigger{}, model.ErrTriggerNotFound
	}
	if err != nil {
		return model.Trigger{}, fmt.Errorf("scanning trigger: %w", err)
	}
	trg.DebugKey = uint64FromNullable(debugKey)
	trg.TriggerTime = trg.TriggerTime.UTC()
	return trg, nil
}

func (s *pgStore) UpdateTriggerStatus(ctx context.Context, id string, status model.TriggerStatus) error {
	r, err := s.q.ExecContext(ctx, `
		UPDATE triggers SET status = $1 WHERE id = $2;
	`, status, id)
	if err != nil {
		return fmt.Errorf("updating trigger status: %w", err)
	}
	rowsAffected, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrTriggerNotFound
	}
	return nil
}

func nullableUint64(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func uint64FromNullable(v sql.NullInt64) *uint64 {
	if !v.Valid {
		return nil
	}
	u := uint64(v.Int64)
	return &u
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64FromNullable(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
