package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/attribution-engine/internal/model"
)

var base = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestMemoryInTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		m := NewMemory()
		err := m.InTx(ctx, func(tx MeasurementStore) error {
			return tx.InsertSource(ctx, model.Source{ID: "s1", Status: model.SourceStatusActive})
		})
		require.NoError(t, err)
		_, err = m.Source(ctx, "s1")
		require.NoError(t, err)
	})

	t.Run("rolls back every mutation on error", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.InsertSource(ctx, model.Source{ID: "s1", Status: model.SourceStatusActive}))

		boom := errors.New("boom")
		err := m.InTx(ctx, func(tx MeasurementStore) error {
			require.NoError(t, tx.UpdateSourceStatus(ctx, []string{"s1"}, model.SourceStatusIgnored))
			require.NoError(t, tx.InsertEventReport(ctx, model.EventReport{ID: "r1", Status: model.ReportStatusPending}))
			return boom
		})
		require.ErrorIs(t, err, boom)

		src, err := m.Source(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, model.SourceStatusActive, src.Status)
		require.Empty(t, m.EventReports())
	})
}

func TestMemoryTryLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	unlock, acquired, err := m.TryLock(ctx, "job")
	require.NoError(t, err)
	require.True(t, acquired)

	_, again, err := m.TryLock(ctx, "job")
	require.NoError(t, err)
	require.False(t, again)

	_, other, err := m.TryLock(ctx, "other-job")
	require.NoError(t, err)
	require.True(t, other)

	require.NoError(t, unlock(ctx))
	unlock2, reacquired, err := m.TryLock(ctx, "job")
	require.NoError(t, err)
	require.True(t, reacquired)
	require.NoError(t, unlock2(ctx))
}

func TestMemoryMatchingActiveSources(t *testing.T) {
	ctx := context.Background()
	trigger := model.Trigger{
		ID:                     "t1",
		AttributionDestination: "android-app://com.shop",
		DestinationType:        model.DestinationTypeApp,
		EnrollmentID:           "net-1",
		TriggerTime:            base.Add(time.Hour),
	}
	src := func(id string) model.Source {
		return model.Source{
			ID:             id,
			EnrollmentID:   "net-1",
			AppDestination: "android-app://com.shop",
			EventTime:      base,
			ExpiryTime:     base.Add(30 * 24 * time.Hour),
			Status:         model.SourceStatusActive,
		}
	}

	t.Run("matches destination, enrollment and window", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.InsertSource(ctx, src("match")))

		ignored := src("ignored")
		ignored.Status = model.SourceStatusIgnored
		require.NoError(t, m.InsertSource(ctx, ignored))

		foreign := src("foreign")
		foreign.EnrollmentID = "net-2"
		require.NoError(t, m.InsertSource(ctx, foreign))

		expired := src("expired")
		expired.ExpiryTime = base.Add(time.Minute)
		require.NoError(t, m.InsertSource(ctx, expired))

		future := src("future")
		future.EventTime = base.Add(2 * time.Hour)
		require.NoError(t, m.InsertSource(ctx, future))

		require.NoError(t, m.InTx(ctx, func(tx MeasurementStore) error {
			got, err := tx.MatchingActiveSources(ctx, trigger)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "match", got[0].ID)
			return nil
		}))
	})

	t.Run("enrollment-scoped ignore markers hide the source", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.InsertSource(ctx, src("s1")))
		require.NoError(t, m.InTx(ctx, func(tx MeasurementStore) error {
			return tx.IgnoreSourceForEnrollment(ctx, "s1", "net-1")
		}))

		require.NoError(t, m.InTx(ctx, func(tx MeasurementStore) error {
			got, err := tx.MatchingActiveSources(ctx, trigger)
			require.NoError(t, err)
			require.Empty(t, got)

			otherEnrollment := trigger
			otherEnrollment.EnrollmentID = "net-2"
			got, err = tx.MatchingActiveSourcesForEnrollments(ctx, otherEnrollment, []string{"net-1"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			return nil
		}))
	})
}

func TestMemoryPendingTriggerIDs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, m.InsertTrigger(ctx, model.Trigger{ID: id, Status: model.TriggerStatusPending}))
	}
	require.NoError(t, m.InTx(ctx, func(tx MeasurementStore) error {
		return tx.UpdateTriggerStatus(ctx, "t2", model.TriggerStatusAttributed)
	}))

	require.NoError(t, m.InTx(ctx, func(tx MeasurementStore) error {
		ids, err := tx.PendingTriggerIDs(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, []string{"t1", "t3"}, ids)

		ids, err = tx.PendingTriggerIDs(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, []string{"t1"}, ids)
		return nil
	}))
}
