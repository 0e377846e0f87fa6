package pg

import (
	"context"
	"time"

	"bidflow/internal/domain"
)

// ScheduleEvent persists a deferred check. Event ids are deterministic, so
// scheduling the same check twice keeps the first row.
func (s *Store) ScheduleEvent(ctx context.Context, ev domain.ScheduledEvent, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO scheduled_events (id, kind, request_id, fires_at, state, attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,$6)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, string(ev.Kind), ev.RequestID, ev.FiresAt, string(domain.EventPending), now)
	return err
}

// ClaimDueEvents moves up to limit due events into processing. Events stuck
// in processing longer than staleAfter are reclaimed.
func (s *Store) ClaimDueEvents(ctx context.Context, now time.Time, limit int, staleAfter time.Duration) ([]domain.ScheduledEvent, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE scheduled_events SET state=$3, attempts=attempts+1, updated_at=$1
		WHERE id IN (
			SELECT id FROM scheduled_events
			WHERE fires_at <= $1
			  AND (state=$4 OR (state=$3 AND updated_at < $5))
			ORDER BY fires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, request_id, fires_at, attempts, COALESCE(last_error,'')
	`, now, limit, string(domain.EventProcessing), string(domain.EventPending), now.Add(-staleAfter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduledEvent
	for rows.Next() {
		var ev domain.ScheduledEvent
		var kind string
		if err := rows.Scan(&ev.ID, &kind, &ev.RequestID, &ev.FiresAt, &ev.Attempts, &ev.LastError); err != nil {
			return nil, err
		}
		ev.Kind = domain.EventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) FinishEvent(ctx context.Context, id string, state domain.EventState, lastError string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE scheduled_events SET state=$2, last_error=$3, updated_at=$4 WHERE id=$1
	`, id, string(state), nullIfEmpty(lastError), now)
	return err
}

func (s *Store) RescheduleEvent(ctx context.Context, id string, firesAt time.Time, lastError string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE scheduled_events SET state=$2, fires_at=$3, last_error=$4, updated_at=$5 WHERE id=$1
	`, id, string(domain.EventPending), firesAt, nullIfEmpty(lastError), now)
	return err
}
