package pg

import (
	"context"
	"time"
)

// ClaimInbound records a provider message id before it is handled. It
// returns false when the message was already processed or is being handled
// by someone else; a claim older than staleAfter can be taken over.
func (s *Store) ClaimInbound(ctx context.Context, messageSID, from string, now time.Time, staleAfter time.Duration) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO inbound_events (message_sid, from_phone, state, claimed_at)
		VALUES ($1,$2,'processing',$3)
		ON CONFLICT (message_sid) DO UPDATE SET claimed_at=$3
		WHERE inbound_events.state='processing' AND inbound_events.claimed_at < $4
	`, messageSID, from, now, now.Add(-staleAfter))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) CompleteInbound(ctx context.Context, messageSID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE inbound_events SET state='processed', processed_at=$2 WHERE message_sid=$1
	`, messageSID, now)
	return err
}

// ReleaseInbound drops a claim so a redelivered copy can be handled again.
func (s *Store) ReleaseInbound(ctx context.Context, messageSID string) error {
	_, err := s.DB.Exec(ctx, `
		DELETE FROM inbound_events WHERE message_sid=$1 AND state='processing'
	`, messageSID)
	return err
}
