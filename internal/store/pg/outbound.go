package pg

import (
	"context"
	"encoding/json"
	"time"

	"bidflow/internal/domain"
	"bidflow/internal/store"
)

// InsertOutbound adds a message to the outbox. It returns false when a
// message with the same dedup key already exists.
func (s *Store) InsertOutbound(ctx context.Context, in store.OutboundInsert) (bool, error) {
	var buttons []byte
	if len(in.Buttons) > 0 {
		buttons, _ = json.Marshal(in.Buttons)
	}
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO outbound_messages (id, dedup_key, to_phone, kind, body, buttons_json, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)
		ON CONFLICT (dedup_key) DO NOTHING
	`, in.ID, nullIfEmpty(in.DedupKey), in.To, string(in.Kind), in.Body, buttons, string(domain.StateQueued), in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) GetOutbound(ctx context.Context, id string) (store.OutboundMessage, bool, error) {
	var m store.OutboundMessage
	var kind, state string
	var buttons []byte
	row := s.DB.QueryRow(ctx, `
		SELECT id, COALESCE(dedup_key,''), to_phone, kind, body, buttons_json, state,
		       COALESCE(provider,''), COALESCE(provider_msg_id,''), COALESCE(last_error,''),
		       created_at, updated_at
		FROM outbound_messages WHERE id=$1
	`, id)
	err := row.Scan(&m.ID, &m.DedupKey, &m.To, &kind, &m.Body, &buttons, &state,
		&m.Provider, &m.ProviderMsgID, &m.LastError, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return store.OutboundMessage{}, false, nil
		}
		return store.OutboundMessage{}, false, err
	}
	m.Kind = domain.MessageKind(kind)
	m.State = domain.MessageState(state)
	if len(buttons) > 0 {
		_ = json.Unmarshal(buttons, &m.Buttons)
	}
	return m, true, nil
}

func (s *Store) MarkMessageState(ctx context.Context, in store.MessageStateUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE outbound_messages SET state=$2, last_error=$3, updated_at=$4 WHERE id=$1
	`, in.ID, string(in.State), nullIfEmpty(in.LastError), in.Now)
	return err
}

func (s *Store) SetProviderDetails(ctx context.Context, in store.ProviderDetailsUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE outbound_messages SET provider=$2, provider_msg_id=$3, state=$4, updated_at=$5 WHERE id=$1
	`, in.ID, in.Provider, in.ProviderMsgID, string(in.State), in.Now)
	return err
}

// ClaimMessage attempts to move a message into processing state.
// It allows reclaiming if the message is still "processing" but stale.
func (s *Store) ClaimMessage(ctx context.Context, msgID string, now time.Time, staleAfter time.Duration) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE outbound_messages
		SET state=$2, updated_at=$3
		WHERE id=$1 AND (state=$5 OR (state=$2 AND updated_at < $4))
	`, msgID, string(domain.StateProcessing), now, now.Add(-staleAfter), string(domain.StateQueued))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) InsertAttempt(ctx context.Context, in store.ProviderAttempt) error {
	reqB, _ := json.Marshal(in.RequestJSON)
	respB, _ := json.Marshal(in.ResponseJSON)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO provider_attempts (message_id, provider, provider_msg_id, http_status, error_code, error_msg, request_json, response_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, in.MessageID, in.Provider, nullIfEmpty(in.ProviderMsgID), in.HTTPStatus, nullIfEmpty(in.ErrorCode), nullIfEmpty(in.ErrorMsg), reqB, respB)
	return err
}

func (s *Store) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error {
	b, _ := json.Marshal(in.Payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_events (provider, provider_msg_id, vendor_status, error_code, payload_json, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, in.Provider, in.ProviderMsgID, in.VendorStatus, nullIfEmpty(in.ErrorCode), b, in.OccurredAt)
	return err
}

func (s *Store) UpdateMessageByProviderMsgID(ctx context.Context, in store.ProviderMsgUpdate) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE outbound_messages
		SET state=$3, last_error=$4, updated_at=$5
		WHERE provider=$1 AND provider_msg_id=$2
	`, in.Provider, in.ProviderMsgID, string(in.NewState), nullIfEmpty(in.LastError), in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}
