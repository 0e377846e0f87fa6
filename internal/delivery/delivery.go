// Package delivery applies provider status callbacks to the outbox.
package delivery

import (
	"context"
	"errors"
	"time"

	"bidflow/internal/providers/twilio"
	sqsqueue "bidflow/internal/queue/sqs"
	"bidflow/internal/store"
	"bidflow/internal/util"
)

type Store interface {
	InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error
	UpdateMessageByProviderMsgID(ctx context.Context, in store.ProviderMsgUpdate) (bool, error)
}

// ErrUnknownMessage means the worker has not stored the provider id yet.
// Returning it lets SQS retry the callback later.
var ErrUnknownMessage = errors.New("message not found for provider_msg_id")

type Recorder struct {
	Store Store
	Now   func() time.Time
}

func (r *Recorder) Apply(ctx context.Context, ev sqsqueue.StatusEvent) error {
	now := util.NowUTC()
	if r.Now != nil {
		now = r.Now()
	}

	// Make DB work bounded. Errors should cause SQS redrive.
	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if state, ok := twilio.MapStatus(ev.Status); ok && state.Final() {
		updated, err := r.Store.UpdateMessageByProviderMsgID(dbCtx, store.ProviderMsgUpdate{
			Provider:      ev.Provider,
			ProviderMsgID: ev.ProviderMsgID,
			NewState:      state,
			LastError:     ev.ErrorCode,
			Now:           now,
		})
		if err != nil {
			return err
		}
		if !updated {
			return ErrUnknownMessage
		}
	}

	received := ev.ReceivedAt
	return r.Store.InsertDeliveryEvent(dbCtx, store.DeliveryEvent{
		Provider:      ev.Provider,
		ProviderMsgID: ev.ProviderMsgID,
		VendorStatus:  ev.Status,
		ErrorCode:     ev.ErrorCode,
		OccurredAt:    &received,
	})
}
