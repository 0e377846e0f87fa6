package messaging

import (
	"context"
	"log/slog"
	"time"

	"bidflow/internal/domain"
	"bidflow/internal/observability"
	"bidflow/internal/store"
	"bidflow/internal/util"
)

type OutboxStore interface {
	InsertOutbound(ctx context.Context, in store.OutboundInsert) (bool, error)
	MarkMessageState(ctx context.Context, in store.MessageStateUpdate) error
}

type Queue interface {
	EnqueueSend(ctx context.Context, messageID, to string) error
}

// Outbox is the production Gateway: it records the message and hands it to
// the outbound queue. The worker performs the provider call.
type Outbox struct {
	Store OutboxStore
	Queue Queue
	IDGen func() string
	Now   func() time.Time
}

func (o *Outbox) SendText(ctx context.Context, to, body string, opts ...SendOption) error {
	return o.send(ctx, store.OutboundInsert{To: to, Kind: domain.KindText, Body: body}, opts)
}

func (o *Outbox) SendInteractive(ctx context.Context, to string, p domain.Prompt, opts ...SendOption) error {
	return o.send(ctx, store.OutboundInsert{To: to, Kind: domain.KindInteractive, Body: p.Body, Buttons: p.Buttons}, opts)
}

func (o *Outbox) send(ctx context.Context, in store.OutboundInsert, opts []SendOption) error {
	dedupKey := DedupKey(opts...)
	now := util.NowUTC()
	if o.Now != nil {
		now = o.Now()
	}
	idGen := o.IDGen
	if idGen == nil {
		idGen = util.NewMessageID
	}
	in.ID = idGen()
	in.To = util.NormalizePhone(in.To)
	in.DedupKey = dedupKey
	in.Now = now

	// 1) outbox row (dedup)
	inserted, err := o.Store.InsertOutbound(ctx, in)
	if err != nil {
		return domain.Upstream("insert outbound message", err)
	}
	if !inserted {
		observability.Enqueues.WithLabelValues("outbound", "duplicate").Inc()
		slog.Debug("outbound message deduplicated", "dedup_key", dedupKey, "to", in.To)
		MarkDuplicate(opts...)
		return nil
	}

	// 2) enqueue
	if err := o.Queue.EnqueueSend(ctx, in.ID, in.To); err != nil {
		observability.Enqueues.WithLabelValues("outbound", "error").Inc()
		if mErr := o.Store.MarkMessageState(ctx, store.MessageStateUpdate{
			ID: in.ID, State: domain.StateFailed, LastError: "enqueue_failed", Now: now,
		}); mErr != nil {
			slog.Error("mark outbound failed", "err", mErr, "message_id", in.ID)
		}
		return domain.Upstream("enqueue outbound message", err)
	}
	observability.Enqueues.WithLabelValues("outbound", "ok").Inc()
	return nil
}
