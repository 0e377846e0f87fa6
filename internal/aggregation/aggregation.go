// Package aggregation holds offers back until a quota or a timeout is hit
// and then shows the customer one consolidated list.
package aggregation

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"bidflow/internal/domain"
	"bidflow/internal/messaging"
	"bidflow/internal/observability"
	"bidflow/internal/statestore"
	"bidflow/internal/util"
)

type Store interface {
	GetRequest(ctx context.Context, id string) (domain.Request, bool, error)
	ListOffers(ctx context.Context, requestID string) ([]domain.Offer, error)
}

type Aggregator struct {
	Store       Store
	State       statestore.Store
	Gateway     messaging.Gateway
	Quota       int
	Timeout     time.Duration
	TTL         time.Duration
	FrontendURL string
	Now         func() time.Time
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return util.NowUTC()
}

func (a *Aggregator) ttl() time.Duration {
	if a.TTL > 0 {
		return a.TTL
	}
	return 24 * time.Hour
}

// OfferSubmitted records the offer against the request's batch. Offers
// arriving after the list went out are sent on their own as late offers.
func (a *Aggregator) OfferSubmitted(ctx context.Context, req domain.Request, off domain.Offer) error {
	offers, err := a.Store.ListOffers(ctx, req.ID)
	if err != nil {
		return domain.Upstream("list offers", err)
	}
	bs, err := a.load(ctx, req.ID, offers)
	if err != nil {
		return err
	}

	if bs.Notified {
		return a.late(ctx, req, offers, off)
	}

	if len(offers) >= a.Quota {
		sent, err := a.notify(ctx, req, offers, bs, "quota")
		if err != nil || sent {
			return err
		}
		// The list already went out under a batch state that was lost or
		// raced; this offer was not in it.
		return a.late(ctx, req, offers, off)
	}
	return a.save(ctx, req.ID, bs)
}

func (a *Aggregator) late(ctx context.Context, req domain.Request, offers []domain.Offer, off domain.Offer) error {
	body := messaging.Render(messaging.LateOffer, map[string]string{
		"ref": util.ShortRef(req.ID), "n": strconv.Itoa(messaging.OfferNumber(offers, off.ID)),
		"vendor": off.VendorName, "rating": messaging.Rating(off.VendorRating), "price": messaging.Price(off.Price),
	})
	if err := a.Gateway.SendText(ctx, req.CustomerPhone, body, messaging.WithDedupKey("late:"+off.ID)); err != nil {
		return err
	}
	observability.AggregationNotifications.WithLabelValues("late").Inc()
	return nil
}

// load returns the batch for the request. A lost batch is rebuilt from the
// earliest persisted offer.
func (a *Aggregator) load(ctx context.Context, requestID string, offers []domain.Offer) (domain.BatchState, error) {
	var bs domain.BatchState
	found, err := statestore.GetJSON(ctx, a.State, statestore.BatchKey(requestID), &bs)
	if err != nil {
		return bs, domain.Upstream("load batch", err)
	}
	if !found {
		bs.FirstOfferAt = a.now()
		for _, o := range offers {
			if !o.CreatedAt.IsZero() && o.CreatedAt.Before(bs.FirstOfferAt) {
				bs.FirstOfferAt = o.CreatedAt
			}
		}
	}
	return bs, nil
}

func (a *Aggregator) save(ctx context.Context, requestID string, bs domain.BatchState) error {
	if err := statestore.SetJSON(ctx, a.State, statestore.BatchKey(requestID), bs, a.ttl()); err != nil {
		return domain.Upstream("save batch", err)
	}
	return nil
}

// notify sends the consolidated list and marks the batch notified. sent is
// false when the outbox already held this request's list, so the caller
// knows the offers in hand were not shown by this call.
func (a *Aggregator) notify(ctx context.Context, req domain.Request, offers []domain.Offer, bs domain.BatchState, trigger string) (sent bool, err error) {
	body := messaging.OfferList(a.FrontendURL, req, offers)
	var dup bool
	if err := a.Gateway.SendText(ctx, req.CustomerPhone, body,
		messaging.WithDedupKey("batch:"+req.ID), messaging.ReportDuplicate(&dup)); err != nil {
		return false, err
	}
	bs.Notified = true
	bs.NotifiedAt = a.now()
	if dup {
		slog.Warn("consolidated list already sent, batch state was stale", "request_id", req.ID, "trigger", trigger)
	} else {
		observability.AggregationNotifications.WithLabelValues(trigger).Inc()
		slog.Info("consolidated offers sent", "request_id", req.ID, "offers", len(offers), "trigger", trigger)
	}
	return !dup, a.save(ctx, req.ID, bs)
}

// Sweep promotes every batch whose first offer is older than the timeout.
// It returns how many lists were sent.
func (a *Aggregator) Sweep(ctx context.Context) (int, error) {
	keys, err := a.State.Keys(ctx, statestore.BatchPrefix)
	if err != nil {
		return 0, domain.Upstream("list batches", err)
	}
	now := a.now()
	sent := 0
	for _, key := range keys {
		requestID := strings.TrimPrefix(key, statestore.BatchPrefix)
		var bs domain.BatchState
		found, err := statestore.GetJSON(ctx, a.State, key, &bs)
		if err != nil {
			slog.Warn("read batch", "err", err, "key", key)
			continue
		}
		if !found || bs.Notified || now.Sub(bs.FirstOfferAt) < a.Timeout {
			continue
		}
		req, ok, err := a.Store.GetRequest(ctx, requestID)
		if err != nil {
			slog.Warn("load batched request", "err", err, "request_id", requestID)
			continue
		}
		if !ok || req.Status.Terminal() {
			if err := a.State.Delete(ctx, key); err != nil {
				slog.Warn("drop closed batch", "err", err, "request_id", requestID)
			}
			continue
		}
		offers, err := a.Store.ListOffers(ctx, requestID)
		if err != nil {
			slog.Warn("list batched offers", "err", err, "request_id", requestID)
			continue
		}
		delivered, err := a.notify(ctx, req, offers, bs, "timeout")
		if err != nil {
			slog.Error("send consolidated offers", "err", err, "request_id", requestID)
			continue
		}
		if delivered {
			sent++
		}
	}
	return sent, nil
}

// Run sweeps on a fixed interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.Sweep(ctx); err != nil {
				slog.Error("aggregation sweep", "err", err)
			}
		}
	}
}
