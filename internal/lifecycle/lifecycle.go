// Package lifecycle owns request and offer status transitions. It is the
// only writer of ACCEPTED, REJECTED and AUTO_REJECTED offers and of the
// ASSIGNED and CANCELLED request statuses.
package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"bidflow/internal/domain"
	"bidflow/internal/messaging"
	"bidflow/internal/notifs"
	"bidflow/internal/observability"
	"bidflow/internal/util"
)

type Store interface {
	GetRequest(ctx context.Context, id string) (domain.Request, bool, error)
	GetOffer(ctx context.Context, id string) (domain.Offer, bool, error)
	ListOffers(ctx context.Context, requestID string) ([]domain.Offer, error)
	AssignRequest(ctx context.Context, id, offerID string, now time.Time) (bool, error)
	ReleaseRequest(ctx context.Context, id, offerID string, restore domain.RequestStatus, now time.Time) (bool, error)
	TransitionRequest(ctx context.Context, id string, to domain.RequestStatus, now time.Time) (bool, error)
	CancelActiveRequests(ctx context.Context, phone string, now time.Time) ([]string, error)
	TransitionOffer(ctx context.Context, id string, from, to domain.OfferStatus, now time.Time) (bool, error)
	AutoRejectSiblings(ctx context.Context, requestID, winnerID string, now time.Time) ([]domain.Offer, error)
	IncrementVendorWins(ctx context.Context, vendorID string, now time.Time) error
	SetVendorActiveChat(ctx context.Context, vendorID, customerPhone string, now time.Time) error
	ScheduleEvent(ctx context.Context, ev domain.ScheduledEvent, now time.Time) error
}

// SweepRetryDelay is how long a failed loser sweep waits before the
// scheduler retries it.
const SweepRetryDelay = 30 * time.Second

type Authority struct {
	Store   Store
	Gateway messaging.Gateway
	Alerts  notifs.Alerter
	Now     func() time.Time
}

type Acceptance struct {
	Request domain.Request
	Offer   domain.Offer
	Losers  []domain.Offer
}

func (a *Authority) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return util.NowUTC()
}

// LockAndAccept accepts offerID on requestID. An empty requestID means
// "whatever request owns the offer".
//
// The request row is the lock: AssignRequest succeeds for exactly one
// caller. The offer transition follows; if it fails the lock is released.
// Losers are swept from live state afterwards and the sweep is retried by
// the scheduler if it does not complete.
func (a *Authority) LockAndAccept(ctx context.Context, requestID, offerID string) (Acceptance, error) {
	ctx, span := observability.StartSpan(ctx, "lifecycle.LockAndAccept")
	defer span.End()
	span.SetAttributes(attribute.String("offer.id", offerID))

	res, err := a.lockAndAccept(ctx, requestID, offerID)
	result := "ok"
	if err != nil {
		result = domain.CodeOf(err)
	}
	observability.Acceptances.WithLabelValues(result).Inc()
	return res, err
}

func (a *Authority) lockAndAccept(ctx context.Context, requestID, offerID string) (Acceptance, error) {
	now := a.now()

	off, ok, err := a.Store.GetOffer(ctx, offerID)
	if err != nil {
		return Acceptance{}, domain.Upstream("load offer", err)
	}
	if !ok || (requestID != "" && off.RequestID != requestID) {
		return Acceptance{}, domain.NotFound("offer")
	}
	if err := offerConflict(off.Status); err != nil {
		return Acceptance{}, err
	}

	req, ok, err := a.Store.GetRequest(ctx, off.RequestID)
	if err != nil {
		return Acceptance{}, domain.Upstream("load request", err)
	}
	if !ok {
		return Acceptance{}, domain.NotFound("request")
	}
	if req.Status.Terminal() {
		return Acceptance{}, domain.Conflict(domain.CodeRequestClosed, "request is "+string(req.Status))
	}
	prev := req.Status

	locked, err := a.Store.AssignRequest(ctx, req.ID, off.ID, now)
	if err != nil {
		return Acceptance{}, domain.Upstream("lock request", err)
	}
	if !locked {
		return Acceptance{}, a.lockLost(ctx, req.ID, off.ID)
	}

	won, err := a.Store.TransitionOffer(ctx, off.ID, domain.OfferPending, domain.OfferAccepted, now)
	if err != nil || !won {
		if _, rErr := a.Store.ReleaseRequest(ctx, req.ID, off.ID, prev, now); rErr != nil {
			slog.Error("release request lock", "err", rErr, "request_id", req.ID, "offer_id", off.ID)
		}
		if err != nil {
			return Acceptance{}, domain.Upstream("accept offer", err)
		}
		return Acceptance{}, a.offerConflictNow(ctx, off.ID)
	}

	req.Status = domain.RequestAssigned
	req.AcceptedOfferID = off.ID
	off.Status = domain.OfferAccepted

	losers, err := a.SweepLosers(ctx, req.ID)
	if err != nil {
		slog.Error("loser sweep failed, scheduling retry", "err", err, "request_id", req.ID)
		a.scheduleSweep(ctx, req.ID, now)
	}

	if err := a.Store.IncrementVendorWins(ctx, off.VendorID, now); err != nil {
		slog.Error("increment vendor wins", "err", err, "vendor_id", off.VendorID)
	}
	if err := a.Store.SetVendorActiveChat(ctx, off.VendorID, req.CustomerPhone, now); err != nil {
		slog.Error("set vendor active chat", "err", err, "vendor_id", off.VendorID)
	}

	a.notify(ctx, off.VendorPhone, messaging.Render(messaging.WinnerVendor, map[string]string{
		"price": messaging.Price(off.Price), "ref": util.ShortRef(req.ID), "phone": waNumber(req.CustomerPhone),
	}), "won:"+off.ID)
	a.notify(ctx, req.CustomerPhone, messaging.Render(messaging.CustomerAccepted, map[string]string{
		"vendor": off.VendorName, "price": messaging.Price(off.Price), "phone": waNumber(off.VendorPhone),
	}), "accepted:"+req.ID)

	slog.Info("offer accepted", "request_id", req.ID, "offer_id", off.ID, "vendor_id", off.VendorID, "losers", len(losers))
	return Acceptance{Request: req, Offer: off, Losers: losers}, nil
}

// lockLost explains why AssignRequest did not apply, from a fresh read.
func (a *Authority) lockLost(ctx context.Context, requestID, offerID string) error {
	req, ok, err := a.Store.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Upstream("reload request", err)
	}
	if !ok {
		return domain.NotFound("request")
	}
	if req.AcceptedOfferID == offerID {
		return domain.Conflict(domain.CodeAlreadyAccepted, "offer already accepted")
	}
	return domain.Conflict(domain.CodeRequestClosed, "request is "+string(req.Status))
}

func (a *Authority) offerConflictNow(ctx context.Context, offerID string) error {
	off, ok, err := a.Store.GetOffer(ctx, offerID)
	if err != nil {
		return domain.Upstream("reload offer", err)
	}
	if !ok {
		return domain.NotFound("offer")
	}
	if err := offerConflict(off.Status); err != nil {
		return err
	}
	return domain.Conflict(domain.CodeRequestClosed, "request already has an accepted offer")
}

func offerConflict(s domain.OfferStatus) error {
	switch {
	case s == domain.OfferAccepted:
		return domain.Conflict(domain.CodeAlreadyAccepted, "offer already accepted")
	case s.Rejected():
		return domain.Conflict(domain.CodeAlreadyRejected, "offer already rejected")
	}
	return nil
}

// SweepLosers auto-rejects every PENDING sibling of the request's accepted
// offer and sends each losing vendor one courtesy message. It derives the
// losing set from current state, so running it again is harmless.
func (a *Authority) SweepLosers(ctx context.Context, requestID string) ([]domain.Offer, error) {
	req, ok, err := a.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, domain.Upstream("load request", err)
	}
	if !ok {
		return nil, domain.NotFound("request")
	}
	if req.AcceptedOfferID == "" {
		return nil, nil
	}
	losers, err := a.Store.AutoRejectSiblings(ctx, req.ID, req.AcceptedOfferID, a.now())
	if err != nil {
		return nil, domain.Upstream("auto-reject siblings", err)
	}
	ref := util.ShortRef(req.ID)
	for _, o := range losers {
		a.notify(ctx, o.VendorPhone, messaging.Render(messaging.LoserVendor, map[string]string{"ref": ref}), "lost:"+o.ID)
	}
	return losers, nil
}

func (a *Authority) scheduleSweep(ctx context.Context, requestID string, now time.Time) {
	ev := domain.ScheduledEvent{
		ID:        domain.EventID(domain.EventSweepLosers, requestID),
		Kind:      domain.EventSweepLosers,
		RequestID: requestID,
		FiresAt:   now.Add(SweepRetryDelay),
	}
	if err := a.Store.ScheduleEvent(ctx, ev, now); err != nil {
		slog.Error("schedule loser sweep", "err", err, "request_id", requestID)
		a.warn("Loser sweep not scheduled", "request "+requestID+": "+err.Error())
	}
}

// Reject marks a PENDING offer REJECTED and tells its vendor. The request
// moves to NEGOTIATING when it was waiting on offers.
func (a *Authority) Reject(ctx context.Context, offerID string) (domain.Offer, error) {
	now := a.now()
	off, ok, err := a.Store.GetOffer(ctx, offerID)
	if err != nil {
		return domain.Offer{}, domain.Upstream("load offer", err)
	}
	if !ok {
		return domain.Offer{}, domain.NotFound("offer")
	}
	if err := rejectConflict(off.Status); err != nil {
		return off, err
	}
	done, err := a.Store.TransitionOffer(ctx, off.ID, domain.OfferPending, domain.OfferRejected, now)
	if err != nil {
		return off, domain.Upstream("reject offer", err)
	}
	if !done {
		cur, ok, err := a.Store.GetOffer(ctx, off.ID)
		if err != nil {
			return off, domain.Upstream("reload offer", err)
		}
		if !ok {
			return off, domain.NotFound("offer")
		}
		if err := rejectConflict(cur.Status); err != nil {
			return cur, err
		}
		return cur, domain.Conflict(domain.CodeAlreadyRejected, "offer already rejected")
	}
	off.Status = domain.OfferRejected

	if _, err := a.Store.TransitionRequest(ctx, off.RequestID, domain.RequestNegotiating, now); err != nil {
		slog.Warn("move request to negotiating", "err", err, "request_id", off.RequestID)
	}
	a.notify(ctx, off.VendorPhone, messaging.Render(messaging.RejectedVendor, map[string]string{
		"ref": util.ShortRef(off.RequestID),
	}), "rejected:"+off.ID)
	return off, nil
}

func rejectConflict(s domain.OfferStatus) error {
	switch {
	case s == domain.OfferAccepted:
		return domain.Conflict(domain.CodeCannotRejectAccepted, "offer already accepted")
	case s.Rejected():
		return domain.Conflict(domain.CodeAlreadyRejected, "offer already rejected")
	}
	return nil
}

// RejectPending rejects every PENDING offer on the request and returns the
// ones it changed.
func (a *Authority) RejectPending(ctx context.Context, requestID string) ([]domain.Offer, error) {
	offers, err := a.Store.ListOffers(ctx, requestID)
	if err != nil {
		return nil, domain.Upstream("list offers", err)
	}
	var out []domain.Offer
	for _, o := range offers {
		if o.Status != domain.OfferPending {
			continue
		}
		r, err := a.Reject(ctx, o.ID)
		if domain.IsKind(err, domain.KindConflict) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Cancel cancels every non-terminal request of the customer. Pending offers
// on them are auto-rejected and their vendors told once.
func (a *Authority) Cancel(ctx context.Context, customerPhone string) ([]string, error) {
	now := a.now()
	ids, err := a.Store.CancelActiveRequests(ctx, customerPhone, now)
	if err != nil {
		return nil, domain.Upstream("cancel requests", err)
	}
	for _, id := range ids {
		offs, err := a.Store.AutoRejectSiblings(ctx, id, "", now)
		if err != nil {
			slog.Error("reject offers of cancelled request", "err", err, "request_id", id)
			continue
		}
		ref := util.ShortRef(id)
		for _, o := range offs {
			a.notify(ctx, o.VendorPhone, messaging.Render(messaging.CancelledVendor, map[string]string{"ref": ref}), "cancelled:"+o.ID)
		}
	}
	if len(ids) > 0 {
		slog.Info("customer cancelled requests", "phone", customerPhone, "requests", ids)
	}
	return ids, nil
}

// CloseNoResponses ends a request that will not receive offers.
func (a *Authority) CloseNoResponses(ctx context.Context, requestID string) (bool, error) {
	ok, err := a.Store.TransitionRequest(ctx, requestID, domain.RequestNoResponses, a.now())
	if err != nil {
		return false, domain.Upstream("close request", err)
	}
	return ok, nil
}

func (a *Authority) notify(ctx context.Context, to, body, dedupKey string) {
	if to == "" {
		return
	}
	if err := a.Gateway.SendText(ctx, to, body, messaging.WithDedupKey(dedupKey)); err != nil {
		slog.Error("send notification", "err", err, "to", to, "dedup_key", dedupKey)
	}
}

func (a *Authority) warn(title, desc string) {
	if a.Alerts == nil {
		return
	}
	go func() {
		if err := a.Alerts.SendWarning(title, desc); err != nil {
			slog.Warn("alert not delivered", "err", err)
		}
	}()
}

// waNumber turns +9665... into the digits-only form wa.me links expect.
func waNumber(phone string) string {
	return strings.TrimPrefix(util.NormalizePhone(phone), "+")
}
