// Package gatekeeper enforces one active request per customer and routes
// customer messages about that request.
package gatekeeper

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"bidflow/internal/domain"
	"bidflow/internal/lifecycle"
	"bidflow/internal/messaging"
	"bidflow/internal/statestore"
	"bidflow/internal/util"
)

type Store interface {
	ActiveRequestForCustomer(ctx context.Context, phone string) (domain.Request, bool, error)
	GetRequest(ctx context.Context, id string) (domain.Request, bool, error)
	GetOffer(ctx context.Context, id string) (domain.Offer, bool, error)
	ListOffers(ctx context.Context, requestID string) ([]domain.Offer, error)
}

type Authority interface {
	LockAndAccept(ctx context.Context, requestID, offerID string) (lifecycle.Acceptance, error)
	Reject(ctx context.Context, offerID string) (domain.Offer, error)
	RejectPending(ctx context.Context, requestID string) ([]domain.Offer, error)
	Cancel(ctx context.Context, customerPhone string) ([]string, error)
}

type Gatekeeper struct {
	Store       Store
	Authority   Authority
	Gateway     messaging.Gateway
	State       statestore.Store
	FrontendURL string
}

// Handle routes a customer message. It reports false when the customer has
// no active request and the message should go to intake.
func (g *Gatekeeper) Handle(ctx context.Context, phone string, msg domain.InboundMessage) (bool, error) {
	if msg.Payload != "" {
		if handled, err := g.handlePayload(ctx, phone, msg.Payload); handled {
			return true, err
		}
	}

	c := Classify(msg.Body)
	if c.Intent == IntentCancel {
		return true, g.cancel(ctx, phone)
	}

	req, ok, err := g.Store.ActiveRequestForCustomer(ctx, phone)
	if err != nil {
		return true, domain.Upstream("load active request", err)
	}
	if !ok {
		return false, nil
	}

	switch c.Intent {
	case IntentAccept:
		return true, g.accept(ctx, phone, req, c.OfferNumber)
	case IntentReject:
		return true, g.reject(ctx, phone, req, c.OfferNumber)
	case IntentView:
		return true, g.view(ctx, phone, req)
	}
	return true, g.send(ctx, phone, messaging.Render(messaging.Blocked, map[string]string{
		"ref": util.ShortRef(req.ID), "link": messaging.TrackingLink(g.FrontendURL, req),
	}))
}

// handlePayload serves ACCEPT_<offerId> and REJECT_<offerId> buttons. The
// offer must belong to one of the sender's requests.
func (g *Gatekeeper) handlePayload(ctx context.Context, phone, payload string) (bool, error) {
	var offerID string
	var accept bool
	switch {
	case strings.HasPrefix(payload, messaging.AcceptPrefix):
		offerID, accept = strings.TrimPrefix(payload, messaging.AcceptPrefix), true
	case strings.HasPrefix(payload, messaging.RejectPrefix):
		offerID = strings.TrimPrefix(payload, messaging.RejectPrefix)
	default:
		return false, nil
	}

	off, ok, err := g.Store.GetOffer(ctx, offerID)
	if err != nil {
		return true, domain.Upstream("load offer", err)
	}
	if !ok {
		return true, domain.NotFound("offer")
	}
	req, ok, err := g.Store.GetRequest(ctx, off.RequestID)
	if err != nil {
		return true, domain.Upstream("load request", err)
	}
	if !ok || req.CustomerPhone != phone {
		return true, domain.NotFound("offer")
	}

	if accept {
		_, err := g.Authority.LockAndAccept(ctx, req.ID, off.ID)
		return true, err
	}
	if _, err := g.Authority.Reject(ctx, off.ID); err != nil {
		return true, err
	}
	return true, g.confirmReject(ctx, phone, req.ID, off.ID)
}

func (g *Gatekeeper) cancel(ctx context.Context, phone string) error {
	if _, err := g.Authority.Cancel(ctx, phone); err != nil {
		return err
	}
	if g.State != nil {
		if err := g.State.Delete(ctx, statestore.HistoryKey(phone)); err != nil {
			slog.Warn("reset intake history", "err", err, "phone", phone)
		}
	}
	return g.send(ctx, phone, messaging.CustomerCancelled)
}

func (g *Gatekeeper) accept(ctx context.Context, phone string, req domain.Request, n int) error {
	offers, err := g.Store.ListOffers(ctx, req.ID)
	if err != nil {
		return domain.Upstream("list offers", err)
	}
	if n > 0 {
		if n > len(offers) {
			return g.pick(ctx, phone, offers)
		}
		_, err := g.Authority.LockAndAccept(ctx, req.ID, offers[n-1].ID)
		return err
	}

	pending := pendingOf(offers)
	switch len(pending) {
	case 0:
		return g.send(ctx, phone, messaging.OfferList(g.FrontendURL, req, offers))
	case 1:
		_, err := g.Authority.LockAndAccept(ctx, req.ID, pending[0].ID)
		return err
	}
	return g.pick(ctx, phone, offers)
}

func (g *Gatekeeper) reject(ctx context.Context, phone string, req domain.Request, n int) error {
	if n == 0 {
		if _, err := g.Authority.RejectPending(ctx, req.ID); err != nil {
			return err
		}
		return g.send(ctx, phone, messaging.CustomerRejectAll)
	}
	offers, err := g.Store.ListOffers(ctx, req.ID)
	if err != nil {
		return domain.Upstream("list offers", err)
	}
	if n > len(offers) {
		return g.pick(ctx, phone, offers)
	}
	if _, err := g.Authority.Reject(ctx, offers[n-1].ID); err != nil {
		return err
	}
	return g.send(ctx, phone, messaging.Render(messaging.CustomerRejected, map[string]string{"n": strconv.Itoa(n)}))
}

func (g *Gatekeeper) confirmReject(ctx context.Context, phone, requestID, offerID string) error {
	offers, err := g.Store.ListOffers(ctx, requestID)
	if err != nil {
		return domain.Upstream("list offers", err)
	}
	n := messaging.OfferNumber(offers, offerID)
	return g.send(ctx, phone, messaging.Render(messaging.CustomerRejected, map[string]string{"n": strconv.Itoa(n)}))
}

func (g *Gatekeeper) view(ctx context.Context, phone string, req domain.Request) error {
	offers, err := g.Store.ListOffers(ctx, req.ID)
	if err != nil {
		return domain.Upstream("list offers", err)
	}
	return g.send(ctx, phone, messaging.OfferList(g.FrontendURL, req, offers))
}

func (g *Gatekeeper) pick(ctx context.Context, phone string, offers []domain.Offer) error {
	if len(offers) == 0 {
		return domain.NotFound("offer")
	}
	return g.send(ctx, phone, messaging.Render(messaging.PickOffer, map[string]string{"count": strconv.Itoa(len(offers))}))
}

func (g *Gatekeeper) send(ctx context.Context, to, body string) error {
	return g.Gateway.SendText(ctx, to, body)
}

func pendingOf(offers []domain.Offer) []domain.Offer {
	var out []domain.Offer
	for _, o := range offers {
		if o.Status == domain.OfferPending {
			out = append(out, o)
		}
	}
	return out
}
