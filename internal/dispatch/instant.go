package dispatch

import (
	"context"

	"bidflow/internal/domain"
	"bidflow/internal/messaging"
)

type OfferLister interface {
	ListOffers(ctx context.Context, requestID string) ([]domain.Offer, error)
}

// Instant shows every offer to the customer the moment it is submitted, as
// an interactive card with accept and reject buttons. It is the customer
// side of the wave strategy.
type Instant struct {
	Offers  OfferLister
	Gateway messaging.Gateway
}

func (i *Instant) OfferSubmitted(ctx context.Context, req domain.Request, off domain.Offer) error {
	offers, err := i.Offers.ListOffers(ctx, req.ID)
	if err != nil {
		return domain.Upstream("list offers", err)
	}
	n := messaging.OfferNumber(offers, off.ID)
	return i.Gateway.SendInteractive(ctx, req.CustomerPhone, messaging.OfferCardPrompt(req, off, n),
		messaging.WithDedupKey("offer:"+off.ID))
}
