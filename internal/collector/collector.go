// Package collector runs the per-vendor bidding conversation and is the only
// producer of offers.
package collector

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"bidflow/internal/domain"
	"bidflow/internal/matching"
	"bidflow/internal/messaging"
	"bidflow/internal/observability"
	"bidflow/internal/statestore"
	"bidflow/internal/util"
)

type Store interface {
	GetRequest(ctx context.Context, id string) (domain.Request, bool, error)
	ListBiddableRequests(ctx context.Context, limit int) ([]domain.Request, error)
	InsertOffer(ctx context.Context, o domain.Offer) error
	TransitionOffer(ctx context.Context, id string, from, to domain.OfferStatus, now time.Time) (bool, error)
	TransitionRequest(ctx context.Context, id string, to domain.RequestStatus, now time.Time) (bool, error)
	RecordVendorOffer(ctx context.Context, vendorID string, latencySeconds float64, now time.Time) error
}

// OfferSink is told about every persisted offer. The configured notification
// strategy implements it.
type OfferSink interface {
	OfferSubmitted(ctx context.Context, req domain.Request, off domain.Offer) error
}

const (
	DefaultTTL = 24 * time.Hour
	// how far back self-activation looks for a request to bid on
	recentRequests = 50
)

var (
	bidKeywords  = []string{"عرض", "سعر", "offer", "bid", "quote"}
	sendNowWords = []string{"send now", "send", "skip", "ارسل", "بدون", "تخطي"}
	addNoteWords = []string{"note", "add note", "ملاحظة", "اضف"}
	resetWords   = map[string]bool{"cancel": true, "reset": true, "الغاء": true, "كنسل": true}
)

type Collector struct {
	Store   Store
	State   statestore.Store
	Gateway messaging.Gateway
	Sink    OfferSink
	TTL     time.Duration
	Now     func() time.Time
}

func (c *Collector) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return util.NowUTC()
}

func (c *Collector) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultTTL
}

func (c *Collector) load(ctx context.Context, phone string) (domain.VendorConversation, bool, error) {
	var conv domain.VendorConversation
	found, err := statestore.GetJSON(ctx, c.State, statestore.ConversationKey(phone), &conv)
	if err != nil {
		return conv, false, domain.Upstream("load conversation", err)
	}
	return conv, found, nil
}

func (c *Collector) save(ctx context.Context, phone string, conv domain.VendorConversation) error {
	if err := statestore.SetJSON(ctx, c.State, statestore.ConversationKey(phone), conv, c.ttl()); err != nil {
		return domain.Upstream("save conversation", err)
	}
	return nil
}

func (c *Collector) clear(ctx context.Context, phone string) {
	if err := c.State.Delete(ctx, statestore.ConversationKey(phone)); err != nil {
		slog.Warn("clear conversation", "err", err, "phone", phone)
	}
}

// Start opens a bidding conversation for the vendor on req. An existing
// conversation is left alone and Start reports false.
func (c *Collector) Start(ctx context.Context, vendor domain.Vendor, req domain.Request) (bool, error) {
	_, found, err := c.load(ctx, vendor.Phone)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	conv := domain.VendorConversation{State: domain.ConvAwaitingPrice, RequestID: req.ID, StartedAt: c.now()}
	if err := c.save(ctx, vendor.Phone, conv); err != nil {
		return false, err
	}
	return true, nil
}

// Handle advances an existing conversation. It reports false when the vendor
// has none, so the caller can try other routes.
func (c *Collector) Handle(ctx context.Context, vendor domain.Vendor, msg domain.InboundMessage) (bool, error) {
	conv, found, err := c.load(ctx, vendor.Phone)
	if err != nil || !found {
		return false, err
	}
	text := util.NormalizeText(msg.Body)

	if msg.Payload == "" && resetWords[text] {
		c.clear(ctx, vendor.Phone)
		return true, c.send(ctx, vendor.Phone, messaging.BidCancelled)
	}

	switch conv.State {
	case domain.ConvAwaitingPrice:
		price, ok := util.FirstInt(msg.Body)
		if !ok || price <= 0 {
			return true, domain.Validation(domain.CodeInvalidPrice, "price must be a positive number")
		}
		conv.Price = price
		if err := conv.Advance(domain.ConvAwaitingNoteChoice); err != nil {
			return true, err
		}
		if err := c.save(ctx, vendor.Phone, conv); err != nil {
			return true, err
		}
		req := domain.Request{ID: conv.RequestID}
		return true, c.Gateway.SendInteractive(ctx, vendor.Phone, messaging.NoteChoicePrompt(req, price))

	case domain.ConvAwaitingNoteChoice:
		switch noteChoice(msg.Payload, text) {
		case domain.ConvSubmitted:
			if err := conv.Advance(domain.ConvSubmitted); err != nil {
				return true, err
			}
			_, err := c.submit(ctx, vendor, conv.RequestID, conv.Price, messaging.DefaultNote, "conversation")
			return true, err
		case domain.ConvAwaitingNoteText:
			if err := conv.Advance(domain.ConvAwaitingNoteText); err != nil {
				return true, err
			}
			if err := c.save(ctx, vendor.Phone, conv); err != nil {
				return true, err
			}
			return true, c.send(ctx, vendor.Phone, messaging.PromptNoteText)
		default:
			req := domain.Request{ID: conv.RequestID}
			return true, c.Gateway.SendInteractive(ctx, vendor.Phone, messaging.NoteChoicePrompt(req, conv.Price))
		}

	case domain.ConvAwaitingNoteText:
		notes := strings.TrimSpace(msg.Body)
		if notes == "" {
			return true, c.send(ctx, vendor.Phone, messaging.PromptNoteText)
		}
		if err := conv.Advance(domain.ConvSubmitted); err != nil {
			return true, err
		}
		_, err := c.submit(ctx, vendor, conv.RequestID, conv.Price, notes, "conversation")
		return true, err
	}

	// unknown or SUBMITTED leftovers
	c.clear(ctx, vendor.Phone)
	return false, nil
}

func noteChoice(payload, text string) domain.ConversationState {
	switch payload {
	case messaging.PayloadSendNow:
		return domain.ConvSubmitted
	case messaging.PayloadAddNote:
		return domain.ConvAwaitingNoteText
	}
	switch {
	case util.ContainsAny(text, addNoteWords):
		return domain.ConvAwaitingNoteText
	case util.ContainsAny(text, sendNowWords):
		return domain.ConvSubmitted
	}
	return ""
}

// Activate handles an idle vendor. A bare number is an instant offer on the
// target request; a bid keyword opens a conversation on it. Anything else is
// left to the caller.
func (c *Collector) Activate(ctx context.Context, vendor domain.Vendor, msg domain.InboundMessage) (bool, error) {
	text := util.NormalizeText(msg.Body)
	bare := util.IsBareNumber(text)
	if !bare && !util.ContainsAny(text, bidKeywords) {
		return false, nil
	}

	req, ok, err := c.target(ctx, vendor)
	if err != nil {
		return true, err
	}
	if !ok {
		return true, c.send(ctx, vendor.Phone, messaging.NoOpenRequests)
	}

	if bare {
		price, _ := util.FirstInt(text)
		if price <= 0 {
			return true, domain.Validation(domain.CodeInvalidPrice, "price must be a positive number")
		}
		_, err := c.submit(ctx, vendor, req.ID, price, "Offer for "+util.ShortRef(req.ID), "instant")
		return true, err
	}

	conv := domain.VendorConversation{State: domain.ConvAwaitingPrice, RequestID: req.ID, StartedAt: c.now()}
	if err := c.save(ctx, vendor.Phone, conv); err != nil {
		return true, err
	}
	vars := messaging.RequestVars(req)
	return true, c.send(ctx, vendor.Phone, messaging.Render(messaging.VendorStartBid, vars))
}

// target picks the newest biddable request the vendor was invited to, and
// falls back to the newest one it is eligible for.
func (c *Collector) target(ctx context.Context, vendor domain.Vendor) (domain.Request, bool, error) {
	reqs, err := c.Store.ListBiddableRequests(ctx, recentRequests)
	if err != nil {
		return domain.Request{}, false, domain.Upstream("list requests", err)
	}
	for _, r := range reqs {
		if r.Dispatched(vendor.ID) {
			return r, true, nil
		}
	}
	for _, r := range reqs {
		if matching.Eligible(vendor, r.City, r.Category) {
			return r, true, nil
		}
	}
	return domain.Request{}, false, nil
}

// submit is the only place offers are created. Conversation state is
// cleared whatever the outcome.
func (c *Collector) submit(ctx context.Context, vendor domain.Vendor, requestID string, price int64, notes, path string) (domain.Offer, error) {
	c.clear(ctx, vendor.Phone)

	off, err := c.persist(ctx, vendor, requestID, price, notes)
	result := "ok"
	if err != nil {
		result = domain.CodeOf(err)
	}
	observability.OffersSubmitted.WithLabelValues(path, result).Inc()
	return off, err
}

func (c *Collector) persist(ctx context.Context, vendor domain.Vendor, requestID string, price int64, notes string) (domain.Offer, error) {
	now := c.now()
	req, ok, err := c.Store.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Offer{}, domain.Upstream("load request", err)
	}
	if !ok {
		return domain.Offer{}, domain.NotFound("request")
	}
	if !req.Status.AcceptsOffers() {
		return domain.Offer{}, domain.Conflict(domain.CodeRequestClosed, "request is "+string(req.Status))
	}

	off := domain.Offer{
		ID:           util.NewOfferID(),
		RequestID:    req.ID,
		VendorID:     vendor.ID,
		VendorPhone:  vendor.Phone,
		VendorName:   vendor.Name,
		VendorRating: vendor.Rating,
		Price:        price,
		Notes:        notes,
		Status:       domain.OfferPending,
		CreatedAt:    now,
	}
	if err := c.Store.InsertOffer(ctx, off); err != nil {
		if domain.IsKind(err, domain.KindConflict) {
			return domain.Offer{}, err
		}
		return domain.Offer{}, domain.Upstream("insert offer", err)
	}

	// An acceptance may have swept losers between our read and the insert.
	cur, ok, err := c.Store.GetRequest(ctx, req.ID)
	if err == nil && ok && cur.Status.Terminal() {
		if _, err := c.Store.TransitionOffer(ctx, off.ID, domain.OfferPending, domain.OfferAutoRejected, now); err != nil {
			slog.Error("auto-reject late offer", "err", err, "offer_id", off.ID)
		}
		return domain.Offer{}, domain.Conflict(domain.CodeRequestClosed, "request closed while the offer was submitted")
	}

	latency := now.Sub(req.CreatedAt).Seconds()
	if latency < 0 {
		latency = 0
	}
	if err := c.Store.RecordVendorOffer(ctx, vendor.ID, latency, now); err != nil {
		slog.Warn("record vendor metrics", "err", err, "vendor_id", vendor.ID)
	}
	if req.Status == domain.RequestOpen {
		if _, err := c.Store.TransitionRequest(ctx, req.ID, domain.RequestWaitingOffers, now); err != nil {
			slog.Warn("move request to waiting offers", "err", err, "request_id", req.ID)
		} else {
			req.Status = domain.RequestWaitingOffers
		}
	}

	if err := c.send(ctx, vendor.Phone, messaging.Render(messaging.OfferSent, map[string]string{
		"price": messaging.Price(price), "ref": util.ShortRef(req.ID),
	})); err != nil {
		slog.Error("confirm offer to vendor", "err", err, "offer_id", off.ID)
	}
	if c.Sink != nil {
		if err := c.Sink.OfferSubmitted(ctx, req, off); err != nil {
			slog.Error("notify customer of offer", "err", err, "offer_id", off.ID)
		}
	}
	slog.Info("offer submitted", "request_id", req.ID, "offer_id", off.ID, "vendor_id", vendor.ID, "price", price)
	return off, nil
}

func (c *Collector) send(ctx context.Context, to, body string) error {
	return c.Gateway.SendText(ctx, to, body)
}
