// Package dispatch fans a new request out to vendors in timed waves and
// closes it with an apology when nobody answers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bidflow/internal/domain"
	"bidflow/internal/messaging"
	"bidflow/internal/notifs"
	"bidflow/internal/observability"
	"bidflow/internal/store"
	"bidflow/internal/util"
)

type Store interface {
	GetRequest(ctx context.Context, id string) (domain.Request, bool, error)
	CountOffers(ctx context.Context, requestID string) (int, error)
	RecordWave(ctx context.Context, in store.WaveUpdate) (bool, error)
	ScheduleEvent(ctx context.Context, ev domain.ScheduledEvent, now time.Time) error
}

type Matcher interface {
	Match(ctx context.Context, city, category string) ([]domain.Vendor, error)
}

// Starter opens the bidding conversation for an invited vendor.
type Starter interface {
	Start(ctx context.Context, vendor domain.Vendor, req domain.Request) (bool, error)
}

type Closer interface {
	CloseNoResponses(ctx context.Context, requestID string) (bool, error)
}

type Strategy string

const (
	// StrategyWave invites in waves and shows each offer to the customer
	// as it arrives.
	StrategyWave Strategy = "wave"
	// StrategyAggregate invites every eligible vendor at once and batches
	// offers before showing them.
	StrategyAggregate Strategy = "aggregate"
)

type Config struct {
	Strategy       Strategy
	WaveSize       int
	Wave2Delay     time.Duration
	Wave2MinOffers int
	TimeoutDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Strategy:       StrategyWave,
		WaveSize:       5,
		Wave2Delay:     5 * time.Minute,
		Wave2MinOffers: 3,
		TimeoutDelay:   10 * time.Minute,
	}
}

type Dispatcher struct {
	Store     Store
	Matcher   Matcher
	Gateway   messaging.Gateway
	Collector Starter
	Closer    Closer
	Alerts    notifs.Alerter
	Config    Config
	Now       func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return util.NowUTC()
}

// Start sends the first wave for a freshly created request. With no
// eligible vendor the request is closed, the customer gets one no-coverage
// message and a coverage error is returned.
func (d *Dispatcher) Start(ctx context.Context, req domain.Request) (int, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.Start")
	defer span.End()

	vendors, err := d.candidates(ctx, req)
	if err != nil {
		return 0, err
	}
	if len(vendors) == 0 {
		return 0, d.noCoverage(ctx, req)
	}

	batch := vendors
	fully := true
	if d.Config.Strategy != StrategyAggregate && len(vendors) > d.Config.WaveSize {
		batch, fully = vendors[:d.Config.WaveSize], false
	}

	now := d.now()
	recorded, err := d.Store.RecordWave(ctx, store.WaveUpdate{
		RequestID: req.ID, Wave: 1, Invited: ids(batch),
		FullyDispatched: fully, TotalAvailable: len(vendors), Now: now,
	})
	if err != nil {
		return 0, domain.Upstream("record wave", err)
	}
	if !recorded {
		return 0, nil
	}
	req.WaveNumber = 1
	req.DispatchedVendors = append(req.DispatchedVendors, ids(batch)...)
	req.FullyDispatched = fully

	if !fully {
		d.schedule(ctx, domain.EventWave2Check, req.ID, now.Add(d.Config.Wave2Delay), now)
	}
	d.schedule(ctx, domain.EventTimeoutCheck, req.ID, now.Add(d.Config.TimeoutDelay), now)

	d.invite(ctx, req, batch)
	observability.WavesDispatched.WithLabelValues("1").Inc()
	slog.Info("wave dispatched", "request_id", req.ID, "wave", 1, "invited", len(batch), "eligible", len(vendors))
	return len(batch), nil
}

func (d *Dispatcher) noCoverage(ctx context.Context, req domain.Request) error {
	if _, err := d.Closer.CloseNoResponses(ctx, req.ID); err != nil {
		slog.Error("close uncovered request", "err", err, "request_id", req.ID)
	}
	body := messaging.Render(messaging.NoCoverage, map[string]string{"category": req.Category, "city": req.City})
	if err := d.Gateway.SendText(ctx, req.CustomerPhone, body, messaging.WithDedupKey("coverage:"+req.ID)); err != nil {
		slog.Error("send no-coverage message", "err", err, "request_id", req.ID)
	}
	observability.Apologies.WithLabelValues("no_coverage").Inc()
	d.alert(func(a notifs.Alerter) error {
		return a.SendWarning("No vendor coverage", fmt.Sprintf("%s in %s (request %s)", req.Category, req.City, req.ID))
	})
	return domain.Coverage("no eligible vendors for " + req.Category + " in " + req.City)
}

// Wave2 invites the next batch of uninvited vendors unless the request is
// gone, already has enough offers, or has no one left to invite.
func (d *Dispatcher) Wave2(ctx context.Context, requestID string) (int, error) {
	req, ok, err := d.Store.GetRequest(ctx, requestID)
	if err != nil {
		return 0, domain.Upstream("load request", err)
	}
	if !ok || req.Status.Terminal() || req.FullyDispatched || req.WaveNumber != 1 {
		return 0, nil
	}
	n, err := d.Store.CountOffers(ctx, req.ID)
	if err != nil {
		return 0, domain.Upstream("count offers", err)
	}
	if n >= d.Config.Wave2MinOffers {
		return 0, nil
	}

	vendors, err := d.candidates(ctx, req)
	if err != nil {
		return 0, err
	}
	var remaining []domain.Vendor
	for _, v := range vendors {
		if !req.Dispatched(v.ID) {
			remaining = append(remaining, v)
		}
	}
	batch := remaining
	if len(batch) > d.Config.WaveSize {
		batch = batch[:d.Config.WaveSize]
	}

	recorded, err := d.Store.RecordWave(ctx, store.WaveUpdate{
		RequestID: req.ID, Wave: 2, Invited: ids(batch),
		FullyDispatched: len(remaining) <= d.Config.WaveSize, TotalAvailable: len(vendors), Now: d.now(),
	})
	if err != nil {
		return 0, domain.Upstream("record wave", err)
	}
	if !recorded {
		return 0, nil
	}
	d.invite(ctx, req, batch)
	observability.WavesDispatched.WithLabelValues("2").Inc()
	slog.Info("wave dispatched", "request_id", req.ID, "wave", 2, "invited", len(batch), "offers", n)
	return len(batch), nil
}

// Timeout closes a request that has no offers at all and apologises once.
// A request an earlier run already closed still gets its apology, so a
// failed send is retried by the scheduler; the dedup key keeps it single.
func (d *Dispatcher) Timeout(ctx context.Context, requestID string) (bool, error) {
	req, ok, err := d.Store.GetRequest(ctx, requestID)
	if err != nil {
		return false, domain.Upstream("load request", err)
	}
	if !ok {
		return false, nil
	}
	owed := req.Status == domain.RequestNoResponses && req.WaveNumber > 0
	if req.Status.Terminal() && !owed {
		return false, nil
	}
	n, err := d.Store.CountOffers(ctx, req.ID)
	if err != nil {
		return false, domain.Upstream("count offers", err)
	}
	if n > 0 {
		return false, nil
	}
	closed := false
	if !owed {
		closed, err = d.Closer.CloseNoResponses(ctx, req.ID)
		if err != nil || !closed {
			return false, err
		}
	}
	body := messaging.Render(messaging.Apology, map[string]string{"ref": util.ShortRef(req.ID)})
	var dup bool
	if err := d.Gateway.SendText(ctx, req.CustomerPhone, body,
		messaging.WithDedupKey("apology:"+req.ID), messaging.ReportDuplicate(&dup)); err != nil {
		return closed, err
	}
	if dup {
		return closed, nil
	}
	observability.Apologies.WithLabelValues("no_responses").Inc()
	d.alert(func(a notifs.Alerter) error {
		return a.SendWarning("Request timed out without offers",
			fmt.Sprintf("%s: %s in %s, %d vendors invited", req.ID, req.Category, req.City, len(req.DispatchedVendors)))
	})
	slog.Info("request closed without responses", "request_id", req.ID, "invited", len(req.DispatchedVendors))
	return closed, nil
}

func (d *Dispatcher) invite(ctx context.Context, req domain.Request, vendors []domain.Vendor) {
	body := messaging.InvitationPrompt(req)
	for _, v := range vendors {
		if err := d.Gateway.SendText(ctx, v.Phone, body, messaging.WithDedupKey("invite:"+req.ID+":"+v.ID)); err != nil {
			slog.Error("send invitation", "err", err, "request_id", req.ID, "vendor_id", v.ID)
			continue
		}
		if d.Collector == nil {
			continue
		}
		if _, err := d.Collector.Start(ctx, v, req); err != nil {
			slog.Warn("open bidding conversation", "err", err, "vendor_id", v.ID)
		}
	}
}

func (d *Dispatcher) schedule(ctx context.Context, kind domain.EventKind, requestID string, at, now time.Time) {
	ev := domain.ScheduledEvent{ID: domain.EventID(kind, requestID), Kind: kind, RequestID: requestID, FiresAt: at}
	if err := d.Store.ScheduleEvent(ctx, ev, now); err != nil {
		slog.Error("schedule event", "err", err, "kind", kind, "request_id", requestID)
	}
}

func (d *Dispatcher) alert(fn func(notifs.Alerter) error) {
	if d.Alerts == nil {
		return
	}
	go func() {
		if err := fn(d.Alerts); err != nil {
			slog.Warn("alert not delivered", "err", err)
		}
	}()
}

func ids(vs []domain.Vendor) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.ID
	}
	return out
}

// candidates drops the customer's own number so a vendor placing a request
// is never invited to bid on it.
func (d *Dispatcher) candidates(ctx context.Context, req domain.Request) ([]domain.Vendor, error) {
	vendors, err := d.Matcher.Match(ctx, req.City, req.Category)
	if err != nil {
		return nil, err
	}
	out := vendors[:0:0]
	for _, v := range vendors {
		if util.NormalizePhone(v.Phone) == util.NormalizePhone(req.CustomerPhone) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
