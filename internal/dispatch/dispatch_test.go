package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bidflow/internal/domain"
	"bidflow/internal/lifecycle"
	"bidflow/internal/matching"
	"bidflow/internal/store/storetest"
)

const customer = "+966500000100"

type fixture struct {
	d     *Dispatcher
	st    *storetest.Memory
	gw    *storetest.Gateway
	clock *storetest.Clock
	req   domain.Request
}

func newFixture(t *testing.T, vendors int, strategy Strategy) *fixture {
	t.Helper()
	clock := storetest.NewClock(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))
	st := storetest.NewMemory()
	gw := &storetest.Gateway{}
	for i := 0; i < vendors; i++ {
		st.AddVendor(domain.Vendor{
			ID: fmt.Sprintf("v%02d", i), Phone: fmt.Sprintf("+9665000010%02d", i), Status: domain.VendorActive,
			Categories: []string{"FEASTS"}, ServingCities: []string{"Riyadh"},
			Rating: 5 - float64(i)/10, CreatedAt: clock.Now().AddDate(0, -1, 0),
		})
	}
	req := domain.Request{ID: "REQ_1", CustomerPhone: customer, City: "Riyadh", Category: "FEASTS",
		Status: domain.RequestOpen, SecurityToken: "tok", CreatedAt: clock.Now()}
	if err := st.InsertRequest(context.Background(), req); err != nil {
		t.Fatalf("insert request: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Strategy = strategy
	d := &Dispatcher{
		Store:   st,
		Matcher: &matching.Matcher{Vendors: st},
		Gateway: gw,
		Closer:  &lifecycle.Authority{Store: st, Gateway: gw, Now: clock.Now},
		Config:  cfg,
		Now:     clock.Now,
	}
	return &fixture{d: d, st: st, gw: gw, clock: clock, req: req}
}

func (f *fixture) addOffer(t *testing.T, vendorID string) {
	t.Helper()
	if err := f.st.InsertOffer(context.Background(), domain.Offer{
		ID: "off_" + vendorID, RequestID: f.req.ID, VendorID: vendorID, Price: 500,
		Status: domain.OfferPending, CreatedAt: f.clock.Now(),
	}); err != nil {
		t.Fatalf("insert offer: %v", err)
	}
}

func TestWavesThenTimeout(t *testing.T) {
	f := newFixture(t, 12, StrategyWave)
	ctx := context.Background()

	n, err := f.d.Start(ctx, f.req)
	if err != nil || n != 5 {
		t.Fatalf("wave 1: %d %v", n, err)
	}
	req := f.st.Requests["REQ_1"]
	if req.WaveNumber != 1 || req.FullyDispatched || req.TotalVendorsAvailable != 12 || len(req.DispatchedVendors) != 5 {
		t.Fatalf("unexpected wave 1 bookkeeping %+v", req)
	}
	if req.DispatchedVendors[0] != "v00" || req.DispatchedVendors[4] != "v04" {
		t.Fatalf("wave 1 should take the top rated vendors, got %v", req.DispatchedVendors)
	}
	for _, kind := range []domain.EventKind{domain.EventWave2Check, domain.EventTimeoutCheck} {
		if _, ok := f.st.EventState(domain.EventID(kind, "REQ_1")); !ok {
			t.Fatalf("expected %s to be scheduled", kind)
		}
	}

	f.clock.Advance(5 * time.Minute)
	n, err = f.d.Wave2(ctx, "REQ_1")
	if err != nil || n != 5 {
		t.Fatalf("wave 2: %d %v", n, err)
	}
	req = f.st.Requests["REQ_1"]
	seen := map[string]bool{}
	for _, id := range req.DispatchedVendors {
		if seen[id] {
			t.Fatalf("vendor %s invited twice", id)
		}
		seen[id] = true
	}
	if len(seen) != 10 || req.WaveNumber != 2 {
		t.Fatalf("expected 10 distinct vendors after wave 2, got %d (wave %d)", len(seen), req.WaveNumber)
	}
	if len(f.gw.To("+966500001010")) != 0 {
		t.Fatalf("vendor #11 must not be invited yet")
	}

	// re-firing wave 2 is a no-op
	if n, _ := f.d.Wave2(ctx, "REQ_1"); n != 0 {
		t.Fatalf("wave 2 ran twice")
	}

	f.clock.Advance(5 * time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := f.d.Timeout(ctx, "REQ_1"); err != nil {
			t.Fatalf("timeout: %v", err)
		}
	}
	if f.st.Requests["REQ_1"].Status != domain.RequestNoResponses {
		t.Fatalf("expected NO_RESPONSES, got %s", f.st.Requests["REQ_1"].Status)
	}
	if got := len(f.gw.Containing("no vendors have responded")); got != 1 {
		t.Fatalf("expected exactly one apology, got %d", got)
	}
}

func TestTimeoutApologyRetriedAfterSendFailure(t *testing.T) {
	f := newFixture(t, 3, StrategyWave)
	ctx := context.Background()
	if _, err := f.d.Start(ctx, f.req); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.clock.Advance(10 * time.Minute)

	f.gw.Err = errors.New("gateway down")
	closed, err := f.d.Timeout(ctx, "REQ_1")
	if !closed || err == nil {
		t.Fatalf("first run should close and report the send error: %v %v", closed, err)
	}
	if f.st.Requests["REQ_1"].Status != domain.RequestNoResponses {
		t.Fatalf("expected NO_RESPONSES, got %s", f.st.Requests["REQ_1"].Status)
	}

	f.gw.Err = nil
	for i := 0; i < 2; i++ {
		if _, err := f.d.Timeout(ctx, "REQ_1"); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
	}
	if got := len(f.gw.Containing("no vendors have responded")); got != 1 {
		t.Fatalf("expected exactly one apology after the retry, got %d", got)
	}
}

func TestWave2SkippedWithEnoughOffers(t *testing.T) {
	f := newFixture(t, 12, StrategyWave)
	ctx := context.Background()
	f.d.Start(ctx, f.req)
	f.addOffer(t, "v00")
	f.addOffer(t, "v01")
	f.addOffer(t, "v02")

	if n, err := f.d.Wave2(ctx, "REQ_1"); err != nil || n != 0 {
		t.Fatalf("wave 2 must not run with 3 offers: %d %v", n, err)
	}
	if closed, _ := f.d.Timeout(ctx, "REQ_1"); closed {
		t.Fatalf("timeout must not close a request with offers")
	}
}

func TestWave2SkippedWhenCancelledOrFullyDispatched(t *testing.T) {
	f := newFixture(t, 4, StrategyWave)
	ctx := context.Background()
	if n, _ := f.d.Start(ctx, f.req); n != 4 {
		t.Fatalf("expected all 4 invited")
	}
	if !f.st.Requests["REQ_1"].FullyDispatched {
		t.Fatalf("expected fully dispatched")
	}
	if _, ok := f.st.EventState(domain.EventID(domain.EventWave2Check, "REQ_1")); ok {
		t.Fatalf("no wave 2 check needed when fully dispatched")
	}

	g := newFixture(t, 12, StrategyWave)
	g.d.Start(ctx, g.req)
	g.st.CancelActiveRequests(ctx, customer, g.clock.Now())
	if n, _ := g.d.Wave2(ctx, "REQ_1"); n != 0 {
		t.Fatalf("wave 2 must not run on a cancelled request")
	}
	if closed, _ := g.d.Timeout(ctx, "REQ_1"); closed {
		t.Fatalf("timeout must not touch a cancelled request")
	}
}

func TestNoCoverage(t *testing.T) {
	f := newFixture(t, 0, StrategyWave)
	ctx := context.Background()

	_, err := f.d.Start(ctx, f.req)
	if !domain.IsKind(err, domain.KindCoverage) {
		t.Fatalf("expected coverage error, got %v", err)
	}
	// a retry does not message the customer again
	f.d.Start(ctx, f.req)
	if got := len(f.gw.To(customer)); got != 1 {
		t.Fatalf("expected a single no-coverage message, got %d", got)
	}
	req := f.st.Requests["REQ_1"]
	if req.Status != domain.RequestNoResponses || req.WaveNumber != 0 || len(req.DispatchedVendors) != 0 {
		t.Fatalf("unexpected request %+v", req)
	}
	if len(f.st.Events) != 0 {
		t.Fatalf("no events may be scheduled without coverage")
	}
}

func TestAggregateInvitesEveryone(t *testing.T) {
	f := newFixture(t, 12, StrategyAggregate)
	n, err := f.d.Start(context.Background(), f.req)
	if err != nil || n != 12 {
		t.Fatalf("aggregate start: %d %v", n, err)
	}
	if !f.st.Requests["REQ_1"].FullyDispatched {
		t.Fatalf("aggregate dispatch is a single wave")
	}
	if _, ok := f.st.EventState(domain.EventID(domain.EventTimeoutCheck, "REQ_1")); !ok {
		t.Fatalf("timeout check still applies")
	}
}

type starter struct{ started []string }

func (s *starter) Start(ctx context.Context, v domain.Vendor, req domain.Request) (bool, error) {
	s.started = append(s.started, v.ID)
	return true, nil
}

func TestInvitationsOpenConversations(t *testing.T) {
	f := newFixture(t, 3, StrategyWave)
	s := &starter{}
	f.d.Collector = s
	f.d.Start(context.Background(), f.req)
	if len(s.started) != 3 {
		t.Fatalf("expected 3 conversations, got %v", s.started)
	}
	if len(f.gw.Containing("Reply with your price")) != 3 {
		t.Fatalf("expected 3 invitations")
	}
}

func TestInstantOfferCard(t *testing.T) {
	f := newFixture(t, 2, StrategyWave)
	f.addOffer(t, "v00")
	f.clock.Advance(time.Second)
	f.addOffer(t, "v01")
	sink := &Instant{Offers: f.st, Gateway: f.gw}
	off := f.st.Offers["off_v01"]
	for i := 0; i < 2; i++ {
		if err := sink.OfferSubmitted(context.Background(), f.req, off); err != nil {
			t.Fatalf("offer submitted: %v", err)
		}
	}
	sent := f.gw.To(customer)
	if len(sent) != 1 {
		t.Fatalf("expected one card, got %d", len(sent))
	}
	if len(sent[0].Buttons) != 2 || sent[0].Buttons[0].ID != "ACCEPT_off_v01" {
		t.Fatalf("unexpected buttons %+v", sent[0].Buttons)
	}
}

func TestCustomerIsNeverInvitedToOwnRequest(t *testing.T) {
	f := newFixture(t, 2, StrategyWave)
	f.st.AddVendor(domain.Vendor{
		ID: "self", Phone: customer, Status: domain.VendorActive, Rating: 5,
		Categories: []string{"FEASTS"}, ServingCities: []string{"Riyadh"},
		CreatedAt: f.clock.Now().AddDate(0, -1, 0),
	})

	n, err := f.d.Start(context.Background(), f.req)
	if err != nil || n != 2 {
		t.Fatalf("start: %d %v", n, err)
	}
	if f.st.Requests["REQ_1"].Dispatched("self") {
		t.Fatal("customer's own vendor account was invited")
	}
}
