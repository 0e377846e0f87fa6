package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bidflow/internal/domain"
	"bidflow/internal/store/storetest"
)

var t0 = time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, vendors ...string) (*Authority, *storetest.Memory, *storetest.Gateway) {
	t.Helper()
	st := storetest.NewMemory()
	gw := &storetest.Gateway{}
	a := &Authority{Store: st, Gateway: gw, Now: func() time.Time { return t0 }}

	if err := st.InsertRequest(context.Background(), domain.Request{
		ID: "REQ_1", CustomerPhone: "+966500000100", City: "Riyadh", Category: "FEASTS",
		Status: domain.RequestWaitingOffers, SecurityToken: "tok", CreatedAt: t0.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("insert request: %v", err)
	}
	for i, v := range vendors {
		st.AddVendor(domain.Vendor{ID: v, Phone: "+96650000000" + string(rune('1'+i)), Name: v})
		if err := st.InsertOffer(context.Background(), domain.Offer{
			ID: "off_" + v, RequestID: "REQ_1", VendorID: v, VendorPhone: "+96650000000" + string(rune('1'+i)),
			VendorName: v, Price: int64(500 + i*50), Status: domain.OfferPending, CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("insert offer: %v", err)
		}
	}
	return a, st, gw
}

func TestLockAndAcceptWinnerTakesAll(t *testing.T) {
	a, st, gw := setup(t, "A", "B")
	ctx := context.Background()

	res, err := a.LockAndAccept(ctx, "REQ_1", "off_A")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Request.Status != domain.RequestAssigned || res.Offer.Status != domain.OfferAccepted {
		t.Fatalf("unexpected acceptance %+v", res)
	}
	if len(res.Losers) != 1 || res.Losers[0].ID != "off_B" {
		t.Fatalf("expected B to lose, got %+v", res.Losers)
	}

	req, _, _ := st.GetRequest(ctx, "REQ_1")
	if req.Status != domain.RequestAssigned || req.AcceptedOfferID != "off_A" {
		t.Fatalf("unexpected request %+v", req)
	}
	b, _, _ := st.GetOffer(ctx, "off_B")
	if b.Status != domain.OfferAutoRejected {
		t.Fatalf("expected B auto-rejected, got %s", b.Status)
	}
	if v := st.Vendors["A"]; v.TotalWins != 1 || v.ActiveChatClient != "+966500000100" {
		t.Fatalf("winner metrics not recorded: %+v", v)
	}

	if len(gw.To("+966500000002")) != 1 {
		t.Fatalf("expected one courtesy message to the loser, got %+v", gw.To("+966500000002"))
	}
	if len(gw.To("+966500000001")) != 1 || len(gw.To("+966500000100")) != 1 {
		t.Fatalf("expected winner and customer notified once, got %+v", gw.Sent)
	}

	// accepting the loser afterwards is a conflict
	_, err = a.LockAndAccept(ctx, "REQ_1", "off_B")
	if !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestLockAndAcceptIsIdempotent(t *testing.T) {
	a, _, gw := setup(t, "A", "B")
	ctx := context.Background()
	if _, err := a.LockAndAccept(ctx, "REQ_1", "off_A"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	sent := len(gw.Sent)

	_, err := a.LockAndAccept(ctx, "REQ_1", "off_A")
	if domain.CodeOf(err) != domain.CodeAlreadyAccepted {
		t.Fatalf("expected already_accepted, got %v", err)
	}
	if len(gw.Sent) != sent {
		t.Fatalf("replayed acceptance must not notify anyone again")
	}
}

func TestLockAndAcceptErrors(t *testing.T) {
	a, st, _ := setup(t, "A")
	ctx := context.Background()

	if _, err := a.LockAndAccept(ctx, "REQ_1", "off_missing"); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := a.LockAndAccept(ctx, "REQ_other", "off_A"); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not found for mismatched request, got %v", err)
	}

	if _, err := st.CancelActiveRequests(ctx, "+966500000100", t0); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := a.LockAndAccept(ctx, "REQ_1", "off_A"); domain.CodeOf(err) != domain.CodeRequestClosed {
		t.Fatalf("expected request_closed, got %v", err)
	}

	if _, err := a.Reject(ctx, "off_A"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := a.LockAndAccept(ctx, "", "off_A"); domain.CodeOf(err) != domain.CodeAlreadyRejected {
		t.Fatalf("expected already_rejected, got %v", err)
	}
}

func TestConcurrentAcceptanceHasOneWinner(t *testing.T) {
	vendors := []string{"A", "B", "C", "D", "E", "F"}
	a, st, _ := setup(t, vendors...)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, v := range vendors {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := a.LockAndAccept(ctx, "REQ_1", id); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !domain.IsKind(err, domain.KindConflict) {
				t.Errorf("unexpected error kind: %v", err)
			}
		}("off_" + v)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if n := len(st.OffersWithStatus("REQ_1", domain.OfferAccepted)); n != 1 {
		t.Fatalf("expected one ACCEPTED offer, got %d", n)
	}
	if n := len(st.OffersWithStatus("REQ_1", domain.OfferPending)); n != 0 {
		t.Fatalf("expected no PENDING offers left, got %d", n)
	}
}

func TestSweepFailureSchedulesRetry(t *testing.T) {
	a, st, gw := setup(t, "A", "B")
	ctx := context.Background()
	st.FailOn, st.Err = "AutoRejectSiblings", errors.New("timeout")

	if _, err := a.LockAndAccept(ctx, "REQ_1", "off_A"); err != nil {
		t.Fatalf("accept must succeed even if the sweep fails: %v", err)
	}
	if _, ok := st.EventState(domain.EventID(domain.EventSweepLosers, "REQ_1")); !ok {
		t.Fatalf("expected a sweep_losers event")
	}
	if b, _, _ := st.GetOffer(ctx, "off_B"); b.Status != domain.OfferPending {
		t.Fatalf("B should still be pending before the retry")
	}

	st.Err = nil
	losers, err := a.SweepLosers(ctx, "REQ_1")
	if err != nil || len(losers) != 1 {
		t.Fatalf("retry sweep: %v %+v", err, losers)
	}
	if len(gw.To("+966500000002")) != 1 {
		t.Fatalf("loser notified %d times", len(gw.To("+966500000002")))
	}
	again, err := a.SweepLosers(ctx, "REQ_1")
	if err != nil || len(again) != 0 {
		t.Fatalf("second sweep should be a no-op: %v %+v", err, again)
	}
}

func TestReject(t *testing.T) {
	a, st, gw := setup(t, "A", "B")
	ctx := context.Background()

	off, err := a.Reject(ctx, "off_B")
	if err != nil || off.Status != domain.OfferRejected {
		t.Fatalf("reject: %v %+v", err, off)
	}
	if req, _, _ := st.GetRequest(ctx, "REQ_1"); req.Status != domain.RequestNegotiating {
		t.Fatalf("expected NEGOTIATING, got %s", req.Status)
	}
	if len(gw.To("+966500000002")) != 1 {
		t.Fatalf("expected rejected vendor notified")
	}
	if _, err := a.Reject(ctx, "off_B"); domain.CodeOf(err) != domain.CodeAlreadyRejected {
		t.Fatalf("expected already_rejected, got %v", err)
	}

	if _, err := a.LockAndAccept(ctx, "REQ_1", "off_A"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := a.Reject(ctx, "off_A"); domain.CodeOf(err) != domain.CodeCannotRejectAccepted {
		t.Fatalf("expected cannot_reject_accepted, got %v", err)
	}
}

func TestRejectPending(t *testing.T) {
	a, st, _ := setup(t, "A", "B", "C")
	ctx := context.Background()
	if _, err := a.Reject(ctx, "off_A"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, err := a.RejectPending(ctx, "REQ_1")
	if err != nil || len(got) != 2 {
		t.Fatalf("reject pending: %v %+v", err, got)
	}
	if n := len(st.OffersWithStatus("REQ_1", domain.OfferRejected)); n != 3 {
		t.Fatalf("expected 3 rejected offers, got %d", n)
	}
}

func TestCancelFlushesAllActiveRequests(t *testing.T) {
	a, st, gw := setup(t, "A")
	ctx := context.Background()
	// a second active request slipped in under a different status path
	st.Requests["REQ_2"] = domain.Request{ID: "REQ_2", CustomerPhone: "+966500000100", Status: domain.RequestOpen, CreatedAt: t0}
	st.Requests["REQ_3"] = domain.Request{ID: "REQ_3", CustomerPhone: "+966500000100", Status: domain.RequestCompleted, CreatedAt: t0}

	ids, err := a.Cancel(ctx, "+966500000100")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected both active requests cancelled, got %v", ids)
	}
	if st.Requests["REQ_3"].Status != domain.RequestCompleted {
		t.Fatalf("terminal request must not change")
	}
	if o, _, _ := st.GetOffer(ctx, "off_A"); o.Status != domain.OfferAutoRejected {
		t.Fatalf("pending offer on a cancelled request should be auto-rejected, got %s", o.Status)
	}
	if len(gw.To("+966500000001")) != 1 {
		t.Fatalf("expected vendor told about the cancellation")
	}
	if _, ok, _ := st.ActiveRequestForCustomer(ctx, "+966500000100"); ok {
		t.Fatalf("customer still has an active request")
	}
}

func TestCloseNoResponses(t *testing.T) {
	a, st, _ := setup(t)
	ctx := context.Background()
	ok, err := a.CloseNoResponses(ctx, "REQ_1")
	if err != nil || !ok {
		t.Fatalf("close: %v %v", ok, err)
	}
	if st.Requests["REQ_1"].Status != domain.RequestNoResponses {
		t.Fatalf("expected NO_RESPONSES")
	}
	if ok, _ := a.CloseNoResponses(ctx, "REQ_1"); ok {
		t.Fatalf("closing twice must be a no-op")
	}
}
