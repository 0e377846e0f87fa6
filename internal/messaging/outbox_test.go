package messaging

import (
	"context"
	"errors"
	"testing"

	"bidflow/internal/domain"
	"bidflow/internal/store"
)

type fakeOutboxStore struct {
	rows   map[string]store.OutboundInsert
	marked []store.MessageStateUpdate
}

func (f *fakeOutboxStore) InsertOutbound(ctx context.Context, in store.OutboundInsert) (bool, error) {
	if f.rows == nil {
		f.rows = map[string]store.OutboundInsert{}
	}
	if in.DedupKey != "" {
		for _, r := range f.rows {
			if r.DedupKey == in.DedupKey {
				return false, nil
			}
		}
	}
	f.rows[in.ID] = in
	return true, nil
}

func (f *fakeOutboxStore) MarkMessageState(ctx context.Context, in store.MessageStateUpdate) error {
	f.marked = append(f.marked, in)
	return nil
}

type fakeQueue struct {
	sent []string
	err  error
}

func (q *fakeQueue) EnqueueSend(ctx context.Context, messageID, to string) error {
	if q.err != nil {
		return q.err
	}
	q.sent = append(q.sent, messageID)
	return nil
}

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return "msg_" + string(rune('a'+n))
	}
}

func TestOutboxDedup(t *testing.T) {
	st := &fakeOutboxStore{}
	q := &fakeQueue{}
	o := &Outbox{Store: st, Queue: q, IDGen: seqIDs()}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := o.SendText(ctx, "whatsapp:+966500000001", "sorry", WithDedupKey("apology:REQ_1")); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if len(q.sent) != 1 {
		t.Fatalf("expected a single enqueue, got %d", len(q.sent))
	}
	for _, r := range st.rows {
		if r.To != "+966500000001" {
			t.Fatalf("expected normalized phone, got %q", r.To)
		}
	}

	// no dedup key => every send is delivered
	_ = o.SendText(ctx, "+966500000001", "a")
	_ = o.SendText(ctx, "+966500000001", "a")
	if len(q.sent) != 3 {
		t.Fatalf("expected 3 enqueues, got %d", len(q.sent))
	}
}

func TestOutboxReportsDuplicate(t *testing.T) {
	o := &Outbox{Store: &fakeOutboxStore{}, Queue: &fakeQueue{}, IDGen: seqIDs()}
	ctx := context.Background()

	var dup bool
	if err := o.SendText(ctx, "+966500000001", "list", WithDedupKey("batch:REQ_1"), ReportDuplicate(&dup)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if dup {
		t.Fatalf("first send must not be reported as a duplicate")
	}
	if err := o.SendText(ctx, "+966500000001", "list", WithDedupKey("batch:REQ_1"), ReportDuplicate(&dup)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !dup {
		t.Fatalf("second send under the same key must be reported as a duplicate")
	}
}

func TestOutboxInteractive(t *testing.T) {
	st := &fakeOutboxStore{}
	o := &Outbox{Store: st, Queue: &fakeQueue{}, IDGen: seqIDs()}
	p := domain.Prompt{Body: "choose", Buttons: []domain.Button{{ID: PayloadSendNow, Title: "Send now"}}}
	if err := o.SendInteractive(context.Background(), "+966500000001", p); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, r := range st.rows {
		if r.Kind != domain.KindInteractive || len(r.Buttons) != 1 {
			t.Fatalf("unexpected row %+v", r)
		}
	}
}

func TestOutboxEnqueueFailure(t *testing.T) {
	st := &fakeOutboxStore{}
	o := &Outbox{Store: st, Queue: &fakeQueue{err: errors.New("sqs down")}, IDGen: seqIDs()}
	err := o.SendText(context.Background(), "+966500000001", "hi")
	if !domain.IsKind(err, domain.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if len(st.marked) != 1 || st.marked[0].State != domain.StateFailed {
		t.Fatalf("expected message marked failed, got %+v", st.marked)
	}
}

func TestOfferListNumbering(t *testing.T) {
	r := domain.Request{ID: "REQ_01HZX7J3K9ABCDEFGH", SecurityToken: "tok"}
	offers := []domain.Offer{
		{ID: "off_1", VendorName: "A", Price: 500, Status: domain.OfferRejected},
		{ID: "off_2", VendorName: "B", Price: 450, Status: domain.OfferPending, Notes: "incl. delivery"},
	}
	got := OfferList("https://app.example/", r, offers)
	want := "Offers for REQ_ABCDEFGH:\n1) A (0.0★) - 500 SAR [REJECTED]\n2) B (0.0★) - 450 SAR - incl. delivery\nReply with an offer number to accept. Details: https://app.example/track/REQ_01HZX7J3K9ABCDEFGH?token=tok"
	if got != want {
		t.Fatalf("unexpected list:\n%s\nwant:\n%s", got, want)
	}
	if OfferNumber(offers, "off_2") != 2 || OfferNumber(offers, "nope") != 0 {
		t.Fatalf("unexpected offer numbering")
	}
}

func TestTextFallback(t *testing.T) {
	p := domain.Prompt{Body: "Pick", Buttons: []domain.Button{{ID: "A", Title: "Send now"}, {ID: "B", Title: "Add note"}}}
	if got := TextFallback(p); got != "Pick\n\n• Send now\n• Add note" {
		t.Fatalf("unexpected fallback %q", got)
	}
}
