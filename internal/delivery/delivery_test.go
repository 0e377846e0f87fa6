package delivery

import (
	"context"
	"errors"
	"testing"

	sqsqueue "bidflow/internal/queue/sqs"
	"bidflow/internal/store"
)

type fakeStore struct {
	known   map[string]bool
	updates []store.ProviderMsgUpdate
	events  []store.DeliveryEvent
}

func (f *fakeStore) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error {
	f.events = append(f.events, in)
	return nil
}

func (f *fakeStore) UpdateMessageByProviderMsgID(ctx context.Context, in store.ProviderMsgUpdate) (bool, error) {
	f.updates = append(f.updates, in)
	return f.known[in.ProviderMsgID], nil
}

func TestApplyFinalStatus(t *testing.T) {
	st := &fakeStore{known: map[string]bool{"SM1": true}}
	r := &Recorder{Store: st}

	if err := r.Apply(context.Background(), sqsqueue.StatusEvent{Provider: "twilio", ProviderMsgID: "SM1", Status: "read"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(st.updates) != 1 || st.updates[0].NewState != "delivered" || len(st.events) != 1 {
		t.Fatalf("updates=%+v events=%d", st.updates, len(st.events))
	}
}

func TestApplyIntermediateStatusOnlyRecordsEvent(t *testing.T) {
	st := &fakeStore{}
	r := &Recorder{Store: st}
	if err := r.Apply(context.Background(), sqsqueue.StatusEvent{Provider: "twilio", ProviderMsgID: "SM1", Status: "sent"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(st.updates) != 0 || len(st.events) != 1 {
		t.Fatalf("updates=%d events=%d", len(st.updates), len(st.events))
	}
}

func TestApplyUnknownMessageIsRetried(t *testing.T) {
	st := &fakeStore{known: map[string]bool{}}
	r := &Recorder{Store: st}
	err := r.Apply(context.Background(), sqsqueue.StatusEvent{Provider: "twilio", ProviderMsgID: "SM9", Status: "failed"})
	if !errors.Is(err, ErrUnknownMessage) || len(st.events) != 0 {
		t.Fatalf("err=%v events=%d", err, len(st.events))
	}
}
