package statestore

import (
	"context"
	"sort"
	"testing"
	"time"
)

func TestMemoryStoreJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	type conv struct {
		State string `json:"state"`
		Price int64  `json:"price"`
	}
	if err := SetJSON(ctx, s, ConversationKey("+966500000001"), conv{State: "AWAITING_PRICE"}, time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got conv
	found, err := GetJSON(ctx, s, ConversationKey("+966500000001"), &got)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.State != "AWAITING_PRICE" {
		t.Fatalf("unexpected value %+v", got)
	}

	found, err = GetJSON(ctx, s, ConversationKey("+966500000002"), &got)
	if err != nil || found {
		t.Fatalf("missing key must be found=false without error: %v %v", found, err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })

	_ = s.Set(ctx, "k", []byte("v"), time.Minute)
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("expected live key: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestMemoryStoreKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, BatchKey("REQ_1"), []byte("{}"), 0)
	_ = s.Set(ctx, BatchKey("REQ_2"), []byte("{}"), 0)
	_ = s.Set(ctx, HistoryKey("+966500000001"), []byte("[]"), 0)

	keys, err := s.Keys(ctx, BatchPrefix)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "batch:REQ_1" || keys[1] != "batch:REQ_2" {
		t.Fatalf("unexpected keys %v", keys)
	}

	_ = s.Delete(ctx, BatchKey("REQ_1"))
	keys, _ = s.Keys(ctx, BatchPrefix)
	if len(keys) != 1 {
		t.Fatalf("expected one key after delete, got %v", keys)
	}
}
