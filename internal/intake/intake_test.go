package intake

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bidflow/internal/domain"
	"bidflow/internal/statestore"
	"bidflow/internal/store/storetest"
)

const customer = "+966500000200"

// completionServer answers every chat completion with the next canned draft.
func completionServer(t *testing.T, drafts ...Draft) (*httptest.Server, *[]int) {
	t.Helper()
	var seen []int
	i := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode completion request: %v", err)
		}
		seen = append(seen, len(req.Messages))
		d := drafts[min(i, len(drafts)-1)]
		i++
		content, _ := json.Marshal(d)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "cmpl", "object": "chat.completion", "model": "test",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": string(content)},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

type fakeDispatcher struct {
	started []domain.Request
	n       int
	err     error
}

func (f *fakeDispatcher) Start(ctx context.Context, req domain.Request) (int, error) {
	f.started = append(f.started, req)
	return f.n, f.err
}

type fixture struct {
	svc   *Service
	st    *storetest.Memory
	gw    *storetest.Gateway
	state *statestore.MemoryStore
	disp  *fakeDispatcher
}

func newFixture(t *testing.T, drafts ...Draft) (*fixture, *[]int) {
	t.Helper()
	srv, seen := completionServer(t, drafts...)
	st := storetest.NewMemory()
	gw := &storetest.Gateway{}
	state := statestore.NewMemoryStore()
	disp := &fakeDispatcher{n: 3}
	svc := &Service{
		Extractor:   NewOpenAIExtractor("key", srv.URL+"/v1", "test", []string{"Riyadh", "Jeddah"}),
		Store:       st,
		State:       state,
		Dispatcher:  disp,
		Gateway:     gw,
		FrontendURL: "https://app.test",
		Now:         func() time.Time { return time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC) },
	}
	return &fixture{svc: svc, st: st, gw: gw, state: state, disp: disp}, seen
}

func TestHandleAsksForMissingFields(t *testing.T) {
	f, seen := newFixture(t,
		Draft{Category: "feasts", MissingFields: []string{"city"}, Reply: "Which city?"},
		Draft{Category: "FEASTS", City: "Riyadh", MissingFields: []string{"occasion"}, Reply: "What occasion?"},
	)
	ctx := context.Background()

	if _, created, err := f.svc.Handle(ctx, customer, "I need a feast"); err != nil || created {
		t.Fatalf("first turn: created=%v err=%v", created, err)
	}
	if _, created, err := f.svc.Handle(ctx, customer, "Riyadh"); err != nil || created {
		t.Fatalf("second turn: created=%v err=%v", created, err)
	}
	if got := f.gw.To(customer); len(got) != 2 || got[1].Body != "What occasion?" {
		t.Fatalf("replies = %+v", got)
	}
	// system + user on the first call, system + 2 history + user on the second
	if (*seen)[0] != 2 || (*seen)[1] != 4 {
		t.Fatalf("message counts = %v", *seen)
	}
	var hist []Turn
	if ok, _ := statestore.GetJSON(ctx, f.state, statestore.HistoryKey(customer), &hist); !ok || len(hist) != 4 {
		t.Fatalf("history = %+v", hist)
	}
	if len(f.disp.started) != 0 {
		t.Fatal("dispatch should not start before confirmation")
	}
}

func TestHandleCreatesRequestOnConfirmation(t *testing.T) {
	f, _ := newFixture(t, Draft{
		Category: "FEASTS", City: "Riyadh", District: "Olaya", Occasion: "wedding",
		EventDate: "Friday 8pm", IsCovered: true, ReadyToBook: true, Reply: "Booked.",
	})
	ctx := context.Background()
	_ = statestore.SetJSON(ctx, f.state, statestore.HistoryKey(customer), []Turn{{Role: "user", Content: "hi"}}, time.Hour)

	req, created, err := f.svc.Handle(ctx, customer, "yes confirm")
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if !strings.HasPrefix(req.ID, "REQ_") || req.SecurityToken == "" || req.Status != domain.RequestOpen {
		t.Fatalf("request = %+v", req)
	}
	if req.Details != "Request: yes confirm" {
		t.Fatalf("details fallback = %q", req.Details)
	}
	if _, ok, _ := f.st.GetRequest(ctx, req.ID); !ok {
		t.Fatal("request not stored")
	}
	if len(f.disp.started) != 1 || f.disp.started[0].ID != req.ID {
		t.Fatalf("dispatch = %+v", f.disp.started)
	}
	if _, err := f.state.Get(ctx, statestore.HistoryKey(customer)); err != statestore.ErrNotFound {
		t.Fatalf("history should be cleared, got %v", err)
	}
	msgs := f.gw.To(customer)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Body, "/track/"+req.ID+"?token=") {
		t.Fatalf("confirmation = %+v", msgs)
	}
}

func TestHandleRejectsInvalidDraft(t *testing.T) {
	f, _ := newFixture(t, Draft{Category: "PLUMBING", City: "Riyadh", ReadyToBook: true})

	_, created, err := f.svc.Handle(context.Background(), customer, "ok")
	if created || domain.CodeOf(err) != domain.CodeInvalidDraft {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if len(f.disp.started) != 0 {
		t.Fatal("invalid draft must not dispatch")
	}
}

func TestHandleCancelClearsHistory(t *testing.T) {
	f, _ := newFixture(t, Draft{IsCanceled: true})
	ctx := context.Background()
	_ = statestore.SetJSON(ctx, f.state, statestore.HistoryKey(customer), []Turn{{Role: "user", Content: "hi"}}, time.Hour)

	if _, _, err := f.svc.Handle(ctx, customer, "forget it"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := f.state.Get(ctx, statestore.HistoryKey(customer)); err != statestore.ErrNotFound {
		t.Fatalf("history should be cleared, got %v", err)
	}
	if got := f.gw.To(customer); len(got) != 1 {
		t.Fatalf("replies = %+v", got)
	}
}

func TestHandleCoverageErrorIsReturned(t *testing.T) {
	f, _ := newFixture(t, Draft{Category: "SWEETS", City: "Abha", ReadyToBook: true})
	f.disp.err = domain.Coverage("no vendors")

	req, created, err := f.svc.Handle(context.Background(), customer, "yes")
	if !created || req.ID == "" || !domain.IsKind(err, domain.KindCoverage) {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if len(f.gw.To(customer)) != 0 {
		t.Fatal("coverage notice is the dispatcher's job")
	}
}

func TestHandleUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	f, _ := newFixture(t, Draft{})
	f.svc.Extractor = NewOpenAIExtractor("key", srv.URL+"/v1", "test", nil)

	_, _, err := f.svc.Handle(context.Background(), customer, "hello")
	if !domain.IsKind(err, domain.KindUpstream) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseDraftStripsFences(t *testing.T) {
	d, err := parseDraft("```json\n{\"category\":\"coffee\",\"city\":\" Jeddah \"}\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Category != "COFFEE" || d.City != "Jeddah" {
		t.Fatalf("draft = %+v", d)
	}
	if _, err := parseDraft("not json"); !domain.IsKind(err, domain.KindUpstream) {
		t.Fatalf("err = %v", err)
	}
}
