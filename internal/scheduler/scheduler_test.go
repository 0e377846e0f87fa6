package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"bidflow/internal/domain"
	"bidflow/internal/store/storetest"
)

var t0 = time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)

func schedule(t *testing.T, st *storetest.Memory, kind domain.EventKind, req string, at time.Time) string {
	t.Helper()
	id := domain.EventID(kind, req)
	if err := st.ScheduleEvent(context.Background(), domain.ScheduledEvent{ID: id, Kind: kind, RequestID: req, FiresAt: at}, t0); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return id
}

func TestRunOnceOnlyDueEvents(t *testing.T) {
	st := storetest.NewMemory()
	var ran []string
	s := &Scheduler{Store: st, StaleAfter: time.Minute, Handlers: map[domain.EventKind]Handler{
		domain.EventWave2Check: func(ctx context.Context, ev domain.ScheduledEvent) error {
			ran = append(ran, ev.RequestID)
			return nil
		},
	}}
	early := schedule(t, st, domain.EventWave2Check, "REQ_1", t0.Add(5*time.Minute))
	schedule(t, st, domain.EventWave2Check, "REQ_2", t0.Add(10*time.Minute))
	// scheduling the same check again is a no-op
	schedule(t, st, domain.EventWave2Check, "REQ_1", t0.Add(time.Hour))

	if n, _ := s.RunOnce(context.Background(), t0.Add(4*time.Minute)); n != 0 {
		t.Fatalf("nothing is due yet")
	}
	if n, err := s.RunOnce(context.Background(), t0.Add(5*time.Minute)); err != nil || n != 1 {
		t.Fatalf("run: %d %v", n, err)
	}
	if len(ran) != 1 || ran[0] != "REQ_1" {
		t.Fatalf("unexpected handler calls %v", ran)
	}
	if state, _ := st.EventState(early); state != domain.EventDone {
		t.Fatalf("expected done, got %s", state)
	}
	if n, _ := s.RunOnce(context.Background(), t0.Add(5*time.Minute)); n != 0 {
		t.Fatalf("a done event must not run again")
	}
}

func TestRetryThenFail(t *testing.T) {
	st := storetest.NewMemory()
	calls := 0
	s := &Scheduler{Store: st, MaxAttempts: 2, Handlers: map[domain.EventKind]Handler{
		domain.EventTimeoutCheck: func(ctx context.Context, ev domain.ScheduledEvent) error {
			calls++
			return errors.New("store unavailable")
		},
	}}
	id := schedule(t, st, domain.EventTimeoutCheck, "REQ_1", t0)

	s.RunOnce(context.Background(), t0)
	if state, _ := st.EventState(id); state != domain.EventPending {
		t.Fatalf("expected rescheduled event, got %s", state)
	}
	if n, _ := s.RunOnce(context.Background(), t0.Add(5*time.Second)); n != 0 || calls != 1 {
		t.Fatalf("retry must wait for the backoff")
	}
	s.RunOnce(context.Background(), t0.Add(Backoff(1)))
	if state, _ := st.EventState(id); state != domain.EventFailed || calls != 2 {
		t.Fatalf("expected failed after max attempts, got %s after %d calls", state, calls)
	}
}

func TestPanicIsContained(t *testing.T) {
	st := storetest.NewMemory()
	s := &Scheduler{Store: st, Handlers: map[domain.EventKind]Handler{
		domain.EventSweepLosers: func(ctx context.Context, ev domain.ScheduledEvent) error { panic("boom") },
	}}
	id := schedule(t, st, domain.EventSweepLosers, "REQ_1", t0)
	if _, err := s.RunOnce(context.Background(), t0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if state, _ := st.EventState(id); state != domain.EventPending {
		t.Fatalf("panicking handler should be retried, got %s", state)
	}
}

func TestStaleClaimIsReclaimed(t *testing.T) {
	st := storetest.NewMemory()
	id := schedule(t, st, domain.EventWave2Check, "REQ_1", t0)
	// a poller claims and dies
	if evs, _ := st.ClaimDueEvents(context.Background(), t0, 10, time.Minute); len(evs) != 1 {
		t.Fatalf("expected claim")
	}
	ran := 0
	s := &Scheduler{Store: st, StaleAfter: time.Minute, Handlers: map[domain.EventKind]Handler{
		domain.EventWave2Check: func(ctx context.Context, ev domain.ScheduledEvent) error { ran++; return nil },
	}}
	s.RunOnce(context.Background(), t0.Add(30*time.Second))
	if ran != 0 {
		t.Fatalf("fresh claim must not be stolen")
	}
	s.RunOnce(context.Background(), t0.Add(2*time.Minute))
	if state, _ := st.EventState(id); ran != 1 || state != domain.EventDone {
		t.Fatalf("stale claim should be reclaimed, ran=%d state=%s", ran, state)
	}
}

func TestUnknownKindFails(t *testing.T) {
	st := storetest.NewMemory()
	s := &Scheduler{Store: st}
	id := schedule(t, st, domain.EventKind("mystery"), "REQ_1", t0)
	s.RunOnce(context.Background(), t0)
	if state, _ := st.EventState(id); state != domain.EventFailed {
		t.Fatalf("expected failed, got %s", state)
	}
}

func TestBackoff(t *testing.T) {
	if Backoff(1) != 10*time.Second || Backoff(2) != 20*time.Second || Backoff(20) != 5*time.Minute {
		t.Fatalf("unexpected backoff %v %v %v", Backoff(1), Backoff(2), Backoff(20))
	}
}
