// Package scheduler runs persisted deferred checks. One poller claims due
// events and hands each to the handler for its kind; handlers re-read live
// state and no-op when their precondition is gone.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bidflow/internal/domain"
	"bidflow/internal/observability"
	"bidflow/internal/util"
)

type Store interface {
	ClaimDueEvents(ctx context.Context, now time.Time, limit int, staleAfter time.Duration) ([]domain.ScheduledEvent, error)
	FinishEvent(ctx context.Context, id string, state domain.EventState, lastError string, now time.Time) error
	RescheduleEvent(ctx context.Context, id string, firesAt time.Time, lastError string, now time.Time) error
}

type Handler func(ctx context.Context, ev domain.ScheduledEvent) error

type Scheduler struct {
	Store       Store
	Handlers    map[domain.EventKind]Handler
	Batch       int
	StaleAfter  time.Duration
	MaxAttempts int
	Now         func() time.Time
}

const (
	baseBackoff = 10 * time.Second
	maxBackoff  = 5 * time.Minute
)

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

// RunOnce claims and runs every event due at now. It returns the number of
// events handled successfully.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (int, error) {
	batch := s.Batch
	if batch <= 0 {
		batch = 50
	}
	events, err := s.Store.ClaimDueEvents(ctx, now, batch, s.StaleAfter)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, ev := range events {
		if s.run(ctx, ev, now) {
			done++
		}
	}
	return done, nil
}

func (s *Scheduler) run(ctx context.Context, ev domain.ScheduledEvent, now time.Time) bool {
	log := slog.With("event_id", ev.ID, "kind", ev.Kind, "request_id", ev.RequestID, "attempt", ev.Attempts)

	h, ok := s.Handlers[ev.Kind]
	if !ok {
		log.Error("no handler for scheduled event")
		s.finish(ctx, ev.ID, domain.EventFailed, "no handler", now)
		observability.SchedulerEvents.WithLabelValues(string(ev.Kind), "unhandled").Inc()
		return false
	}

	err := safeCall(ctx, h, ev)
	if err == nil {
		s.finish(ctx, ev.ID, domain.EventDone, "", now)
		observability.SchedulerEvents.WithLabelValues(string(ev.Kind), "done").Inc()
		return true
	}

	if s.MaxAttempts > 0 && ev.Attempts >= s.MaxAttempts {
		log.Error("scheduled event failed permanently", "err", err)
		s.finish(ctx, ev.ID, domain.EventFailed, err.Error(), now)
		observability.SchedulerEvents.WithLabelValues(string(ev.Kind), "failed").Inc()
		return false
	}
	next := now.Add(Backoff(ev.Attempts))
	log.Warn("scheduled event failed, retrying", "err", err, "next", next)
	if rErr := s.Store.RescheduleEvent(ctx, ev.ID, next, err.Error(), now); rErr != nil {
		log.Error("reschedule event", "err", rErr)
	}
	observability.SchedulerEvents.WithLabelValues(string(ev.Kind), "retry").Inc()
	return false
}

func (s *Scheduler) finish(ctx context.Context, id string, state domain.EventState, lastErr string, now time.Time) {
	if err := s.Store.FinishEvent(ctx, id, state, lastErr, now); err != nil {
		slog.Error("finish event", "err", err, "event_id", id)
	}
}

func safeCall(ctx context.Context, h Handler, ev domain.ScheduledEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// Backoff doubles from 10s per attempt, capped at 5 minutes.
func Backoff(attempt int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Run polls until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.RunOnce(ctx, s.now()); err != nil {
				slog.Error("scheduler poll", "err", err)
			}
		}
	}
}
