package engine

import (
	"context"
	"time"

	"bidflow/internal/aggregation"
	"bidflow/internal/collector"
	"bidflow/internal/dispatch"
	"bidflow/internal/domain"
	"bidflow/internal/gatekeeper"
	"bidflow/internal/identity"
	"bidflow/internal/intake"
	"bidflow/internal/lifecycle"
	"bidflow/internal/matching"
	"bidflow/internal/messaging"
	"bidflow/internal/notifs"
	"bidflow/internal/scheduler"
	"bidflow/internal/statestore"
)

// Backend is everything the coordination core needs from the system of
// record. pg.Store implements it.
type Backend interface {
	Store
	lifecycle.Store
	collector.Store
	gatekeeper.Store
	dispatch.Store
	identity.Directory
	matching.VendorSource
	scheduler.Store
	InsertRequest(ctx context.Context, r domain.Request) error
}

type Options struct {
	Dispatch       dispatch.Config
	VendorOrdering matching.Ordering
	AggQuota       int
	AggTimeout     time.Duration
	StateTTL       time.Duration
	FrontendURL    string

	SchedulerBatch       int
	SchedulerStaleAfter  time.Duration
	SchedulerMaxAttempts int
}

// App is the assembled coordination core.
type App struct {
	Engine     *Engine
	Scheduler  *scheduler.Scheduler
	Lifecycle  *lifecycle.Authority
	Dispatcher *dispatch.Dispatcher
	Collector  *collector.Collector
	// Aggregator is nil unless the aggregate strategy is configured.
	Aggregator *aggregation.Aggregator
}

// Build wires the components together. now may be nil for wall-clock time.
func Build(db Backend, state statestore.Store, gw messaging.Gateway, extractor intake.Extractor,
	alerts notifs.Alerter, opts Options, now func() time.Time) *App {
	auth := &lifecycle.Authority{Store: db, Gateway: gw, Alerts: alerts, Now: now}

	col := &collector.Collector{Store: db, State: state, Gateway: gw, TTL: opts.StateTTL, Now: now}
	var agg *aggregation.Aggregator
	if opts.Dispatch.Strategy == dispatch.StrategyAggregate {
		agg = &aggregation.Aggregator{
			Store: db, State: state, Gateway: gw, Quota: opts.AggQuota, Timeout: opts.AggTimeout,
			TTL: opts.StateTTL, FrontendURL: opts.FrontendURL, Now: now,
		}
		col.Sink = agg
	} else {
		col.Sink = &dispatch.Instant{Offers: db, Gateway: gw}
	}

	disp := &dispatch.Dispatcher{
		Store:     db,
		Matcher:   &matching.Matcher{Vendors: db, Ordering: opts.VendorOrdering, Now: now},
		Gateway:   gw,
		Collector: col,
		Closer:    auth,
		Alerts:    alerts,
		Config:    opts.Dispatch,
		Now:       now,
	}

	eng := &Engine{
		Store:    db,
		Identity: &identity.Resolver{Dir: db, Now: now},
		Vendors:  col,
		Customers: &gatekeeper.Gatekeeper{
			Store: db, Authority: auth, Gateway: gw, State: state, FrontendURL: opts.FrontendURL,
		},
		Intake: &intake.Service{
			Extractor: extractor, Store: db, State: state, Dispatcher: disp, Gateway: gw,
			FrontendURL: opts.FrontendURL, HistoryTTL: opts.StateTTL, Now: now,
		},
		Gateway:     gw,
		FrontendURL: opts.FrontendURL,
		Now:         now,
	}

	sched := &scheduler.Scheduler{
		Store:       db,
		Handlers:    Handlers(disp, auth),
		Batch:       opts.SchedulerBatch,
		StaleAfter:  opts.SchedulerStaleAfter,
		MaxAttempts: opts.SchedulerMaxAttempts,
		Now:         now,
	}

	return &App{Engine: eng, Scheduler: sched, Lifecycle: auth, Dispatcher: disp, Collector: col, Aggregator: agg}
}

// Handlers maps each scheduled event kind to the component that owns it.
func Handlers(d *dispatch.Dispatcher, a *lifecycle.Authority) map[domain.EventKind]scheduler.Handler {
	return map[domain.EventKind]scheduler.Handler{
		domain.EventWave2Check: func(ctx context.Context, ev domain.ScheduledEvent) error {
			_, err := d.Wave2(ctx, ev.RequestID)
			return err
		},
		domain.EventTimeoutCheck: func(ctx context.Context, ev domain.ScheduledEvent) error {
			_, err := d.Timeout(ctx, ev.RequestID)
			return err
		},
		domain.EventSweepLosers: func(ctx context.Context, ev domain.ScheduledEvent) error {
			_, err := a.SweepLosers(ctx, ev.RequestID)
			return err
		},
	}
}
