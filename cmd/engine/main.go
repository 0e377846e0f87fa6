package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bidflow/internal/awsutil"
	"bidflow/internal/config"
	"bidflow/internal/delivery"
	"bidflow/internal/dispatch"
	"bidflow/internal/engine"
	"bidflow/internal/httpserver"
	"bidflow/internal/intake"
	"bidflow/internal/logging"
	"bidflow/internal/matching"
	"bidflow/internal/messaging"
	"bidflow/internal/notifs"
	"bidflow/internal/observability"
	sqsqueue "bidflow/internal/queue/sqs"
	"bidflow/internal/statestore"
	"bidflow/internal/store/pg"
	"bidflow/internal/util"
)

func main() {
	cfg := config.LoadEngine()
	logging.Init("engine", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())

	if err := observability.InitTracing(observability.TracingConfig{
		Enabled: cfg.TracingEnabled, Endpoint: cfg.JaegerEndpoint, ServiceName: "bidflow-engine", Environment: cfg.Environment,
	}); err != nil {
		slog.Error("engine tracing init failed", "err", err)
		os.Exit(1)
	}

	// Postgres is the system of record; there is no degraded mode without it.
	db, err := pg.Connect(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	}, 3*time.Second)
	if err != nil {
		slog.Error("engine db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	dbStore := pg.New(db)

	var state statestore.Store
	readyChecks := []httpserver.ReadyzCheck{func(c context.Context) error { return db.Ping(c) }}
	switch cfg.StateBackend {
	case "memory":
		slog.Warn("engine using in-process state; run a single replica")
		state = statestore.NewMemoryStore()
	default:
		rs, err := statestore.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			slog.Error("engine redis connect failed", "err", err)
			os.Exit(1)
		}
		defer rs.Close()
		state = rs
		readyChecks = append(readyChecks, rs.Ping)
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("engine sqs client init failed", "err", err)
		os.Exit(1)
	}
	readyChecks = append(readyChecks,
		awsutil.QueueReachable(sqsClient, cfg.InboundQueueURL),
		awsutil.QueueReachable(sqsClient, cfg.OutboundQueueURL),
	)

	alerts, err := notifs.New(cfg.AlertWebhookURL, cfg.WarningWebhookURL)
	if err != nil {
		slog.Error("engine alerter init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	gateway := &messaging.Outbox{
		Store: dbStore,
		Queue: &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.OutboundQueueURL, Buckets: cfg.GroupBuckets},
		IDGen: util.NewMessageID,
	}

	app := engine.Build(dbStore, state, gateway,
		intake.NewOpenAIExtractor(cfg.IntakeAPIKey, cfg.IntakeBaseURL, cfg.IntakeModel, cfg.CoveredCities),
		alerts,
		engine.Options{
			Dispatch: dispatch.Config{
				Strategy:       dispatch.Strategy(cfg.NotifyStrategy),
				WaveSize:       cfg.WaveSize,
				Wave2Delay:     cfg.Wave2Delay,
				Wave2MinOffers: cfg.Wave2MinOffers,
				TimeoutDelay:   cfg.TimeoutDelay,
			},
			VendorOrdering:       matching.Ordering(cfg.VendorOrdering),
			AggQuota:             cfg.AggQuota,
			AggTimeout:           cfg.AggTimeout,
			StateTTL:             cfg.StateTTL,
			FrontendURL:          cfg.FrontendURL,
			SchedulerBatch:       cfg.SchedulerBatch,
			SchedulerStaleAfter:  cfg.SchedulerStaleAfter,
			SchedulerMaxAttempts: cfg.SchedulerMaxAttempts,
		}, nil)
	recorder := &delivery.Recorder{Store: dbStore}

	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.InboundQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	// health + metrics servers
	healthMux := httpserver.New().Mux
	healthMux.Use(httpserver.Logging)
	healthMux.HandleFunc("/healthz", httpserver.Healthz()).Methods(http.MethodGet)
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, readyChecks...)).Methods(http.MethodGet)

	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: healthMux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.MetricsHandler()}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("engine health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("engine metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	go app.Scheduler.Run(ctx, cfg.SchedulerInterval)
	if app.Aggregator != nil {
		go app.Aggregator.Run(ctx, cfg.AggSweepInterval)
	}

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("engine starting poll", "queue_url", cfg.InboundQueueURL, "strategy", cfg.NotifyStrategy)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.EngineConcurrency, sqsqueue.EnvelopeHandler(
			func(ctx context.Context, env sqsqueue.Envelope) error {
				switch {
				case env.Type == sqsqueue.EnvelopeMessage && env.Message != nil:
					_, err := app.Engine.Handle(ctx, *env.Message)
					return err
				case env.Type == sqsqueue.EnvelopeStatus && env.Status != nil:
					return recorder.Apply(ctx, *env.Status)
				}
				return sqsqueue.ErrPoison
			}))
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("engine poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("engine health server failed", "err", err)
			os.Exit(1)
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("engine metrics server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("engine shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = observability.ShutdownTracing(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("engine shutdown timeout waiting for poll loop")
	}
}
