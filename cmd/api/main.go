package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bidflow/internal/awsutil"
	"bidflow/internal/config"
	"bidflow/internal/httpserver"
	"bidflow/internal/lifecycle"
	"bidflow/internal/logging"
	"bidflow/internal/messaging"
	"bidflow/internal/notifs"
	"bidflow/internal/observability"
	"bidflow/internal/providers/twilio"
	sqsqueue "bidflow/internal/queue/sqs"
	"bidflow/internal/store/pg"
	"bidflow/internal/util"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := observability.InitTracing(observability.TracingConfig{
		Enabled: cfg.TracingEnabled, Endpoint: cfg.JaegerEndpoint, ServiceName: "bidflow-api", Environment: cfg.Environment,
	}); err != nil {
		slog.Error("api tracing init failed", "err", err)
		os.Exit(1)
	}

	db, err := pg.Connect(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	}, 3*time.Second)
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}

	alerts, err := notifs.New(cfg.AlertWebhookURL, cfg.WarningWebhookURL)
	if err != nil {
		slog.Error("api alerter init failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	dbStore := pg.New(db)
	inbound := &sqsqueue.InboundProducer{SQS: sqsClient, QueueURL: cfg.InboundQueueURL}
	gateway := &messaging.Outbox{
		Store: dbStore,
		Queue: &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.OutboundQueueURL, Buckets: cfg.GroupBuckets},
		IDGen: util.NewMessageID,
	}

	s := httpserver.New()
	s.Mux.Use(httpserver.Tracing, httpserver.Logging, httpserver.Metrics(observability.APIRequests))

	(&httpserver.Webhook{
		Queue:           inbound,
		VerifySignature: twilio.VerifySignature,
		AuthToken:       cfg.TwilioAuthToken,
		InboundURL:      cfg.PublicInboundURL,
		StatusURL:       cfg.PublicStatusURL,
	}).Register(s.Mux)

	// Accepting from the tracking page goes through the same authority as
	// chat acceptance, so the request row stays the only lock.
	(&httpserver.Track{
		Store:    dbStore,
		Acceptor: &lifecycle.Authority{Store: dbStore, Gateway: gateway, Alerts: alerts},
	}).Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz()).Methods(http.MethodGet)
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(ctx context.Context) error { return db.Ping(ctx) },
		awsutil.QueueReachable(sqsClient, cfg.InboundQueueURL),
	)).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.CORS(cfg.AllowedOrigins)(s.Mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.MetricsHandler()}

	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
		_ = observability.ShutdownTracing(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
