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
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"bidflow/internal/awsutil"
	"bidflow/internal/config"
	"bidflow/internal/httpserver"
	"bidflow/internal/logging"
	"bidflow/internal/observability"
	"bidflow/internal/providers/twilio"
	sqsqueue "bidflow/internal/queue/sqs"
	"bidflow/internal/store/pg"
	workerproc "bidflow/internal/worker"
)

func main() {
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat)

	// Use a root ctx we can cancel
	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.Connect(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	}, 3*time.Second)
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("worker sqs client init failed", "err", err)
		os.Exit(1)
	}
	queueReady := awsutil.QueueReachable(sqsClient, cfg.OutboundQueueURL)

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := queueReady(startupCtx); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	consumer := &sqsqueue.Consumer{
		SQS: sqsClient, QueueURL: cfg.OutboundQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	// health server (liveness + readiness)
	healthMux := httpserver.New().Mux
	healthMux.Use(httpserver.Logging)
	healthMux.HandleFunc("/healthz", httpserver.Healthz()).Methods(http.MethodGet)
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		queueReady,
	)).Methods(http.MethodGet)

	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: healthMux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: httpserver.MetricsHandler()}

	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker metrics server failed", "err", err)
		}
	}()

	// Twilio + limiter/breaker + processor
	httpClient := &http.Client{Timeout: 8 * time.Second}
	tw := &twilio.Client{
		AccountSID:          cfg.TwilioAccountSID,
		AuthToken:           cfg.TwilioAuthToken,
		HTTP:                httpClient,
		MessagingServiceSID: cfg.TwilioMessagingServiceSID,
		FromNumber:          cfg.TwilioFromNumber,
		BaseURL:             cfg.TwilioBaseURL,
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.TwilioRPSPerPod), cfg.TwilioBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "twilio",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})
	processor := &workerproc.Processor{
		Store:             store,
		Sender:            tw,
		Limiter:           limiter,
		Breaker:           cb,
		StatusCallbackURL: cfg.PublicStatusURL,
		StaleAfter:        2 * time.Minute,
	}
	if cfg.TwilioInteractive {
		processor.Templates = &twilio.ContentClient{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			HTTP:       httpClient,
			BaseURL:    cfg.TwilioContentBaseURL,
		}
	}

	// start polling
	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting poll", "queue_url", cfg.OutboundQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, sqsqueue.JobHandler(
			func(ctx context.Context, job sqsqueue.OutboundJob) (err error) {
				start := time.Now()
				defer func() {
					if err != nil {
						slog.Info("worker job finish", "message_id", job.MessageID, "status", "error",
							"duration", time.Since(start), "err", err)
						return
					}
					slog.Info("worker job finish", "message_id", job.MessageID, "status", "ok",
						"duration", time.Since(start))
				}()
				return processor.Process(ctx, job)
			}))
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("worker poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for poll loop")
	}
}
