package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadEngineDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/bidflow")
	t.Setenv("AWS_REGION", "me-south-1")
	t.Setenv("INBOUND_QUEUE_URL", "http://localhost:4566/000000000000/inbound.fifo")
	t.Setenv("OUTBOUND_QUEUE_URL", "http://localhost:4566/000000000000/outbound.fifo")

	cfg := LoadEngine()
	if cfg.WaveSize != 5 || cfg.Wave2MinOffers != 3 {
		t.Fatalf("unexpected wave defaults: %+v", cfg)
	}
	if cfg.Wave2Delay != 5*time.Minute || cfg.TimeoutDelay != 10*time.Minute {
		t.Fatalf("unexpected wave timing: %v %v", cfg.Wave2Delay, cfg.TimeoutDelay)
	}
	if cfg.AggQuota != 3 || cfg.AggTimeout != 2*time.Minute || cfg.AggSweepInterval != 30*time.Second {
		t.Fatalf("unexpected aggregation defaults: %+v", cfg)
	}
	if cfg.NotifyStrategy != "wave" || cfg.StateBackend != "redis" {
		t.Fatalf("unexpected strategy defaults: %q %q", cfg.NotifyStrategy, cfg.StateBackend)
	}
	if len(cfg.CoveredCities) != 6 {
		t.Fatalf("expected 6 covered cities, got %v", cfg.CoveredCities)
	}
}

func TestLoadWorkerPanicsWithoutTwilio(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/bidflow")
	t.Setenv("AWS_REGION", "me-south-1")
	t.Setenv("OUTBOUND_QUEUE_URL", "q")
	t.Setenv("TWILIO_ACCOUNT_SID", "x")
	t.Setenv("TWILIO_AUTH_TOKEN", "x")
	os.Unsetenv("TWILIO_ACCOUNT_SID")
	os.Unsetenv("TWILIO_AUTH_TOKEN")

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on missing required config")
		}
	}()
	LoadWorker()
}
