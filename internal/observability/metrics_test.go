package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	Acceptances.WithLabelValues("ok").Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "bidflow_acceptances_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected acceptance counter to be registered")
	}
}

func TestStartSpanWithoutTracing(t *testing.T) {
	if err := InitTracing(TracingConfig{Enabled: false}); err != nil {
		t.Fatalf("init: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "noop")
	defer span.End()
	if ctx == nil {
		t.Fatalf("expected context")
	}
	if err := ShutdownTracing(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
