package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"production needs endpoint", func(c *Config) { *c = *ProductionConfig() }, true},
		{"production with endpoint", func(c *Config) {
			*c = *ProductionConfig()
			c.Tracing.Endpoint = "collector:4317"
		}, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"no metrics address", func(c *Config) { c.Metrics.ListenAddress = "" }, true},
		{"no buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("Expected %v for %q, got %v", want, in, got)
		}
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.NewComponentLogger("orchestrator").WithPlanID("plan-1").WithStep("step-2", "create_model").Info("Step completed")
	logger.Debug("hidden")

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("Expected one JSON line, got %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{
		"component": "orchestrator",
		"plan_id":   "plan-1",
		"step_id":   "step-2",
		"action":    "create_model",
		"message":   "Step completed",
	} {
		if entry[key] != want {
			t.Errorf("Expected %s=%s, got %v", key, want, entry[key])
		}
	}
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordStepExecution("create_model", "completed", time.Second)
	m.RecordStepExecution("create_model", "completed", time.Second)
	m.RecordStepExecution("create_model", "failed", time.Second)
	m.RecordValidation("prod", false, time.Millisecond)
	m.RecordProvisionCall("CreateEndpoint", "error", time.Millisecond)
	m.RecordPlanSubmitted("dev", "deploying")
	m.SetActiveDeployments(3)

	if got := testutil.ToFloat64(m.stepsExecuted.WithLabelValues("create_model", "completed")); got != 2 {
		t.Errorf("Expected 2 completed steps, got %v", got)
	}
	if got := testutil.ToFloat64(m.validations.WithLabelValues("prod", "invalid")); got != 1 {
		t.Errorf("Expected 1 invalid validation, got %v", got)
	}
	if got := testutil.ToFloat64(m.provisionCalls.WithLabelValues("CreateEndpoint", "error")); got != 1 {
		t.Errorf("Expected 1 failed provision call, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeDeployments); got != 3 {
		t.Errorf("Expected 3 active deployments, got %v", got)
	}
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, _ := NewMetrics(MetricsConfig{})
	m.RecordStepExecution("create_model", "completed", time.Second)
	m.RecordStepRetry("create_model")
	m.RecordReplan("dev")
	m.RecordPlanCompleted("completed", time.Second)
	m.RecordValidation("dev", true, time.Second)
	m.RecordProvisionCall("CreateModel", "success", time.Second)
	m.SetActiveDeployments(1)

	if m.Registry() != nil {
		t.Error("Expected no registry when disabled")
	}
	if err := m.Serve(context.Background(), FromContext(context.Background()).Zerolog()); err != nil {
		t.Errorf("Expected disabled Serve to return nil, got %v", err)
	}
}

func TestEventPublisherAsync(t *testing.T) {
	bus, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, MaxBatchSize: 4, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	var got []string
	bus.Subscribe(func(e engine.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Message)
	}, FilterByLevel(EventLevelWarning))

	ctx := context.Background()
	bus.Publish(ctx, &engine.Event{Message: "info", Level: EventLevelInfo})
	bus.Publish(ctx, &engine.Event{Message: "retrying", Level: EventLevelWarning})
	bus.Publish(ctx, &engine.Event{Message: "failed", Level: EventLevelError})

	if err := bus.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "retrying" || got[1] != "failed" {
		t.Errorf("Expected [retrying failed], got %v", got)
	}
}

func TestEventPublisherFiltersAndUnsubscribe(t *testing.T) {
	bus, _ := NewEventPublisher(EventsConfig{Enabled: true})
	bus.AddFilter(FilterByType(engine.EventTypeStepFailed, engine.EventTypePlanFailed))

	count := 0
	unsubscribe := bus.Subscribe(func(e engine.Event) {
		count++
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Error("Expected ID and timestamp to be filled in")
		}
	}, nil)

	ctx := context.Background()
	bus.Publish(ctx, &engine.Event{Type: engine.EventTypeStepCompleted})
	bus.Publish(ctx, &engine.Event{Type: engine.EventTypeStepFailed})
	unsubscribe()
	bus.Publish(ctx, &engine.Event{Type: engine.EventTypePlanFailed})

	if count != 1 {
		t.Errorf("Expected 1 delivery, got %d", count)
	}
}

func TestEventBufferFull(t *testing.T) {
	bus := &EventPublisher{
		config: EventsConfig{Enabled: true, EnableAsync: true},
		buffer: make(chan engine.Event, 1),
		ctx:    context.Background(),
	}

	ctx := context.Background()
	if err := bus.Publish(ctx, &engine.Event{}); err != nil {
		t.Fatalf("Expected first publish to be buffered, got %v", err)
	}
	if err := bus.Publish(ctx, &engine.Event{}); err == nil {
		t.Error("Expected full buffer to drop the event")
	}
}

func TestTracerSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tracer := NewTracerWithExporter("sagepilot", exporter)
	tel := &Telemetry{
		Logger: FromContext(context.Background()),
		Tracer: tracer,
	}

	ctx := tel.WithContext(context.Background())
	op := StartOperation(ctx, "deploy.submit", AttrPlanID.String("plan-1"))
	if TraceID(op.Ctx) == "" {
		t.Error("Expected a trace id in the operation context")
	}
	op.End(errors.New("validation failed"))

	_, span := tracer.StartSpan(ctx, "deploy.approve", AttrPlanID.String("plan-1"))
	RecordSuccess(span)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name != "deploy.submit" || spans[0].Status.Code != codes.Error {
		t.Errorf("Expected failed deploy.submit span, got %s %v", spans[0].Name, spans[0].Status.Code)
	}
	if spans[1].Name != "deploy.approve" || spans[1].Status.Code != codes.Ok {
		t.Errorf("Expected ok deploy.approve span, got %s %v", spans[1].Name, spans[1].Status.Code)
	}
}
