package telemetry_test

import (
	"context"
	"fmt"

	"github.com/sagepilot/sagepilot/pkg/engine"
	"github.com/sagepilot/sagepilot/pkg/telemetry"
)

// Example_eventBus follows one plan's events.
func Example_eventBus() {
	bus, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	defer bus.Shutdown(context.Background())

	bus.Subscribe(func(e engine.Event) {
		fmt.Println(e.Type, e.Message)
	}, telemetry.FilterByPlanID("plan-1"))

	ctx := context.Background()
	bus.Publish(ctx, &engine.Event{Type: engine.EventTypeStepCompleted, PlanID: "plan-1", Message: "Model created"})
	bus.Publish(ctx, &engine.Event{Type: engine.EventTypeStepCompleted, PlanID: "plan-2", Message: "Other plan"})
	bus.Publish(ctx, &engine.Event{Type: engine.EventTypePlanCompleted, PlanID: "plan-1", Message: "Plan completed"})

	// Output:
	// step.completed Model created
	// plan.completed Plan completed
}

// Example_metrics records engine measurements.
func Example_metrics() {
	cfg := telemetry.DefaultConfig()
	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		panic(err)
	}

	var recorder engine.MetricsRecorder = metrics
	recorder.RecordStepRetry("create_endpoint")
	recorder.RecordReplan("prod")

	families, _ := metrics.Registry().Gather()
	for _, f := range families {
		if f.GetName() == "sagepilot_step_retries_total" {
			fmt.Println(f.GetName(), f.GetMetric()[0].GetCounter().GetValue())
		}
	}

	// Output:
	// sagepilot_step_retries_total 1
}
