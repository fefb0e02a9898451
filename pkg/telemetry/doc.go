// Package telemetry provides logging, tracing, metrics and an event bus for
// the deployment engine.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Library packages take a zerolog.Logger; hand them a component logger:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator").Zerolog()
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder, the guardrail's validation
// recorder and the provisioner's call recorder:
//
//	orch := engine.NewOrchestrator(planner, executor, monitor, engine.OrchestratorOptions{
//	    Metrics: tel.Metrics,
//	    Events:  tel.Events,
//	    Tracer:  tel.Tracer.Tracer(),
//	})
//
// Serve exposes them over HTTP until the context ends:
//
//	go tel.Metrics.Serve(ctx, logger)
//
// # Events
//
// EventPublisher implements engine.EventPublisher. Subscribers receive
// plan and step events in publish order:
//
//	unsubscribe := tel.Events.Subscribe(func(e engine.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByPlanID(planID))
//	defer unsubscribe()
//
// # Tracing
//
// Exporters: otlp (gRPC), stdout, none. Tracing is off by default.
package telemetry
