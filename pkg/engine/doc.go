// Package engine provides the plan execution engine for SagePilot.
//
// # Overview
//
// SagePilot turns a natural-language deployment intent into a running
// inference endpoint. The engine owns a deployment's progress through a
// fixed sequence of phases:
//
//  1. Plan - Decompose the intent into ordered steps (Planner)
//  2. Execute - Run each step against the provisioning API (StepExecutor)
//  3. Recover - Retry failed steps or regenerate the plan (Monitor, replanning)
//  4. Assess - Compute the overall plan status (Monitor)
//
// Validation of the deployment configuration happens before the plan is
// handed to the engine and again inside the plan's validate_plan step.
//
// # Core Domain Types
//
//   - DeploymentConfiguration: The target endpoint shape and hourly budget
//   - Step: One unit of planned work with its own lifecycle
//   - ExecutionPlan: The ordered steps for one deployment request
//   - ValidationResult: A guardrail verdict with errors and warnings
//   - ReasoningTrace: An optional, bounded explanation of planning decisions
//   - DeploymentPlan: The lifecycle record wrapping an execution plan
//
// # Collaborators
//
// Everything outside the state machine is reached through small interfaces:
//
//   - Provisioner: Creates and deletes models, endpoint configs and endpoints
//   - StepGenerator: Generates step specs from intent and evidence
//   - EvidenceRetriever: Returns supporting documents for a query
//   - ExperienceMemory: Recalls and records past episodes
//   - PlanRepository: Stores deployment plans
//   - AuditSink: Receives fire-and-forget audit notifications
//
// A failing collaborator never aborts a plan. Each call site converts the
// failure into a degraded behavior or a failed step.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Resource conflicts requiring retry
//   - Permanent: Non-recoverable errors
//
//	if IsRetryable(err) {
//	    // Retry the operation
//	}
//
// # Example Usage
//
//	planner := engine.NewPlanner(generator, memory, logger, engine.PlannerOptions{})
//	executor := engine.NewStepExecutor(validator, provisioner, logger, engine.ExecutorOptions{})
//	monitor := engine.NewMonitor(engine.DefaultMaxRetries, engine.DefaultRetryDelay)
//	orch := engine.NewOrchestrator(planner, executor, monitor, engine.OrchestratorOptions{
//	    Retriever: retriever,
//	    Memory:    memory,
//	})
//
//	plan := orch.ExecuteDeploymentPlan(ctx, engine.PlanRequest{
//	    PlanID:      planID,
//	    Intent:      "deploy llama-3.1 8B for chatbot-x",
//	    Environment: engine.EnvironmentDev,
//	    Config:      cfg,
//	})
//
// # Thread Safety
//
// A plan is driven by exactly one worker at a time (see WorkerPool). The
// Planner, StepExecutor, Monitor and Orchestrator hold no per-plan state and
// are safe for concurrent use across plans.
package engine
