package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxPlanningIterations caps the number of reasoning iterations
// recorded while planning.
const DefaultMaxPlanningIterations = 5

const plannerAgent = "planner"

// PlanningRequest is the input to Planner.CreatePlan.
type PlanningRequest struct {
	PlanID      string
	Intent      string
	Environment Environment
	Evidence    []Evidence
	Constraints Constraints
}

// PlannerOptions configures a Planner.
type PlannerOptions struct {
	// MaxIterations caps the reasoning iterations. Defaults to 5.
	MaxIterations int

	// MaxReplans is stored on every generated plan. Defaults to 3.
	MaxReplans int

	// MaxStepReasoning caps reasoning entries per step.
	MaxStepReasoning int

	// MaxPlanReasoning caps reasoning entries per plan.
	MaxPlanReasoning int
}

// Planner turns an intent into an ordered execution plan.
type Planner struct {
	generator StepGenerator
	memory    ExperienceMemory
	logger    zerolog.Logger
	opts      PlannerOptions
}

// NewPlanner creates a planner. Both collaborators are optional: without a
// generator the default pipeline is used, without memory no past
// experiences are consulted.
func NewPlanner(generator StepGenerator, memory ExperienceMemory, logger zerolog.Logger, opts PlannerOptions) *Planner {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxPlanningIterations
	}
	if opts.MaxReplans <= 0 {
		opts.MaxReplans = DefaultMaxReplans
	}
	if opts.MaxStepReasoning <= 0 {
		opts.MaxStepReasoning = DefaultMaxStepReasoning
	}
	if opts.MaxPlanReasoning <= 0 {
		opts.MaxPlanReasoning = DefaultMaxPlanReasoning
	}
	return &Planner{
		generator: generator,
		memory:    memory,
		logger:    logger.With().Str("component", "planner").Logger(),
		opts:      opts,
	}
}

// DefaultSteps is the pipeline used when generation is unavailable.
func DefaultSteps() []StepSpec {
	return []StepSpec{
		{AgentType: "retriever", Action: "retrieve_policies", Description: "Retrieve relevant deployment policies from knowledge base"},
		{AgentType: "planner", Action: "generate_config", Description: "Generate SageMaker deployment configuration from intent and policies"},
		{AgentType: "executor", Action: "validate_plan", Description: "Validate deployment plan against guardrails and constraints"},
		{AgentType: "executor", Action: "create_model", Description: "Create SageMaker model artifact"},
		{AgentType: "executor", Action: "create_endpoint_config", Description: "Create SageMaker endpoint configuration with monitoring"},
		{AgentType: "executor", Action: "create_endpoint", Description: "Create and deploy SageMaker endpoint"},
		{AgentType: "monitor", Action: "configure_monitoring", Description: "Configure Model Monitor and rollback alarms"},
		{AgentType: "monitor", Action: "verify_deployment", Description: "Verify deployment success and perform health checks"},
	}
}

// planningSession tracks one CreatePlan call's iteration budget.
type planningSession struct {
	trace      *ReasoningTrace
	iterations int
	max        int
}

// record adds a reasoning step if the iteration budget allows it.
func (s *planningSession) record(step ReasoningStep) bool {
	if s.iterations >= s.max {
		return false
	}
	s.iterations++
	s.trace.Add(step)
	return true
}

// CreatePlan always returns a plan. Generation failures fall back to the
// default pipeline and memory failures are treated as having no history.
func (p *Planner) CreatePlan(ctx context.Context, req PlanningRequest) *ExecutionPlan {
	logger := p.logger.With().Str("plan_id", req.PlanID).Logger()

	session := &planningSession{
		trace: NewReasoningTrace(plannerAgent,
			fmt.Sprintf("Planning deployment: %s for %s environment", req.Intent, req.Environment),
			p.opts.MaxPlanReasoning),
		max: p.opts.MaxIterations,
	}

	// Recall
	experiences := p.recall(ctx, req, logger)
	if len(experiences) > 0 {
		session.record(ReasoningStep{
			Thought:    "Checking past similar deployments",
			Reasoning:  fmt.Sprintf("Found %d similar past experiences. Learning from outcomes.", len(experiences)),
			Confidence: 0.8,
			Evidence:   experienceEvents(experiences, 2),
			Decision:   "Use insights from past deployments",
		})
	}

	// Reason
	p.reason(session, req, experiences)

	// Generate
	specs := p.generate(ctx, session, req, logger)

	// Self-check
	missing := p.selfCheck(session, specs)
	if len(missing) > 0 {
		logger.Warn().Strs("missing_actions", missing).Msg("Generated plan is missing required actions")
	}

	steps := p.buildSteps(req, specs)

	session.trace.Conclude(
		fmt.Sprintf("Created execution plan with %d steps for %s", len(steps), req.Intent), 0.85)

	plan := &ExecutionPlan{
		PlanID:     req.PlanID,
		Steps:      steps,
		CreatedAt:  time.Now().UTC(),
		Reasoning:  session.trace,
		MaxReplans: p.opts.MaxReplans,
	}

	p.remember(ctx, req, len(steps), logger)

	logger.Info().Int("steps", len(steps)).Int("iterations", session.iterations).Msg("Execution plan created")
	return plan
}

// MissingActions returns the required actions absent from a plan.
func MissingActions(plan *ExecutionPlan) []string {
	specs := make([]StepSpec, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		specs = append(specs, StepSpec{AgentType: string(s.AgentType), Action: s.Action})
	}
	return missingActions(specs)
}

func missingActions(specs []StepSpec) []string {
	missing := make([]string, 0)
	for _, required := range RequiredActions {
		name := required.String()
		found := false
		for _, spec := range specs {
			if strings.Contains(strings.ToLower(spec.Action), name) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, name)
		}
	}
	return missing
}

func (p *Planner) recall(ctx context.Context, req PlanningRequest, logger zerolog.Logger) []Experience {
	if p.memory == nil {
		return nil
	}
	experiences, err := p.memory.Recall(ctx, plannerAgent, req.Intent, 3)
	if err != nil {
		logger.Warn().Err(err).Msg("Memory recall failed, planning without history")
		return nil
	}
	return experiences
}

func (p *Planner) reason(session *planningSession, req PlanningRequest, experiences []Experience) {
	titles := make([]string, 0, 3)
	for i, ev := range req.Evidence {
		if i >= 3 {
			break
		}
		titles = append(titles, ev.Title)
	}

	session.record(ReasoningStep{
		Thought: "Analyzing deployment requirements",
		Reasoning: fmt.Sprintf("Need to plan deployment for '%s' in %s environment. Have %d policy documents.",
			req.Intent, req.Environment, len(req.Evidence)),
		Confidence: 0.9,
		Alternatives: []string{
			"Simple sequential plan",
			"Parallel execution where possible",
			"Conservative step-by-step approach",
		},
		Evidence: titles,
		Decision: "Use structured sequential plan with validation checkpoints",
	})

	if len(experiences) == 0 {
		return
	}
	lessons := make([]string, 0, len(experiences))
	for _, exp := range experiences {
		if exp.Succeeded() {
			lessons = append(lessons, "Success pattern: "+exp.Event)
		} else {
			lessons = append(lessons, "Failed pattern to avoid: "+exp.Event)
		}
	}
	if len(lessons) > 2 {
		lessons = lessons[:2]
	}
	session.record(ReasoningStep{
		Thought:    "Applying lessons from past deployments",
		Reasoning:  fmt.Sprintf("Learned from %d past experiences", len(experiences)),
		Confidence: 0.75,
		Evidence:   lessons,
		Decision:   "Adjust plan based on historical patterns",
	})
}

func (p *Planner) generate(ctx context.Context, session *planningSession, req PlanningRequest, logger zerolog.Logger) []StepSpec {
	specs := DefaultSteps()
	source := "default pipeline"

	if p.generator != nil {
		generated, err := p.generator.GenerateSteps(ctx, GenerationRequest{
			Intent:      req.Intent,
			Environment: req.Environment,
			Evidence:    req.Evidence,
			Constraints: req.Constraints,
		})
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Step generation failed, using default plan")
		case len(generated) == 0:
			logger.Warn().Msg("Step generation returned no steps, using default plan")
		default:
			specs = generated
			source = "generated"
		}
	}

	session.record(ReasoningStep{
		Thought:    "Generating execution plan steps",
		Reasoning:  fmt.Sprintf("Produced %d steps from the %s", len(specs), source),
		Confidence: 0.85,
		Decision:   "Generate structured sequential plan",
	})
	return specs
}

func (p *Planner) selfCheck(session *planningSession, specs []StepSpec) []string {
	missing := missingActions(specs)

	step := ReasoningStep{
		Thought:    "Validating generated plan",
		Reasoning:  fmt.Sprintf("Checked %d steps for required actions", len(specs)),
		Confidence: 0.9,
		Decision:   "Plan validated",
	}
	if len(missing) > 0 {
		step.Confidence = 0.6
		step.Decision = fmt.Sprintf("Plan missing: [%s]", strings.Join(missing, ", "))
	}
	session.record(step)
	return missing
}

func (p *Planner) buildSteps(req PlanningRequest, specs []StepSpec) []*Step {
	snippets := make([]string, 0, 2)
	for i, ev := range req.Evidence {
		if i >= 2 {
			break
		}
		snippets = append(snippets, truncate(ev.Snippet, 100))
	}

	now := time.Now().UTC()
	steps := make([]*Step, 0, len(specs))
	for idx, spec := range specs {
		action := spec.Action
		if action == "" {
			action = actionFromDescription(spec.Description)
		}

		trace := NewReasoningTrace(plannerAgent, fmt.Sprintf("Step %d: %s", idx+1, action), p.opts.MaxStepReasoning)
		trace.Add(ReasoningStep{
			Thought:    fmt.Sprintf("Planning step %d: %s", idx+1, action),
			Reasoning:  spec.Description,
			Confidence: 0.85,
			Evidence:   snippets,
			Decision:   action,
		})

		steps = append(steps, &Step{
			StepID:    fmt.Sprintf("%s-step-%d", req.PlanID, idx+1),
			AgentType: ParseAgentRole(spec.AgentType),
			Action:    action,
			Status:    StepStatusThinking,
			Input: map[string]interface{}{
				"intent":     req.Intent,
				"env":        string(req.Environment),
				"step_index": idx,
			},
			Output:    map[string]interface{}{},
			Timestamp: now,
			Reasoning: trace,
		})
	}
	return steps
}

func (p *Planner) remember(ctx context.Context, req PlanningRequest, stepCount int, logger zerolog.Logger) {
	if p.memory == nil {
		return
	}
	err := p.memory.Remember(ctx, plannerAgent,
		"Planned deployment: "+req.Intent,
		map[string]interface{}{
			"steps_count": stepCount,
			"env":         string(req.Environment),
			"success":     true,
			"plan_id":     req.PlanID,
		},
		map[string]interface{}{
			"intent":  req.Intent,
			"env":     string(req.Environment),
			"plan_id": req.PlanID,
		})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to record planning episode")
	}
}

func experienceEvents(experiences []Experience, n int) []string {
	events := make([]string, 0, n)
	for i, exp := range experiences {
		if i >= n {
			break
		}
		events = append(events, exp.Event)
	}
	return events
}
