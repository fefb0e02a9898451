package deploy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

type mockGuardrail struct {
	errors   []string
	approval bool
	calls    int
	lastCfg  engine.DeploymentConfiguration
}

func (m *mockGuardrail) Validate(ctx context.Context, cfg engine.DeploymentConfiguration, env engine.Environment, constraints engine.Constraints) engine.ValidationResult {
	m.calls++
	m.lastCfg = cfg
	return engine.ValidationResult{
		Valid:            len(m.errors) == 0,
		Errors:           m.errors,
		Warnings:         []string{},
		EstimatedCostUSD: 0.115,
	}
}

func (m *mockGuardrail) RequiresApproval(ctx context.Context, cfg engine.DeploymentConfiguration, env engine.Environment) bool {
	return m.approval
}

// mockExecutor completes every step unless told otherwise. With block set it
// signals started and waits for cancellation.
type mockExecutor struct {
	mu       sync.Mutex
	requests []engine.PlanRequest
	fail     bool
	block    bool
	started  chan struct{}
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{started: make(chan struct{}, 4)}
}

func (m *mockExecutor) ExecuteDeploymentPlan(ctx context.Context, req engine.PlanRequest) *engine.ExecutionPlan {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fail, block := m.fail, m.block
	m.mu.Unlock()

	plan := req.Plan.Clone()
	if plan == nil {
		plan = &engine.ExecutionPlan{
			PlanID: req.PlanID,
			Steps: []*engine.Step{
				{StepID: "executor-1", AgentType: engine.AgentExecutor, Action: "create_model", Status: engine.StepStatusThinking},
				{StepID: "executor-2", AgentType: engine.AgentExecutor, Action: "create_endpoint", Status: engine.StepStatusThinking},
			},
			CreatedAt:  time.Now().UTC(),
			MaxReplans: engine.DefaultMaxReplans,
		}
	}

	m.started <- struct{}{}
	if block {
		<-ctx.Done()
		return plan
	}

	for i, step := range plan.Steps {
		if step.Status == engine.StepStatusCompleted {
			continue
		}
		if fail && i == len(plan.Steps)-1 {
			step.Status = engine.StepStatusFailed
			step.Error = "endpoint status: Failed"
			continue
		}
		step.Status = engine.StepStatusCompleted
	}
	return plan
}

func (m *mockExecutor) setBlock(block bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = block
}

func (m *mockExecutor) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func (m *mockExecutor) request(i int) engine.PlanRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func (m *mockExecutor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type mockGenerator struct {
	cfg *engine.DeploymentConfiguration
	err error
}

func (m *mockGenerator) GenerateConfiguration(ctx context.Context, req engine.GenerationRequest) (*engine.DeploymentConfiguration, error) {
	return m.cfg, m.err
}

type mockRetriever struct {
	queries []string
	err     error
}

func (m *mockRetriever) Query(ctx context.Context, text string, topK int) ([]engine.Evidence, error) {
	m.queries = append(m.queries, text)
	if m.err != nil {
		return nil, m.err
	}
	return []engine.Evidence{{Title: "Staging policy", Snippet: "Use ml.m5.large in staging", Score: 0.9}}, nil
}

type rememberCall struct {
	agent    string
	event    string
	outcome  map[string]interface{}
	metadata map[string]interface{}
}

type mockMemory struct {
	mu        sync.Mutex
	remembers []rememberCall
	patterns  []string
	forgotten []string
	forgetN   int64
	forgetErr error
}

func (m *mockMemory) Recall(ctx context.Context, agent, query string, limit int) ([]engine.Experience, error) {
	return nil, nil
}

func (m *mockMemory) Remember(ctx context.Context, agent, event string, outcome, metadata map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remembers = append(m.remembers, rememberCall{agent, event, outcome, metadata})
	return nil
}

func (m *mockMemory) LearnPattern(ctx context.Context, agent, pattern, lesson string, successRate float64, examples int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = append(m.patterns, pattern)
	return nil
}

func (m *mockMemory) ForgetPlan(ctx context.Context, planID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, planID)
	return m.forgetN, m.forgetErr
}

type mockAudit struct {
	mu     sync.Mutex
	events []engine.AuditEvent
}

func (m *mockAudit) Record(ctx context.Context, event engine.AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockAudit) types() []engine.AuditEventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]engine.AuditEventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func (m *mockAudit) last(t engine.AuditEventType) *engine.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Type == t {
			e := m.events[i]
			return &e
		}
	}
	return nil
}

type mockProvisioner struct {
	deletes   int
	result    *engine.DeletionResult
	deleteErr error
}

func (m *mockProvisioner) CreateModel(ctx context.Context, cfg engine.DeploymentConfiguration) (string, error) {
	return cfg.ModelName, nil
}

func (m *mockProvisioner) CreateEndpointConfig(ctx context.Context, cfg engine.DeploymentConfiguration, modelName string) (string, error) {
	return cfg.EndpointConfigName(), nil
}

func (m *mockProvisioner) CreateEndpoint(ctx context.Context, cfg engine.DeploymentConfiguration, endpointConfigName string) (string, error) {
	return cfg.EndpointName, nil
}

func (m *mockProvisioner) WaitForReady(ctx context.Context, endpointName string) (engine.EndpointState, error) {
	return engine.EndpointStateInService, nil
}

func (m *mockProvisioner) CheckAlarms(ctx context.Context, alarms []string) ([]string, error) {
	return nil, nil
}

func (m *mockProvisioner) DeleteResources(ctx context.Context, cfg engine.DeploymentConfiguration) (*engine.DeletionResult, error) {
	m.deletes++
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	if m.result != nil {
		return m.result, nil
	}
	return &engine.DeletionResult{EndpointDeleted: true, EndpointConfigDeleted: true, ModelDeleted: true, Errors: []string{}}, nil
}

func (m *mockProvisioner) DryRun() bool { return false }

type mockMetrics struct {
	mu        sync.Mutex
	submitted map[string]int
	active    []int
}

func (m *mockMetrics) RecordPlanSubmitted(environment, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitted == nil {
		m.submitted = map[string]int{}
	}
	m.submitted[environment+":"+status]++
}

func (m *mockMetrics) SetActiveDeployments(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = append(m.active, count)
}

type mockEndpoints struct {
	names []string
	err   error
}

func (m *mockEndpoints) InServiceEndpoints(ctx context.Context) ([]string, error) {
	return m.names, m.err
}

var errGeneration = errors.New("llm endpoint unavailable")
