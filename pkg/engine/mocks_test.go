package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Mock provisioner for testing
type mockProvisioner struct {
	mu sync.Mutex

	// failModel makes the first failModel CreateModel calls fail.
	failModel     int
	modelCalls    int
	endpointState EndpointState
	missingAlarms []string
	panicOn       string
	dryRun        bool
	calls         []string
}

func newMockProvisioner() *mockProvisioner {
	return &mockProvisioner{endpointState: EndpointStateInService}
}

func (m *mockProvisioner) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	if m.panicOn == call {
		panic("provisioner exploded")
	}
}

func (m *mockProvisioner) CreateModel(ctx context.Context, cfg DeploymentConfiguration) (string, error) {
	m.record("create_model")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelCalls++
	if m.modelCalls <= m.failModel {
		return "", errors.New("boom")
	}
	return cfg.ModelName, nil
}

func (m *mockProvisioner) CreateEndpointConfig(ctx context.Context, cfg DeploymentConfiguration, modelName string) (string, error) {
	m.record("create_endpoint_config")
	return cfg.EndpointConfigName(), nil
}

func (m *mockProvisioner) CreateEndpoint(ctx context.Context, cfg DeploymentConfiguration, endpointConfigName string) (string, error) {
	m.record("create_endpoint")
	return cfg.EndpointName, nil
}

func (m *mockProvisioner) WaitForReady(ctx context.Context, endpointName string) (EndpointState, error) {
	m.record("wait_for_ready")
	return m.endpointState, nil
}

func (m *mockProvisioner) CheckAlarms(ctx context.Context, alarms []string) ([]string, error) {
	m.record("check_alarms")
	return m.missingAlarms, nil
}

func (m *mockProvisioner) DeleteResources(ctx context.Context, cfg DeploymentConfiguration) (*DeletionResult, error) {
	m.record("delete_resources")
	return &DeletionResult{EndpointDeleted: true, EndpointConfigDeleted: true, ModelDeleted: true}, nil
}

func (m *mockProvisioner) DryRun() bool {
	return m.dryRun
}

func (m *mockProvisioner) callCount(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == call {
			n++
		}
	}
	return n
}

// Mock validator for testing
type mockValidator struct {
	result ValidationResult
}

func (m *mockValidator) Validate(ctx context.Context, cfg DeploymentConfiguration, env Environment, constraints Constraints) ValidationResult {
	return m.result
}

// Mock memory for testing
type mockMemory struct {
	mu          sync.Mutex
	experiences []Experience
	recallErr   error
	recalls     int
}

func newMockMemory() *mockMemory {
	return &mockMemory{experiences: make([]Experience, 0)}
}

func (m *mockMemory) Recall(ctx context.Context, agent, query string, limit int) ([]Experience, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recalls++
	if m.recallErr != nil {
		return nil, m.recallErr
	}
	out := make([]Experience, 0)
	for i := len(m.experiences) - 1; i >= 0; i-- {
		exp := m.experiences[i]
		if exp.Agent != agent {
			continue
		}
		if !strings.Contains(strings.ToLower(exp.Event), strings.ToLower(query)) {
			continue
		}
		out = append(out, exp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockMemory) Remember(ctx context.Context, agent, event string, outcome, metadata map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.experiences = append(m.experiences, Experience{
		Agent:     agent,
		Event:     event,
		Outcome:   outcome,
		Metadata:  metadata,
		Timestamp: time.Now(),
	})
	return nil
}

func (m *mockMemory) find(agent, prefix string) []Experience {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Experience, 0)
	for _, exp := range m.experiences {
		if exp.Agent == agent && strings.HasPrefix(exp.Event, prefix) {
			out = append(out, exp)
		}
	}
	return out
}

// Mock step generator for testing
type mockGenerator struct {
	mu    sync.Mutex
	specs []StepSpec
	err   error
	calls int
}

func (m *mockGenerator) GenerateSteps(ctx context.Context, req GenerationRequest) ([]StepSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.specs, m.err
}

// Mock retriever for testing
type mockRetriever struct {
	mu      sync.Mutex
	queries []string
	results []Evidence
	err     error
}

func (m *mockRetriever) Query(ctx context.Context, text string, topK int) ([]Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, text)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.results) > topK {
		return m.results[:topK], nil
	}
	return m.results, nil
}

// Mock event publisher for testing
type mockEventPublisher struct {
	mu     sync.Mutex
	events []Event
}

func newMockEventPublisher() *mockEventPublisher {
	return &mockEventPublisher{events: make([]Event, 0)}
}

func (m *mockEventPublisher) Publish(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *mockEventPublisher) count(eventType EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func testConfig() DeploymentConfiguration {
	return DeploymentConfiguration{
		ModelName:        "llama-3.1-8b-dev",
		EndpointName:     "chatbot-x-dev",
		InstanceType:     "ml.m5.large",
		InstanceCount:    1,
		AutoscalingMin:   1,
		AutoscalingMax:   2,
		BudgetUSDPerHour: 15.0,
	}
}
