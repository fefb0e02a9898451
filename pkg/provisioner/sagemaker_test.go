package provisioner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

type fakeSageMaker struct {
	mu sync.Mutex

	createModelErr    error
	createEndpointErr error
	deleteEndpointErr error
	deleteModelErr    error
	statuses          []types.EndpointStatus

	modelInput    *sagemaker.CreateModelInput
	configInput   *sagemaker.CreateEndpointConfigInput
	endpointInput *sagemaker.CreateEndpointInput
	describes     int
	deleted       bool
	endpointPages [][]string
	listInputs    []*sagemaker.ListEndpointsInput
}

func (f *fakeSageMaker) CreateModel(ctx context.Context, params *sagemaker.CreateModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateModelOutput, error) {
	f.modelInput = params
	return &sagemaker.CreateModelOutput{}, f.createModelErr
}

func (f *fakeSageMaker) CreateEndpointConfig(ctx context.Context, params *sagemaker.CreateEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointConfigOutput, error) {
	f.configInput = params
	return &sagemaker.CreateEndpointConfigOutput{}, nil
}

func (f *fakeSageMaker) CreateEndpoint(ctx context.Context, params *sagemaker.CreateEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointOutput, error) {
	f.endpointInput = params
	return &sagemaker.CreateEndpointOutput{}, f.createEndpointErr
}

func (f *fakeSageMaker) DescribeEndpoint(ctx context.Context, params *sagemaker.DescribeEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted {
		return nil, apiError("ValidationException", "Could not find endpoint")
	}
	status := types.EndpointStatusCreating
	if f.describes < len(f.statuses) {
		status = f.statuses[f.describes]
	}
	f.describes++
	return &sagemaker.DescribeEndpointOutput{EndpointStatus: status}, nil
}

func (f *fakeSageMaker) DeleteEndpoint(ctx context.Context, params *sagemaker.DeleteEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointOutput, error) {
	if f.deleteEndpointErr != nil {
		return nil, f.deleteEndpointErr
	}
	f.mu.Lock()
	f.deleted = true
	f.mu.Unlock()
	return &sagemaker.DeleteEndpointOutput{}, nil
}

func (f *fakeSageMaker) DeleteEndpointConfig(ctx context.Context, params *sagemaker.DeleteEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointConfigOutput, error) {
	return &sagemaker.DeleteEndpointConfigOutput{}, nil
}

func (f *fakeSageMaker) ListEndpoints(ctx context.Context, params *sagemaker.ListEndpointsInput, optFns ...func(*sagemaker.Options)) (*sagemaker.ListEndpointsOutput, error) {
	page := len(f.listInputs)
	f.listInputs = append(f.listInputs, params)
	out := &sagemaker.ListEndpointsOutput{}
	if page < len(f.endpointPages) {
		for _, name := range f.endpointPages[page] {
			out.Endpoints = append(out.Endpoints, types.EndpointSummary{EndpointName: aws.String(name)})
		}
	}
	if page+1 < len(f.endpointPages) {
		out.NextToken = aws.String(fmt.Sprintf("page-%d", page+1))
	}
	return out, nil
}

func (f *fakeSageMaker) DeleteModel(ctx context.Context, params *sagemaker.DeleteModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteModelOutput, error) {
	return &sagemaker.DeleteModelOutput{}, f.deleteModelErr
}

type fakeAlarms struct {
	pages [][]string
	calls int
}

func (f *fakeAlarms) DescribeAlarms(ctx context.Context, params *cloudwatch.DescribeAlarmsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.DescribeAlarmsOutput, error) {
	page := f.pages[f.calls]
	f.calls++
	out := &cloudwatch.DescribeAlarmsOutput{}
	for _, name := range page {
		out.MetricAlarms = append(out.MetricAlarms, cwtypes.MetricAlarm{AlarmName: aws.String(name)})
	}
	if f.calls < len(f.pages) {
		out.NextToken = aws.String("next")
	}
	return out, nil
}

type fakeIdentity struct {
	calls int
}

func (f *fakeIdentity) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	f.calls++
	return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012")}, nil
}

type callCounter struct {
	calls map[string]int
}

func (c *callCounter) RecordProvisionCall(operation, status string, duration time.Duration) {
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[operation+":"+status]++
}

func apiError(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

func testConfig() engine.DeploymentConfiguration {
	return engine.DeploymentConfiguration{
		ModelName:      "llama-3.1-8b",
		EndpointName:   "chatbot-x-prod",
		InstanceType:   "ml.g5.12xlarge",
		InstanceCount:  2,
		RollbackAlarms: []string{"latency-p99", "error-rate"},
	}
}

func newTestProvisioner(sm *fakeSageMaker, opts Options) (*SageMaker, *fakeIdentity) {
	ident := &fakeIdentity{}
	opts.PollInterval = time.Millisecond
	return New(sm, &fakeAlarms{pages: [][]string{{"latency-p99"}}}, ident, opts, zerolog.Nop()), ident
}

func TestCreateResources(t *testing.T) {
	sm := &fakeSageMaker{}
	p, ident := newTestProvisioner(sm, Options{})
	ctx := context.Background()
	cfg := testConfig()

	model, err := p.CreateModel(ctx, cfg)
	if err != nil {
		t.Fatalf("CreateModel failed: %v", err)
	}
	if model != "llama-3-1-8b" {
		t.Errorf("Expected sanitized model name, got %s", model)
	}
	if got := aws.ToString(sm.modelInput.ExecutionRoleArn); got != "arn:aws:iam::123456789012:role/SageMakerExecutionRole" {
		t.Errorf("Unexpected role ARN %s", got)
	}
	if got := aws.ToString(sm.modelInput.PrimaryContainer.Image); got != DefaultContainerImage {
		t.Errorf("Expected default image, got %s", got)
	}

	// The role is resolved once.
	p.CreateModel(ctx, cfg)
	if ident.calls != 1 {
		t.Errorf("Expected 1 identity lookup, got %d", ident.calls)
	}

	ecName, err := p.CreateEndpointConfig(ctx, cfg, cfg.ModelName)
	if err != nil {
		t.Fatalf("CreateEndpointConfig failed: %v", err)
	}
	if ecName != "chatbot-x-prod-config" {
		t.Errorf("Expected chatbot-x-prod-config, got %s", ecName)
	}
	v := sm.configInput.ProductionVariants[0]
	if aws.ToString(v.VariantName) != "AllTraffic" || aws.ToString(v.ModelName) != "llama-3-1-8b" {
		t.Errorf("Unexpected variant %s -> %s", aws.ToString(v.VariantName), aws.ToString(v.ModelName))
	}
	if aws.ToInt32(v.InitialInstanceCount) != 2 || aws.ToFloat32(v.InitialVariantWeight) != 1.0 {
		t.Errorf("Unexpected variant sizing %d/%v", aws.ToInt32(v.InitialInstanceCount), aws.ToFloat32(v.InitialVariantWeight))
	}

	if _, err := p.CreateEndpoint(ctx, cfg, ecName); err != nil {
		t.Fatalf("CreateEndpoint failed: %v", err)
	}
	rollback := sm.endpointInput.DeploymentConfig.AutoRollbackConfiguration
	if len(rollback.Alarms) != 2 || aws.ToString(rollback.Alarms[0].AlarmName) != "latency-p99" {
		t.Errorf("Expected rollback alarms on the endpoint, got %+v", rollback.Alarms)
	}
}

func TestCreateEndpointWithoutAlarms(t *testing.T) {
	sm := &fakeSageMaker{}
	p, _ := newTestProvisioner(sm, Options{ExecutionRoleARN: "arn:aws:iam::1:role/custom"})
	cfg := testConfig()
	cfg.RollbackAlarms = nil

	if _, err := p.CreateEndpoint(context.Background(), cfg, cfg.EndpointConfigName()); err != nil {
		t.Fatalf("CreateEndpoint failed: %v", err)
	}
	if sm.endpointInput.DeploymentConfig != nil {
		t.Error("Expected no deployment config without alarms")
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	sm := &fakeSageMaker{createModelErr: apiError("ValidationException", "Cannot create already existing model")}
	p, _ := newTestProvisioner(sm, Options{ExecutionRoleARN: "arn:aws:iam::1:role/custom"})

	if _, err := p.CreateModel(context.Background(), testConfig()); err != nil {
		t.Errorf("Expected existing model to be reused, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"throttled", apiError("ThrottlingException", "Rate exceeded"), engine.ErrCodeRateLimited, true},
		{"capacity", apiError("ResourceLimitExceeded", "Account limit"), engine.ErrCodeProviderFailed, true},
		{"denied", apiError("AccessDeniedException", "no"), engine.ErrCodePermissionDenied, false},
		{"validation", apiError("ValidationException", "bad instance type"), engine.ErrCodeValidation, false},
		{"server fault", &smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultServer}, engine.ErrCodeProviderFailed, true},
		{"timeout", context.DeadlineExceeded, engine.ErrCodeTimeout, true},
		{"plain", errors.New("boom"), engine.ErrCodeProviderFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := &fakeSageMaker{createEndpointErr: tt.err}
			p, _ := newTestProvisioner(sm, Options{})
			cfg := testConfig()

			_, err := p.CreateEndpoint(context.Background(), cfg, cfg.EndpointConfigName())
			if err == nil {
				t.Fatal("Expected error")
			}
			if got := engine.ErrorCode(err); got != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, got)
			}
			if got := engine.IsRetryable(err); got != tt.retryable {
				t.Errorf("Expected retryable=%v, got %v", tt.retryable, got)
			}
		})
	}
}

func TestWaitForReady(t *testing.T) {
	tests := []struct {
		name     string
		statuses []types.EndpointStatus
		want     engine.EndpointState
	}{
		{"in service", []types.EndpointStatus{types.EndpointStatusCreating, types.EndpointStatusInService}, engine.EndpointStateInService},
		{"failed", []types.EndpointStatus{types.EndpointStatusCreating, types.EndpointStatusFailed}, engine.EndpointStateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := &fakeSageMaker{statuses: tt.statuses}
			p, _ := newTestProvisioner(sm, Options{})

			got, err := p.WaitForReady(context.Background(), "chatbot-x-prod")
			if err != nil {
				t.Fatalf("WaitForReady failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
			if sm.describes != 2 {
				t.Errorf("Expected 2 polls, got %d", sm.describes)
			}
		})
	}
}

func TestWaitForReadyTimeout(t *testing.T) {
	p, _ := newTestProvisioner(&fakeSageMaker{}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	state, err := p.WaitForReady(ctx, "chatbot-x-prod")
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if state != engine.EndpointStateCreating {
		t.Errorf("Expected Creating, got %s", state)
	}
	if engine.ErrorCode(err) != engine.ErrCodeTimeout {
		t.Errorf("Expected TIMEOUT, got %s", engine.ErrorCode(err))
	}
}

func TestCheckAlarms(t *testing.T) {
	alarms := &fakeAlarms{pages: [][]string{{"latency-p99"}, {"cpu-high"}}}
	p := New(&fakeSageMaker{}, alarms, &fakeIdentity{}, Options{}, zerolog.Nop())

	missing, err := p.CheckAlarms(context.Background(), []string{"latency-p99", "error-rate", "cpu-high"})
	if err != nil {
		t.Fatalf("CheckAlarms failed: %v", err)
	}
	if len(missing) != 1 || missing[0] != "error-rate" {
		t.Errorf("Expected [error-rate] missing, got %v", missing)
	}
	if alarms.calls != 2 {
		t.Errorf("Expected both pages read, got %d calls", alarms.calls)
	}
}

func TestInServiceEndpoints(t *testing.T) {
	sm := &fakeSageMaker{endpointPages: [][]string{{"chatbot-x-prod", "search-prod"}, {"legacy"}}}
	p, _ := newTestProvisioner(sm, Options{})

	names, err := p.InServiceEndpoints(context.Background())
	if err != nil {
		t.Fatalf("InServiceEndpoints failed: %v", err)
	}
	if len(names) != 3 || names[2] != "legacy" {
		t.Errorf("Expected 3 endpoints across pages, got %v", names)
	}
	if len(sm.listInputs) != 2 {
		t.Fatalf("Expected 2 list calls, got %d", len(sm.listInputs))
	}
	if sm.listInputs[0].StatusEquals != types.EndpointStatusInService {
		t.Errorf("Expected InService filter, got %s", sm.listInputs[0].StatusEquals)
	}
	if aws.ToString(sm.listInputs[1].NextToken) != "page-1" {
		t.Errorf("Expected second call to pass the token, got %q", aws.ToString(sm.listInputs[1].NextToken))
	}
}

func TestDeleteResources(t *testing.T) {
	sm := &fakeSageMaker{deleteModelErr: apiError("InternalFailure", "oops")}
	metrics := &callCounter{}
	p, _ := newTestProvisioner(sm, Options{Metrics: metrics})

	result, err := p.DeleteResources(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("DeleteResources failed: %v", err)
	}
	if !result.EndpointDeleted || !result.EndpointConfigDeleted {
		t.Errorf("Expected endpoint and config deleted, got %+v", result)
	}
	if result.ModelDeleted {
		t.Error("Expected model deletion to fail")
	}
	if len(result.Errors) != 1 {
		t.Errorf("Expected 1 error, got %v", result.Errors)
	}
	if metrics.calls["Delete model:error"] != 1 {
		t.Errorf("Expected failed model delete to be recorded, got %v", metrics.calls)
	}
}

func TestDeleteMissingResources(t *testing.T) {
	sm := &fakeSageMaker{deleteEndpointErr: apiError("ValidationException", "Could not find endpoint \"chatbot-x-prod\"")}
	p, _ := newTestProvisioner(sm, Options{})

	result, _ := p.DeleteResources(context.Background(), testConfig())
	if !result.EndpointDeleted || len(result.Errors) != 0 {
		t.Errorf("Expected missing endpoint to count as deleted, got %+v", result)
	}
}

func TestDryRun(t *testing.T) {
	p := New(nil, nil, nil, Options{DryRun: true}, zerolog.Nop())
	ctx := context.Background()
	cfg := testConfig()

	if !p.DryRun() {
		t.Fatal("Expected dry-run mode")
	}
	model, err := p.CreateModel(ctx, cfg)
	if err != nil || model != "llama-3-1-8b" {
		t.Errorf("Expected simulated model name, got %s (err=%v)", model, err)
	}
	if state, _ := p.WaitForReady(ctx, cfg.EndpointName); state != engine.EndpointStateInService {
		t.Errorf("Expected InService in dry-run, got %s", state)
	}
	if missing, _ := p.CheckAlarms(ctx, cfg.RollbackAlarms); len(missing) != 0 {
		t.Errorf("Expected no missing alarms in dry-run, got %v", missing)
	}
	result, _ := p.DeleteResources(ctx, cfg)
	if !result.EndpointDeleted || !result.ModelDeleted {
		t.Errorf("Expected simulated deletion, got %+v", result)
	}
	if names, err := p.InServiceEndpoints(ctx); err != nil || len(names) != 0 {
		t.Errorf("Expected no endpoints in dry-run, got %v (err=%v)", names, err)
	}
}
