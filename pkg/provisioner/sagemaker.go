package provisioner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

// Defaults used when the configuration does not name an image or artifact.
const (
	DefaultContainerImage = "763104351884.dkr.ecr.us-east-1.amazonaws.com/pytorch-inference:1.13.1-cpu-py39"
	DefaultModelDataURL   = "s3://sagemaker-sample-data/inference/model.tar.gz"
	DefaultRoleName       = "SageMakerExecutionRole"
	DefaultPollInterval   = 30 * time.Second
	DefaultDeleteTimeout  = 10 * time.Minute

	variantName = "AllTraffic"
)

// SageMakerAPI is the subset of the SageMaker client used here.
type SageMakerAPI interface {
	CreateModel(ctx context.Context, params *sagemaker.CreateModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateModelOutput, error)
	CreateEndpointConfig(ctx context.Context, params *sagemaker.CreateEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointConfigOutput, error)
	CreateEndpoint(ctx context.Context, params *sagemaker.CreateEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateEndpointOutput, error)
	DescribeEndpoint(ctx context.Context, params *sagemaker.DescribeEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error)
	DeleteEndpoint(ctx context.Context, params *sagemaker.DeleteEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointOutput, error)
	DeleteEndpointConfig(ctx context.Context, params *sagemaker.DeleteEndpointConfigInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteEndpointConfigOutput, error)
	DeleteModel(ctx context.Context, params *sagemaker.DeleteModelInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteModelOutput, error)
	ListEndpoints(ctx context.Context, params *sagemaker.ListEndpointsInput, optFns ...func(*sagemaker.Options)) (*sagemaker.ListEndpointsOutput, error)
}

// AlarmAPI is the subset of the CloudWatch client used for alarm checks.
type AlarmAPI interface {
	DescribeAlarms(ctx context.Context, params *cloudwatch.DescribeAlarmsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.DescribeAlarmsOutput, error)
}

// IdentityAPI is the subset of the STS client used to resolve the account.
type IdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// CallRecorder receives one measurement per cloud API call.
type CallRecorder interface {
	RecordProvisionCall(operation, status string, duration time.Duration)
}

// Options configures the SageMaker provisioner.
type Options struct {
	// DryRun simulates every call.
	DryRun bool

	// ExecutionRoleARN is used as-is when set. Otherwise the ARN is built
	// from the caller's account and ExecutionRoleName.
	ExecutionRoleARN  string
	ExecutionRoleName string

	ContainerImage string
	ModelDataURL   string

	PollInterval  time.Duration
	DeleteTimeout time.Duration

	Metrics CallRecorder
}

// SageMaker provisions real-time inference endpoints.
type SageMaker struct {
	sm     SageMakerAPI
	alarms AlarmAPI
	ident  IdentityAPI
	opts   Options
	logger zerolog.Logger

	roleMu  sync.Mutex
	roleARN string
}

var _ engine.Provisioner = (*SageMaker)(nil)

// New creates a provisioner. Clients may be nil in dry-run mode.
func New(sm SageMakerAPI, alarms AlarmAPI, ident IdentityAPI, opts Options, logger zerolog.Logger) *SageMaker {
	if opts.ExecutionRoleName == "" {
		opts.ExecutionRoleName = DefaultRoleName
	}
	if opts.ContainerImage == "" {
		opts.ContainerImage = DefaultContainerImage
	}
	if opts.ModelDataURL == "" {
		opts.ModelDataURL = DefaultModelDataURL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DeleteTimeout <= 0 {
		opts.DeleteTimeout = DefaultDeleteTimeout
	}

	p := &SageMaker{
		sm:      sm,
		alarms:  alarms,
		ident:   ident,
		opts:    opts,
		logger:  logger.With().Str("component", "provisioner").Logger(),
		roleARN: opts.ExecutionRoleARN,
	}
	if opts.DryRun {
		p.logger.Warn().Msg("Provisioner running in DRY-RUN mode, no resources will be created")
	}
	return p
}

// DryRun implements engine.Provisioner.
func (p *SageMaker) DryRun() bool {
	return p.opts.DryRun
}

// SanitizeModelName makes a model name acceptable to SageMaker, which does
// not allow dots.
func SanitizeModelName(name string) string {
	return strings.ReplaceAll(name, ".", "-")
}

// CreateModel registers the model. A model that already exists is reused.
func (p *SageMaker) CreateModel(ctx context.Context, cfg engine.DeploymentConfiguration) (string, error) {
	name := SanitizeModelName(cfg.ModelName)
	logger := p.logger.With().Str("model", name).Logger()

	if p.opts.DryRun {
		logger.Info().Str("image", p.opts.ContainerImage).Msg("[DRY-RUN] Would create model")
		return name, nil
	}

	role, err := p.executionRole(ctx)
	if err != nil {
		return "", err
	}

	err = p.call(ctx, "CreateModel", name, func(ctx context.Context) error {
		_, err := p.sm.CreateModel(ctx, &sagemaker.CreateModelInput{
			ModelName:        aws.String(name),
			ExecutionRoleArn: aws.String(role),
			PrimaryContainer: &types.ContainerDefinition{
				Image:        aws.String(p.opts.ContainerImage),
				ModelDataUrl: aws.String(p.opts.ModelDataURL),
			},
		})
		return err
	})
	if err != nil {
		return "", err
	}

	logger.Info().Msg("Model created")
	return name, nil
}

// CreateEndpointConfig creates "{endpoint}-config" with a single AllTraffic
// variant.
func (p *SageMaker) CreateEndpointConfig(ctx context.Context, cfg engine.DeploymentConfiguration, modelName string) (string, error) {
	name := cfg.EndpointConfigName()
	modelName = SanitizeModelName(modelName)
	logger := p.logger.With().Str("endpoint_config", name).Logger()

	if p.opts.DryRun {
		logger.Info().
			Str("instance_type", cfg.InstanceType).
			Int("instance_count", cfg.InstanceCount).
			Strs("rollback_alarms", cfg.RollbackAlarms).
			Msg("[DRY-RUN] Would create endpoint configuration")
		return name, nil
	}

	err := p.call(ctx, "CreateEndpointConfig", name, func(ctx context.Context) error {
		_, err := p.sm.CreateEndpointConfig(ctx, &sagemaker.CreateEndpointConfigInput{
			EndpointConfigName: aws.String(name),
			ProductionVariants: []types.ProductionVariant{{
				VariantName:          aws.String(variantName),
				ModelName:            aws.String(modelName),
				InitialInstanceCount: aws.Int32(int32(instanceCount(cfg))),
				InstanceType:         types.ProductionVariantInstanceType(cfg.InstanceType),
				InitialVariantWeight: aws.Float32(1.0),
			}},
		})
		return err
	})
	if err != nil {
		return "", err
	}

	logger.Info().Msg("Endpoint configuration created")
	return name, nil
}

// CreateEndpoint starts endpoint creation. Rollback alarms, when present,
// become the endpoint's automatic rollback configuration.
func (p *SageMaker) CreateEndpoint(ctx context.Context, cfg engine.DeploymentConfiguration, endpointConfigName string) (string, error) {
	name := cfg.EndpointName
	logger := p.logger.With().Str("endpoint", name).Logger()

	if p.opts.DryRun {
		logger.Info().Str("endpoint_config", endpointConfigName).Msg("[DRY-RUN] Would create endpoint")
		return name, nil
	}

	input := &sagemaker.CreateEndpointInput{
		EndpointName:       aws.String(name),
		EndpointConfigName: aws.String(endpointConfigName),
	}
	if len(cfg.RollbackAlarms) > 0 {
		alarms := make([]types.Alarm, 0, len(cfg.RollbackAlarms))
		for _, a := range cfg.RollbackAlarms {
			alarms = append(alarms, types.Alarm{AlarmName: aws.String(a)})
		}
		input.DeploymentConfig = &types.DeploymentConfig{
			AutoRollbackConfiguration: &types.AutoRollbackConfig{Alarms: alarms},
		}
	}

	err := p.call(ctx, "CreateEndpoint", name, func(ctx context.Context) error {
		_, err := p.sm.CreateEndpoint(ctx, input)
		return err
	})
	if err != nil {
		return "", err
	}

	logger.Info().Msg("Endpoint is being created")
	return name, nil
}

// WaitForReady polls the endpoint until it is InService or Failed.
func (p *SageMaker) WaitForReady(ctx context.Context, endpointName string) (engine.EndpointState, error) {
	if p.opts.DryRun {
		return engine.EndpointStateInService, nil
	}

	logger := p.logger.With().Str("endpoint", endpointName).Logger()
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		var out *sagemaker.DescribeEndpointOutput
		err := p.call(ctx, "DescribeEndpoint", endpointName, func(ctx context.Context) error {
			var err error
			out, err = p.sm.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{EndpointName: aws.String(endpointName)})
			return err
		})
		switch {
		case err != nil && !engine.IsThrottled(err):
			return engine.EndpointStateCreating, err
		case err == nil:
			switch out.EndpointStatus {
			case types.EndpointStatusInService:
				logger.Info().Msg("Endpoint is in service")
				return engine.EndpointStateInService, nil
			case types.EndpointStatusFailed, types.EndpointStatusOutOfService:
				logger.Error().Str("reason", aws.ToString(out.FailureReason)).Msg("Endpoint failed")
				return engine.EndpointStateFailed, nil
			default:
				logger.Debug().Str("status", string(out.EndpointStatus)).Msg("Waiting for endpoint")
			}
		}

		select {
		case <-ctx.Done():
			return engine.EndpointStateCreating, engine.NewTransientError("timed out waiting for endpoint", ctx.Err()).
				WithCode(engine.ErrCodeTimeout).
				WithResource(endpointName)
		case <-ticker.C:
		}
	}
}

// CheckAlarms returns the alarm names that do not exist in CloudWatch.
func (p *SageMaker) CheckAlarms(ctx context.Context, alarms []string) ([]string, error) {
	if p.opts.DryRun || len(alarms) == 0 {
		return nil, nil
	}

	found := make(map[string]bool, len(alarms))
	var next *string
	for {
		var out *cloudwatch.DescribeAlarmsOutput
		err := p.call(ctx, "DescribeAlarms", strings.Join(alarms, ","), func(ctx context.Context) error {
			var err error
			out, err = p.alarms.DescribeAlarms(ctx, &cloudwatch.DescribeAlarmsInput{
				AlarmNames: alarms,
				NextToken:  next,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, a := range out.MetricAlarms {
			found[aws.ToString(a.AlarmName)] = true
		}
		for _, a := range out.CompositeAlarms {
			found[aws.ToString(a.AlarmName)] = true
		}
		if out.NextToken == nil || aws.ToString(out.NextToken) == "" {
			break
		}
		next = out.NextToken
	}

	var missing []string
	for _, name := range alarms {
		if !found[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		p.logger.Warn().Strs("missing", missing).Msg("Rollback alarms not found")
	}
	return missing, nil
}

// InServiceEndpoints lists the names of every endpoint currently in
// service. Dry-run mode lists none.
func (p *SageMaker) InServiceEndpoints(ctx context.Context) ([]string, error) {
	if p.opts.DryRun {
		return nil, nil
	}

	var names []string
	var next *string
	for {
		var out *sagemaker.ListEndpointsOutput
		err := p.call(ctx, "ListEndpoints", "", func(ctx context.Context) error {
			var err error
			out, err = p.sm.ListEndpoints(ctx, &sagemaker.ListEndpointsInput{
				StatusEquals: types.EndpointStatusInService,
				MaxResults:   aws.Int32(100),
				NextToken:    next,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, ep := range out.Endpoints {
			names = append(names, aws.ToString(ep.EndpointName))
		}
		if aws.ToString(out.NextToken) == "" {
			return names, nil
		}
		next = out.NextToken
	}
}

// DeleteResources deletes the endpoint, its configuration and the model.
// Missing resources count as deleted. Failures are reported per resource.
func (p *SageMaker) DeleteResources(ctx context.Context, cfg engine.DeploymentConfiguration) (*engine.DeletionResult, error) {
	result := &engine.DeletionResult{Errors: []string{}}
	endpoint := cfg.EndpointName
	endpointConfig := cfg.EndpointConfigName()
	model := SanitizeModelName(cfg.ModelName)

	if p.opts.DryRun {
		p.logger.Info().
			Str("endpoint", endpoint).
			Str("endpoint_config", endpointConfig).
			Str("model", model).
			Msg("[DRY-RUN] Would delete resources")
		result.EndpointDeleted = true
		result.EndpointConfigDeleted = true
		result.ModelDeleted = true
		return result, nil
	}

	result.EndpointDeleted = p.deleteOne(ctx, result, "endpoint", endpoint, func(ctx context.Context) error {
		_, err := p.sm.DeleteEndpoint(ctx, &sagemaker.DeleteEndpointInput{EndpointName: aws.String(endpoint)})
		if err != nil {
			return err
		}
		return p.waitDeleted(ctx, endpoint)
	})
	result.EndpointConfigDeleted = p.deleteOne(ctx, result, "endpoint config", endpointConfig, func(ctx context.Context) error {
		_, err := p.sm.DeleteEndpointConfig(ctx, &sagemaker.DeleteEndpointConfigInput{EndpointConfigName: aws.String(endpointConfig)})
		return err
	})
	result.ModelDeleted = p.deleteOne(ctx, result, "model", model, func(ctx context.Context) error {
		_, err := p.sm.DeleteModel(ctx, &sagemaker.DeleteModelInput{ModelName: aws.String(model)})
		return err
	})

	return result, nil
}

func (p *SageMaker) deleteOne(ctx context.Context, result *engine.DeletionResult, kind, name string, fn func(context.Context) error) bool {
	start := time.Now()
	err := fn(ctx)
	p.record("Delete "+kind, err, start)

	switch {
	case err == nil:
		p.logger.Info().Str(strings.ReplaceAll(kind, " ", "_"), name).Msgf("Deleted %s", kind)
		return true
	case isNotFound(err):
		p.logger.Warn().Str(strings.ReplaceAll(kind, " ", "_"), name).Msgf("%s not found, may already be deleted", kind)
		return true
	default:
		msg := fmt.Sprintf("Failed to delete %s %s: %v", kind, name, err)
		p.logger.Error().Err(err).Msg(msg)
		result.Errors = append(result.Errors, msg)
		return false
	}
}

// waitDeleted polls until the endpoint is gone or the delete timeout passes.
func (p *SageMaker) waitDeleted(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.DeleteTimeout)
	defer cancel()

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		_, err := p.sm.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{EndpointName: aws.String(endpoint)})
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for endpoint deletion: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// executionRole resolves the role ARN once.
func (p *SageMaker) executionRole(ctx context.Context) (string, error) {
	p.roleMu.Lock()
	defer p.roleMu.Unlock()

	if p.roleARN != "" {
		return p.roleARN, nil
	}
	if p.ident == nil {
		return "", engine.NewPermanentError("execution role ARN is not configured", nil).WithCode(engine.ErrCodeValidation)
	}

	var out *sts.GetCallerIdentityOutput
	err := p.call(ctx, "GetCallerIdentity", "", func(ctx context.Context) error {
		var err error
		out, err = p.ident.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		return err
	})
	if err != nil {
		return "", err
	}

	p.roleARN = fmt.Sprintf("arn:aws:iam::%s:role/%s", aws.ToString(out.Account), p.opts.ExecutionRoleName)
	p.logger.Debug().Str("role_arn", p.roleARN).Msg("Resolved execution role")
	return p.roleARN, nil
}

// call runs one cloud API call, treats "already exists" as success, and
// classifies failures.
func (p *SageMaker) call(ctx context.Context, operation, resource string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	if err != nil && strings.HasPrefix(operation, "Create") && isAlreadyExists(err) {
		p.logger.Info().Str("operation", operation).Str("resource", resource).Msg("Resource already exists, reusing")
		err = nil
	}
	p.record(operation, err, start)
	return classify(operation, resource, err)
}

func (p *SageMaker) record(operation string, err error, start time.Time) {
	if p.opts.Metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	p.opts.Metrics.RecordProvisionCall(operation, status, time.Since(start))
}

func instanceCount(cfg engine.DeploymentConfiguration) int {
	if cfg.InstanceCount < 1 {
		return 1
	}
	return cfg.InstanceCount
}
