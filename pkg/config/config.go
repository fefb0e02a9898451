package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/sagepilot/sagepilot/pkg/engine"
	"github.com/sagepilot/sagepilot/pkg/guardrail"
	"github.com/sagepilot/sagepilot/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. SAGEPILOT_ENGINE_WORKERS.
const EnvPrefix = "SAGEPILOT"

// DefaultConfigName is the file searched for when no path is given.
const DefaultConfigName = "sagepilot"

// Config is the complete runtime configuration.
type Config struct {
	AWS        AWSConfig        `mapstructure:"aws"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Guardrail  GuardrailConfig  `mapstructure:"guardrail"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Store      StoreConfig      `mapstructure:"store"`
	Retriever  RetrieverConfig  `mapstructure:"retriever"`
	Generation GenerationConfig `mapstructure:"generation"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Telemetry  telemetry.Config `mapstructure:"telemetry"`
}

// AWSConfig configures the cloud clients and provisioning.
type AWSConfig struct {
	Region  string `mapstructure:"region" validate:"required"`
	Profile string `mapstructure:"profile"`

	// ExecutionRoleARN is used as-is when set; otherwise the ARN is built
	// from the caller's account and ExecutionRoleName.
	ExecutionRoleARN  string `mapstructure:"execution_role_arn" validate:"omitempty,startswith=arn:"`
	ExecutionRoleName string `mapstructure:"execution_role_name" validate:"required"`

	ContainerImage string `mapstructure:"container_image"`
	ModelDataURL   string `mapstructure:"model_data_url" validate:"omitempty,startswith=s3://"`

	// Execute turns off dry-run provisioning.
	Execute bool `mapstructure:"execute"`
}

// EngineConfig configures retries, replanning and workers.
type EngineConfig struct {
	MaxRetries       int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	MaxReplans       int           `mapstructure:"max_replans" validate:"gte=0"`
	MaxIterations    int           `mapstructure:"max_iterations" validate:"gte=1"`
	Workers          int           `mapstructure:"workers" validate:"gte=1"`
	StepTimeout      time.Duration `mapstructure:"step_timeout" validate:"gt=0"`
	ReadyTimeout     time.Duration `mapstructure:"ready_timeout" validate:"gt=0"`
	MaxStepReasoning int           `mapstructure:"max_step_reasoning" validate:"gte=1"`
	MaxPlanReasoning int           `mapstructure:"max_plan_reasoning" validate:"gte=1"`
}

// GuardrailConfig configures cost estimation and approval.
type GuardrailConfig struct {
	// PriceSource is static, file or aws.
	PriceSource           string  `mapstructure:"price_source" validate:"oneof=static file aws"`
	PriceFile             string  `mapstructure:"price_file" validate:"required_if=PriceSource file"`
	ApprovalCostThreshold float64 `mapstructure:"approval_cost_threshold" validate:"gt=0"`
}

// PolicyConfig lists extra rego policies loaded on top of the built-ins.
type PolicyConfig struct {
	Paths  []string `mapstructure:"paths"`
	Watch  bool     `mapstructure:"watch"`
	DryRun bool     `mapstructure:"dry_run"`
}

// StoreConfig configures the durable store. An empty path keeps everything
// in memory.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RetrieverConfig configures evidence retrieval.
type RetrieverConfig struct {
	DocsDir        string `mapstructure:"docs_dir"`
	Watch          bool   `mapstructure:"watch"`
	EmbedEndpoint  string `mapstructure:"embed_endpoint"`
	RerankEndpoint string `mapstructure:"rerank_endpoint"`
}

// GenerationConfig configures the hosted LLM.
type GenerationConfig struct {
	LLMEndpoint string `mapstructure:"llm_endpoint"`
}

// MemoryConfig configures experience retention.
type MemoryConfig struct {
	ExpirationDays int           `mapstructure:"expiration_days" validate:"gte=0"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval" validate:"gte=0"`
}

// Expiration converts ExpirationDays to a duration.
func (m MemoryConfig) Expiration() time.Duration {
	return time.Duration(m.ExpirationDays) * 24 * time.Hour
}

// ValidationError is one invalid field.
type ValidationError struct {
	// Path is the dotted config key, e.g. "engine.workers".
	Path    string
	Message string
}

// ValidationErrors collects every invalid field of a config.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, ve := range e {
		parts[i] = fmt.Sprintf("%s: %s", ve.Path, ve.Message)
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		AWS: AWSConfig{
			Region:            "us-east-1",
			ExecutionRoleName: "SageMakerExecutionRole",
		},
		Engine: EngineConfig{
			MaxRetries:       3,
			RetryDelay:       5 * time.Second,
			MaxReplans:       engine.DefaultMaxReplans,
			MaxIterations:    engine.DefaultMaxPlanningIterations,
			Workers:          4,
			StepTimeout:      engine.DefaultStepTimeout,
			ReadyTimeout:     engine.DefaultReadyTimeout,
			MaxStepReasoning: engine.DefaultMaxStepReasoning,
			MaxPlanReasoning: engine.DefaultMaxPlanReasoning,
		},
		Guardrail: GuardrailConfig{
			PriceSource:           "static",
			ApprovalCostThreshold: guardrail.DefaultApprovalCostThreshold,
		},
		Store: StoreConfig{
			Path: "sagepilot.db",
		},
		Memory: MemoryConfig{
			ExpirationDays: 90,
			PurgeInterval:  time.Hour,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads configuration from path, or from sagepilot.yaml in the working
// directory or $HOME/.sagepilot when path is empty, then applies environment
// overrides. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sagepilot")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindLegacyEnv accepts the unprefixed variable names used by existing
// deployments. The prefixed name wins when both are set.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"aws.region":                "AWS_REGION",
		"aws.profile":               "AWS_PROFILE",
		"aws.execute":               "EXECUTE",
		"aws.execution_role_arn":    "SAGEMAKER_ROLE_ARN",
		"aws.execution_role_name":   "SAGEMAKER_ROLE_NAME",
		"generation.llm_endpoint":   "LLM_ENDPOINT",
		"retriever.embed_endpoint":  "RETRIEVER_EMBED_ENDPOINT",
		"retriever.rerank_endpoint": "RETRIEVER_RERANK_ENDPOINT",
		"memory.expiration_days":    "AGENT_MEMORY_EXPIRATION_DAYS",
		"telemetry.logging.level":   "LOG_LEVEL",
	}
	for key, legacy := range bindings {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("aws.region", d.AWS.Region)
	v.SetDefault("aws.profile", d.AWS.Profile)
	v.SetDefault("aws.execution_role_arn", d.AWS.ExecutionRoleARN)
	v.SetDefault("aws.execution_role_name", d.AWS.ExecutionRoleName)
	v.SetDefault("aws.container_image", d.AWS.ContainerImage)
	v.SetDefault("aws.model_data_url", d.AWS.ModelDataURL)
	v.SetDefault("aws.execute", d.AWS.Execute)

	v.SetDefault("engine.max_retries", d.Engine.MaxRetries)
	v.SetDefault("engine.retry_delay", d.Engine.RetryDelay)
	v.SetDefault("engine.max_replans", d.Engine.MaxReplans)
	v.SetDefault("engine.max_iterations", d.Engine.MaxIterations)
	v.SetDefault("engine.workers", d.Engine.Workers)
	v.SetDefault("engine.step_timeout", d.Engine.StepTimeout)
	v.SetDefault("engine.ready_timeout", d.Engine.ReadyTimeout)
	v.SetDefault("engine.max_step_reasoning", d.Engine.MaxStepReasoning)
	v.SetDefault("engine.max_plan_reasoning", d.Engine.MaxPlanReasoning)

	v.SetDefault("guardrail.price_source", d.Guardrail.PriceSource)
	v.SetDefault("guardrail.price_file", d.Guardrail.PriceFile)
	v.SetDefault("guardrail.approval_cost_threshold", d.Guardrail.ApprovalCostThreshold)

	v.SetDefault("policy.paths", d.Policy.Paths)
	v.SetDefault("policy.watch", d.Policy.Watch)
	v.SetDefault("policy.dry_run", d.Policy.DryRun)

	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("retriever.docs_dir", d.Retriever.DocsDir)
	v.SetDefault("retriever.watch", d.Retriever.Watch)
	v.SetDefault("retriever.embed_endpoint", d.Retriever.EmbedEndpoint)
	v.SetDefault("retriever.rerank_endpoint", d.Retriever.RerankEndpoint)

	v.SetDefault("generation.llm_endpoint", d.Generation.LLMEndpoint)

	v.SetDefault("memory.expiration_days", d.Memory.ExpirationDays)
	v.SetDefault("memory.purge_interval", d.Memory.PurgeInterval)

	t := d.Telemetry
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.logging.level", t.Logging.Level)
	v.SetDefault("telemetry.logging.format", t.Logging.Format)
	v.SetDefault("telemetry.logging.output", t.Logging.Output)
	v.SetDefault("telemetry.logging.enable_caller", t.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.enable_sampling", t.Logging.EnableSampling)
	v.SetDefault("telemetry.logging.sampling_initial", t.Logging.SamplingInitial)
	v.SetDefault("telemetry.logging.sampling_thereafter", t.Logging.SamplingThereafter)
	v.SetDefault("telemetry.logging.time_format", t.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", t.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", t.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", t.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", t.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.max_export_batch_size", t.Tracing.MaxExportBatchSize)
	v.SetDefault("telemetry.tracing.export_timeout", t.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", t.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", t.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", t.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", t.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", t.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.histogram_buckets", t.Metrics.DefaultHistogramBuckets)
	v.SetDefault("telemetry.events.enabled", t.Events.Enabled)
	v.SetDefault("telemetry.events.buffer_size", t.Events.BufferSize)
	v.SetDefault("telemetry.events.max_batch_size", t.Events.MaxBatchSize)
	v.SetDefault("telemetry.events.enable_async", t.Events.EnableAsync)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks struct constraints and the telemetry section. Every
// invalid field is reported.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Path:    keyPath(fe.Namespace()),
				Message: describe(fe),
			})
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "telemetry", Message: err.Error()})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// keyPath drops the root struct name from a validator namespace.
func keyPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", strings.Replace(fe.Param(), " ", " is ", 1))
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}
