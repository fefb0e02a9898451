package guardrail

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

const (
	// DefaultApprovalCostThreshold is the hourly cost above which any
	// deployment needs approval.
	DefaultApprovalCostThreshold = 20.0

	// maxAutoscalingInstances caps autoscaling_max.
	maxAutoscalingInstances = 8

	// closeToBudgetRatio triggers the near-budget warning.
	closeToBudgetRatio = 0.8
)

// PolicyChecker runs supplemental policy checks and returns extra errors
// and warnings.
type PolicyChecker interface {
	Check(ctx context.Context, req CheckRequest) (errors, warnings []string, err error)
}

// CheckRequest is what a PolicyChecker sees.
type CheckRequest struct {
	Config           engine.DeploymentConfiguration
	Environment      engine.Environment
	Constraints      engine.Constraints
	EstimatedCostUSD float64
}

// ValidationRecorder receives validation measurements.
type ValidationRecorder interface {
	RecordValidation(environment string, valid bool, duration time.Duration)
}

// Options configures a Service.
type Options struct {
	// PriceSource supplies unit prices. Defaults to the static table.
	PriceSource PriceSource

	// Policies overrides the environment policy table.
	Policies map[engine.Environment]EnvironmentPolicy

	// PolicyChecker runs supplemental checks. Optional.
	PolicyChecker PolicyChecker

	// ApprovalCostThreshold defaults to DefaultApprovalCostThreshold.
	ApprovalCostThreshold float64

	// Metrics records validation outcomes. Optional.
	Metrics ValidationRecorder
}

// Service validates deployment configurations against environment policy
// and budget limits. It implements engine.Validator.
type Service struct {
	prices            *priceCache
	policies          map[engine.Environment]EnvironmentPolicy
	checker           PolicyChecker
	approvalThreshold float64
	metrics           ValidationRecorder
	schema            *validator.Validate
	logger            zerolog.Logger
}

var _ engine.Validator = (*Service)(nil)

// NewService creates a guardrail service.
func NewService(logger zerolog.Logger, opts Options) *Service {
	logger = logger.With().Str("component", "guardrail").Logger()

	if opts.PriceSource == nil {
		opts.PriceSource = StaticPriceSource(DefaultPricing)
	}
	if opts.Policies == nil {
		opts.Policies = DefaultEnvironmentPolicies()
	}
	if opts.ApprovalCostThreshold <= 0 {
		opts.ApprovalCostThreshold = DefaultApprovalCostThreshold
	}

	return &Service{
		prices:            newPriceCache(opts.PriceSource, DefaultPricing, logger),
		policies:          opts.Policies,
		checker:           opts.PolicyChecker,
		approvalThreshold: opts.ApprovalCostThreshold,
		metrics:           opts.Metrics,
		schema:            newSchemaValidator(),
		logger:            logger,
	}
}

// InvalidatePrices drops cached prices, e.g. after a price file reload.
func (s *Service) InvalidatePrices() {
	s.prices.reset()
}

// EstimateCost returns the hourly cost: unit price times instance count.
func (s *Service) EstimateCost(ctx context.Context, cfg engine.DeploymentConfiguration) float64 {
	price, _ := s.prices.lookup(ctx, cfg.InstanceType)
	return price * float64(cfg.InstanceCount)
}

// RequiresApproval reports whether a human must approve the deployment.
func (s *Service) RequiresApproval(ctx context.Context, cfg engine.DeploymentConfiguration, env engine.Environment) bool {
	if env == engine.EnvironmentProd {
		return true
	}
	if s.EstimateCost(ctx, cfg) > s.approvalThreshold {
		return true
	}
	return env == engine.EnvironmentStaging && cfg.InstanceCount >= 3
}

// policyFor returns the environment's policy. Unknown environments get the
// global count bounds and nothing else.
func (s *Service) policyFor(env engine.Environment) EnvironmentPolicy {
	if p, ok := s.policies[env]; ok {
		return p
	}
	return EnvironmentPolicy{MinInstanceCount: 1, MaxInstanceCount: 4}
}

// Validate runs every check and accumulates all errors and warnings.
func (s *Service) Validate(ctx context.Context, cfg engine.DeploymentConfiguration, env engine.Environment, constraints engine.Constraints) engine.ValidationResult {
	start := time.Now()
	errs := s.schemaErrors(cfg)
	var warnings []string

	policy := s.policyFor(env)

	if cfg.InstanceCount < 1 || cfg.InstanceCount > 4 {
		errs = append(errs, fmt.Sprintf("instance_count must be between 1 and 4, got %d", cfg.InstanceCount))
	}
	if cfg.BudgetUSDPerHour <= 0 {
		errs = append(errs, fmt.Sprintf("budget_usd_per_hour must be positive, got %s", formatUSD(cfg.BudgetUSDPerHour)))
	}

	if !policy.allows(cfg.InstanceType) {
		errs = append(errs, fmt.Sprintf("Environment %s requires instance types: [%s], got %s",
			env, strings.Join(policy.AllowedInstanceTypes, ", "), cfg.InstanceType))
	}

	if cfg.InstanceCount < policy.MinInstanceCount {
		errs = append(errs, fmt.Sprintf("Environment %s requires minimum %d instances, got %d",
			env, policy.MinInstanceCount, cfg.InstanceCount))
	}
	if cfg.InstanceCount > policy.MaxInstanceCount {
		errs = append(errs, fmt.Sprintf("Environment %s allows maximum %d instances, got %d",
			env, policy.MaxInstanceCount, cfg.InstanceCount))
	}

	unitPrice, known := s.prices.lookup(ctx, cfg.InstanceType)
	cost := unitPrice * float64(cfg.InstanceCount)

	if policy.MaxBudgetUSDPerHour > 0 && cost > policy.MaxBudgetUSDPerHour {
		errs = append(errs, fmt.Sprintf("Estimated cost $%.2f/hour exceeds environment max budget $%s/hour",
			cost, formatUSD(policy.MaxBudgetUSDPerHour)))
	}

	if limit := constraints.BudgetUSDPerHour; limit > 0 {
		if cost > limit {
			errs = append(errs, fmt.Sprintf("Estimated cost $%.2f/hour exceeds user constraint $%s/hour",
				cost, formatUSD(limit)))
		} else if cost > limit*closeToBudgetRatio {
			warnings = append(warnings, fmt.Sprintf("Estimated cost $%.2f/hour is close to budget limit $%s/hour",
				cost, formatUSD(limit)))
		}
	}

	if cost > cfg.BudgetUSDPerHour {
		errs = append(errs, fmt.Sprintf("Estimated cost $%.2f/hour exceeds configured budget $%s/hour",
			cost, formatUSD(cfg.BudgetUSDPerHour)))
	}

	if !known {
		warnings = append(warnings, fmt.Sprintf("Unknown instance type %s, cost estimation may be inaccurate", cfg.InstanceType))
	}

	if cfg.AutoscalingMin > cfg.AutoscalingMax {
		errs = append(errs, fmt.Sprintf("autoscaling_min (%d) must be <= autoscaling_max (%d)",
			cfg.AutoscalingMin, cfg.AutoscalingMax))
	}
	if cfg.AutoscalingMax > maxAutoscalingInstances {
		errs = append(errs, fmt.Sprintf("autoscaling_max must be <= %d", maxAutoscalingInstances))
	}

	if env == engine.EnvironmentProd {
		if len(cfg.RollbackAlarms) == 0 {
			warnings = append(warnings, "Production deployments should have rollback alarms configured")
		}
		if cfg.InstanceCount < 2 {
			errs = append(errs, "Production deployments require instance_count >= 2 for HA")
		}
	}

	if s.checker != nil {
		perrs, pwarns, err := s.checker.Check(ctx, CheckRequest{
			Config:           cfg,
			Environment:      env,
			Constraints:      constraints,
			EstimatedCostUSD: cost,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("endpoint", cfg.EndpointName).Msg("Policy check unavailable")
			warnings = append(warnings, fmt.Sprintf("Policy checks skipped: %v", err))
		}
		errs = append(errs, perrs...)
		warnings = append(warnings, pwarns...)
	}

	result := engine.ValidationResult{
		Valid:            len(errs) == 0,
		Errors:           nonNil(errs),
		Warnings:         nonNil(warnings),
		EstimatedCostUSD: cost,
	}

	if s.metrics != nil {
		s.metrics.RecordValidation(string(env), result.Valid, time.Since(start))
	}

	s.logger.Debug().
		Str("environment", string(env)).
		Str("instance_type", cfg.InstanceType).
		Int("instance_count", cfg.InstanceCount).
		Float64("estimated_cost", cost).
		Bool("valid", result.Valid).
		Int("errors", len(result.Errors)).
		Int("warnings", len(result.Warnings)).
		Msg("Configuration validated")

	return result
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// formatUSD prints v with the fewest digits that round-trip.
func formatUSD(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func newSchemaValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// schemaErrors reports struct-tag violations on the configuration.
func (s *Service) schemaErrors(cfg engine.DeploymentConfiguration) []string {
	err := s.schema.Struct(cfg)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{fmt.Sprintf("configuration is invalid: %v", err)}
	}

	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			out = append(out, fmt.Sprintf("%s is required", fe.Field()))
		case "startswith":
			out = append(out, fmt.Sprintf("%s must start with %q, got %v", fe.Field(), fe.Param(), fe.Value()))
		case "max":
			if fe.Kind() == reflect.String {
				out = append(out, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
				continue
			}
			out = append(out, fmt.Sprintf("%s must be at most %s, got %v", fe.Field(), fe.Param(), fe.Value()))
		case "min":
			out = append(out, fmt.Sprintf("%s must be at least %s, got %v", fe.Field(), fe.Param(), fe.Value()))
		default:
			out = append(out, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return out
}
