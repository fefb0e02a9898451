package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

// configFlags describes a deployment configuration on the command line.
type configFlags struct {
	file          string
	model         string
	endpoint      string
	instanceType  string
	instanceCount int
	autoscaleMin  int
	autoscaleMax  int
	maxPayloadMB  int
	budget        float64
	alarms        []string
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "JSON deployment configuration file")
	cmd.Flags().StringVar(&f.model, "model", "", "model name")
	cmd.Flags().StringVar(&f.endpoint, "endpoint", "", "endpoint name")
	cmd.Flags().StringVar(&f.instanceType, "instance-type", "", "instance type, e.g. ml.m5.large")
	cmd.Flags().IntVar(&f.instanceCount, "instance-count", 0, "number of instances")
	cmd.Flags().IntVar(&f.autoscaleMin, "autoscaling-min", 0, "autoscaling lower bound")
	cmd.Flags().IntVar(&f.autoscaleMax, "autoscaling-max", 0, "autoscaling upper bound")
	cmd.Flags().IntVar(&f.maxPayloadMB, "max-payload-mb", 0, "maximum request payload in MB")
	cmd.Flags().Float64Var(&f.budget, "budget", 0, "declared hourly budget in USD")
	cmd.Flags().StringSliceVar(&f.alarms, "rollback-alarm", nil, "rollback alarm name (repeatable)")
}

// build reads the file, if any, and applies the flags on top.
func (f *configFlags) build() (engine.DeploymentConfiguration, error) {
	var cfg engine.DeploymentConfiguration
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return cfg, fmt.Errorf("failed to read configuration: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse configuration: %w", err)
		}
	}

	if f.model != "" {
		cfg.ModelName = f.model
	}
	if f.endpoint != "" {
		cfg.EndpointName = f.endpoint
	}
	if f.instanceType != "" {
		cfg.InstanceType = f.instanceType
	}
	if f.instanceCount > 0 {
		cfg.InstanceCount = f.instanceCount
	}
	if f.autoscaleMin > 0 {
		cfg.AutoscalingMin = f.autoscaleMin
	}
	if f.autoscaleMax > 0 {
		cfg.AutoscalingMax = f.autoscaleMax
	}
	if f.maxPayloadMB > 0 {
		cfg.MaxPayloadMB = f.maxPayloadMB
	}
	if f.budget > 0 {
		cfg.BudgetUSDPerHour = f.budget
	}
	if len(f.alarms) > 0 {
		cfg.RollbackAlarms = f.alarms
	}
	if cfg.InstanceCount == 0 {
		cfg.InstanceCount = 1
	}
	return cfg, nil
}

func newValidateCommand() *cobra.Command {
	var (
		flags  configFlags
		env    string
		budget float64
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a deployment configuration",
		Long: `Validate a deployment configuration against guardrails.

This command checks:
  - Configuration schema
  - Instance types allowed in the environment
  - Instance count and autoscaling bounds
  - Estimated hourly cost against budgets
  - Rollback alarms required in production
  - Loaded rego policies`,
		Example: `  # Validate a staging configuration
  sagepilot validate --env staging --model llama-3.1-8b --endpoint chat-staging --instance-type ml.m5.large

  # Validate a configuration file with a budget constraint
  sagepilot validate --env prod -f endpoint.json --constraint-budget 40`,
		RunE: func(cmd *cobra.Command, args []string) error {
			environment := engine.Environment(env)
			if err := environment.Validate(); err != nil {
				return err
			}
			cfg, err := flags.build()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			op := a.instrument(cmd.Context(), "validate")
			result := a.guardrail.Validate(op.Ctx, cfg, environment, engine.Constraints{BudgetUSDPerHour: budget})
			requiresApproval := result.Valid && a.guardrail.RequiresApproval(op.Ctx, cfg, environment)
			op.End(nil)

			log.Debug().
				Bool("valid", result.Valid).
				Int("errors", len(result.Errors)).
				Dur("duration", op.Timer.Duration()).
				Msg("Validation finished")

			if err := printValidation(result, requiresApproval); err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("configuration failed %d check(s)", len(result.Errors))
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&env, "env", "e", "dev", "target environment (dev, staging, prod)")
	cmd.Flags().Float64Var(&budget, "constraint-budget", 0, "hourly budget constraint in USD")

	return cmd
}

func newEstimateCommand() *cobra.Command {
	var (
		instanceType string
		count        int
	)

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate the hourly cost of an endpoint",
		Example: `  # Estimate two GPU instances
  sagepilot estimate --instance-type ml.g5.12xlarge --instance-count 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			cost := a.guardrail.EstimateCost(cmd.Context(), engine.DeploymentConfiguration{
				InstanceType:  instanceType,
				InstanceCount: count,
			})
			if jsonOutput {
				return printJSON(map[string]interface{}{
					"instance_type":      instanceType,
					"instance_count":     count,
					"estimated_cost_usd": cost,
				})
			}
			fmt.Printf("%s x%d: $%.3f/hour, $%.2f/month\n", instanceType, count, cost, cost*24*30)
			return nil
		},
	}

	cmd.Flags().StringVar(&instanceType, "instance-type", "ml.m5.large", "instance type")
	cmd.Flags().IntVar(&count, "instance-count", 1, "number of instances")

	return cmd
}
