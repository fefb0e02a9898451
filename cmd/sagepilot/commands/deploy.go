package commands

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sagepilot/sagepilot/pkg/deploy"
	"github.com/sagepilot/sagepilot/pkg/engine"
)

func newDeployCommand() *cobra.Command {
	var (
		env      string
		budget   float64
		noFollow bool
	)

	cmd := &cobra.Command{
		Use:   "deploy [intent...]",
		Short: "Plan and deploy an inference endpoint",
		Long: `Turn a deployment intent into a plan and run it.

The plan is validated against guardrails first. Production deployments and
deployments above the approval cost threshold wait for "sagepilot approve".
Other plans start immediately and the command follows their events until
the execution finishes.`,
		Example: `  # Deploy a small staging endpoint
  sagepilot deploy --env staging "serve llama-3.1-8b for the support chatbot"

  # Deploy to production under a budget
  sagepilot deploy --env prod --budget 25 "mistral-7b chat endpoint with autoscaling"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			environment := engine.Environment(env)
			if err := environment.Validate(); err != nil {
				return err
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			// The plan ID is unknown until Submit returns.
			if !noFollow && !jsonOutput {
				unsubscribe := a.tel.Events.Subscribe(printEvent, nil)
				defer unsubscribe()
			}

			op := a.instrument(cmd.Context(), "deploy")
			plan, err := a.service.Submit(op.Ctx, deploy.SubmitRequest{
				UserID:      userID,
				Intent:      strings.Join(args, " "),
				Environment: environment,
				Constraints: engine.Constraints{BudgetUSDPerHour: budget},
			})
			op.End(err)
			if err != nil {
				return err
			}

			if err := printPlan(plan); err != nil {
				return err
			}

			switch plan.Status {
			case engine.PlanStatusPendingApproval:
				log.Info().Str("plan_id", plan.PlanID).Msg("Plan is waiting for approval")
				return nil
			case engine.PlanStatusValidationFailed:
				return fmt.Errorf("plan %s failed validation", plan.PlanID)
			}

			if noFollow {
				return nil
			}
			return followPlan(cmd, a, plan.PlanID)
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", "dev", "target environment (dev, staging, prod)")
	cmd.Flags().Float64Var(&budget, "budget", 0, "hourly budget constraint in USD")
	cmd.Flags().BoolVar(&noFollow, "no-follow", false, "return once the plan is submitted")

	return cmd
}

// followPlan waits for the execution of planID and prints its final state.
// An interrupt leaves the plan deploying for the worker to resume.
func followPlan(cmd *cobra.Command, a *app, planID string) error {
	if err := a.waitForJobs(cmd.Context()); err != nil {
		log.Warn().Str("plan_id", planID).Msg("Stopped following; run \"sagepilot worker\" to resume")
		return nil
	}

	plan, err := a.service.Status(cmd.Context(), planID)
	if err != nil {
		return err
	}
	if !jsonOutput {
		fmt.Println()
	}
	if err := printPlan(plan); err != nil {
		return err
	}
	if plan.Status == engine.PlanStatusFailed {
		return fmt.Errorf("plan %s failed", planID)
	}
	return nil
}
