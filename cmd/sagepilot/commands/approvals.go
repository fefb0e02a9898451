package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sagepilot/sagepilot/pkg/engine"
	"github.com/sagepilot/sagepilot/pkg/telemetry"
)

func newApproveCommand() *cobra.Command {
	var (
		reason   string
		noFollow bool
	)

	cmd := &cobra.Command{
		Use:   "approve <plan-id>",
		Short: "Approve a pending plan and start its deployment",
		Example: `  sagepilot approve 3f2c9a0e-... --reason "capacity review done"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			planID := args[0]
			if !noFollow && !jsonOutput {
				unsubscribe := a.tel.Events.Subscribe(printEvent, telemetry.FilterByPlanID(planID))
				defer unsubscribe()
			}

			op := a.instrument(cmd.Context(), "approve")
			plan, err := a.service.Approve(op.Ctx, planID, userID, reason)
			op.End(err)
			if err != nil {
				return err
			}
			log.Info().Str("plan_id", planID).Str("approver", userID).Msg("Plan approved")

			if noFollow {
				return printPlan(plan)
			}
			return followPlan(cmd, a, planID)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the decision")
	cmd.Flags().BoolVar(&noFollow, "no-follow", false, "return once the plan is approved")

	return cmd
}

func newRejectCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <plan-id>",
		Short: "Reject a pending plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			op := a.instrument(cmd.Context(), "reject")
			plan, err := a.service.Reject(op.Ctx, args[0], userID, reason)
			op.End(err)
			if err != nil {
				return err
			}
			return printPlan(plan)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the decision")

	return cmd
}

func newApprovalsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "approvals",
		Short: "List plans waiting for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			plans, err := a.service.PendingApprovals(cmd.Context())
			if err != nil {
				return err
			}
			if plans == nil {
				plans = []*engine.DeploymentPlan{}
			}
			return printPlanTable(plans)
		},
	}
}
