package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sagepilot/sagepilot/pkg/engine"
	"github.com/sagepilot/sagepilot/pkg/stores"
	"github.com/sagepilot/sagepilot/pkg/telemetry"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <plan-id>",
		Short: "Show a plan and its execution steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			plan, err := a.service.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printPlan(plan)
		},
	}
}

func newListCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			plans, err := a.service.List(cmd.Context(), all)
			if err != nil {
				return err
			}
			return printPlanTable(plans)
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include deleted plans")

	return cmd
}

func newActiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List deploying and deployed endpoints",
		Long: `List plans that are deploying or deployed, followed by in-service
endpoints in the account that no plan accounts for.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			active, err := a.service.Active(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(active)
			}
			if len(active) == 0 {
				fmt.Println("No active deployments")
				return nil
			}

			fmt.Printf("%-36s  %-32s  %-10s  %-8s  %s\n", "PLAN", "ENDPOINT", "STATUS", "ENV", "INSTANCE")
			for _, d := range active {
				planID := d.PlanID
				if planID == "" {
					planID = "-"
				}
				fmt.Printf("%-36s  %-32s  %-10s  %-8s  %s\n",
					planID, truncate(d.EndpointName, 32), d.Status, d.Environment, d.InstanceType)
			}
			return nil
		},
	}
}

func newPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <plan-id>",
		Short: "Pause a deploying plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			plan, err := a.service.Pause(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printPlan(plan)
		},
	}
}

func newRestartCommand() *cobra.Command {
	var noFollow bool

	cmd := &cobra.Command{
		Use:   "restart <plan-id>",
		Short: "Resume a paused or failed plan",
		Long: `Resume a paused or failed plan. Completed steps are kept and the
remaining steps run again from the start.`,
		Args: cobra.ExactArgs(1),
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

			plan, err := a.service.Restart(cmd.Context(), planID)
			if err != nil {
				return err
			}
			if noFollow {
				return printPlan(plan)
			}
			return followPlan(cmd, a, planID)
		},
	}

	cmd.Flags().BoolVar(&noFollow, "no-follow", false, "return once the plan is restarted")

	return cmd
}

func newDeleteCommand() *cobra.Command {
	var (
		hard  bool
		purge bool
	)

	cmd := &cobra.Command{
		Use:   "delete <plan-id>",
		Short: "Delete a plan",
		Long: `Mark a plan deleted. With --hard the endpoint, endpoint config and
model are removed from the account and the plan's agent memories are
forgotten. With --purge the plan record is also removed from the store.`,
		Example: `  # Keep the endpoint, retire the plan
  sagepilot delete 3f2c9a0e-...

  # Tear everything down
  sagepilot delete 3f2c9a0e-... --hard --purge`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			planID := args[0]
			op := a.instrument(cmd.Context(), "delete")
			result, err := a.service.Delete(op.Ctx, planID, hard)
			op.End(err)
			if err != nil {
				return err
			}

			if purge {
				if a.store == nil {
					return errors.New("--purge needs a durable store (store.path)")
				}
				if err := a.store.DeletePlan(cmd.Context(), planID); err != nil {
					return err
				}
				log.Info().Str("plan_id", planID).Msg("Plan record purged")
			}

			if jsonOutput {
				return printJSON(result)
			}
			fmt.Printf("Plan %s deleted\n", planID)
			if hard {
				fmt.Printf("Resources deleted: %v\n", result.ResourcesDeleted)
				fmt.Printf("Memories deleted:  %d\n", result.MemoryCount)
			}
			for _, e := range result.Errors {
				fmt.Printf("  error: %s\n", e)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&hard, "hard", false, "delete cloud resources and agent memories")
	cmd.Flags().BoolVar(&purge, "purge", false, "remove the plan record from the store")

	return cmd
}

func newHistoryCommand() *cobra.Command {
	var (
		eventType string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "history <plan-id>",
		Short: "Show the audit trail of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			if a.store == nil {
				return errors.New("audit history needs a durable store (store.path)")
			}
			events, err := a.store.ListAudit(cmd.Context(), stores.AuditQuery{
				PlanID: args[0],
				Type:   engine.AuditEventType(eventType),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(events)
			}
			if len(events) == 0 {
				fmt.Println("No audit events")
				return nil
			}
			for _, e := range events {
				fmt.Printf("%s  %-20s  %-12s  %v\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Type, e.UserID, e.Details)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "only show events of this type")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")

	return cmd
}
