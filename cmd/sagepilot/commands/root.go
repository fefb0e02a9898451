package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
	userID     string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sagepilot",
		Short: "SagePilot - Inference Endpoint Deployment Engine",
		Long: `SagePilot turns a natural-language deployment intent into a validated,
approved and executed plan for a SageMaker real-time inference endpoint.

Features:
  - Guardrails for instance types, budgets and rollback alarms
  - Approval workflow for production and expensive deployments
  - Planner, executor and monitor loop with retries and replanning
  - Rego policies with hot reload
  - Durable plans, approvals, audit trail and agent memory on SQLite

Provisioning runs in dry-run mode unless EXECUTE=true or aws.execute is set.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", defaultUser(), "user recorded on plans and approvals")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newEstimateCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newRejectCommand())
	rootCmd.AddCommand(newApprovalsCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newActiveCommand())
	rootCmd.AddCommand(newPauseCommand())
	rootCmd.AddCommand(newRestartCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newSpendCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
