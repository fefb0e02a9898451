package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sagepilot/sagepilot/pkg/engine"
)

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// printPlan writes a plan summary, or the whole record with --json.
func printPlan(plan *engine.DeploymentPlan) error {
	if jsonOutput {
		return printJSON(plan)
	}

	fmt.Printf("Plan:        %s\n", plan.PlanID)
	fmt.Printf("Status:      %s\n", plan.Status)
	fmt.Printf("Environment: %s\n", plan.Environment)
	fmt.Printf("Intent:      %s\n", plan.Intent)
	fmt.Printf("Endpoint:    %s (%s x%d)\n", plan.Config.EndpointName, plan.Config.InstanceType, plan.Config.InstanceCount)
	fmt.Printf("Cost:        $%.3f/hour (budget $%.2f)\n", plan.EstimatedCostUSD, plan.Config.BudgetUSDPerHour)
	if plan.Approval != nil {
		line := string(plan.Approval.Decision)
		if plan.Approval.Approver != "" {
			line += " by " + plan.Approval.Approver
		}
		if plan.Approval.Reason != "" {
			line += ": " + plan.Approval.Reason
		}
		fmt.Printf("Approval:    %s\n", line)
	}
	for _, e := range plan.ValidationErrors {
		fmt.Printf("  error:   %s\n", e)
	}
	for _, w := range plan.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}

	if plan.Execution != nil && len(plan.Execution.Steps) > 0 {
		fmt.Printf("\nSteps (replans: %d/%d):\n", plan.Execution.ReplanCount, plan.Execution.MaxReplans)
		for i, step := range plan.Execution.Steps {
			fmt.Printf("  %2d. %-10s %-24s %s", i+1, step.Status, step.Action, step.AgentType)
			if step.RetryCount > 0 {
				fmt.Printf(" (retries: %d)", step.RetryCount)
			}
			fmt.Println()
			if step.Error != "" {
				fmt.Printf("      %s\n", step.Error)
			}
		}
	}
	return nil
}

func printPlanTable(plans []*engine.DeploymentPlan) error {
	if jsonOutput {
		return printJSON(plans)
	}
	if len(plans) == 0 {
		fmt.Println("No plans")
		return nil
	}

	fmt.Printf("%-36s  %-18s  %-8s  %-16s  %s\n", "PLAN", "STATUS", "ENV", "INSTANCE", "INTENT")
	for _, p := range plans {
		fmt.Printf("%-36s  %-18s  %-8s  %-16s  %s\n",
			p.PlanID, p.Status, p.Environment, p.Config.InstanceType, truncate(p.Intent, 48))
	}
	return nil
}

func printValidation(result engine.ValidationResult, requiresApproval bool) error {
	if jsonOutput {
		return printJSON(struct {
			engine.ValidationResult
			RequiresApproval bool `json:"requires_approval"`
		}{result, requiresApproval})
	}

	verdict := "valid"
	if !result.Valid {
		verdict = "invalid"
	}
	fmt.Printf("Configuration is %s\n", verdict)
	fmt.Printf("Estimated cost: $%.3f/hour\n", result.EstimatedCostUSD)
	if result.Valid {
		fmt.Printf("Requires approval: %v\n", requiresApproval)
	}
	for _, e := range result.Errors {
		fmt.Printf("  error:   %s\n", e)
	}
	for _, w := range result.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	return nil
}

func printEvent(event engine.Event) {
	prefix := "  "
	if event.Level == "error" {
		prefix = "! "
	}
	fmt.Printf("%s%s %-22s %s\n", prefix, event.Timestamp.Format("15:04:05"), event.Type, event.Message)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
