package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect guardrail policies",
	}
	cmd.AddCommand(newPolicyListCommand())
	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			policies := a.policies.ListPolicies()
			if jsonOutput {
				return printJSON(policies)
			}

			fmt.Printf("%-28s  %-8s  %-8s  %-8s  %s\n", "NAME", "SEVERITY", "ENABLED", "SOURCE", "DESCRIPTION")
			for _, p := range policies {
				source := "file"
				if p.Builtin {
					source = "builtin"
				}
				desc := p.Description
				if len(p.Tags) > 0 {
					desc += " [" + strings.Join(p.Tags, ",") + "]"
				}
				fmt.Printf("%-28s  %-8s  %-8v  %-8s  %s\n", p.Name, p.Severity, p.Enabled, source, truncate(desc, 60))
			}
			return nil
		},
	}
}
