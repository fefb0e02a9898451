package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSpendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "spend",
		Short: "Show month-to-date SageMaker GPU spend",
		Long: `Show month-to-date SageMaker GPU spend from Cost Explorer and compare
it with the same period of the previous month.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown()

			op := a.instrument(cmd.Context(), "spend")
			report, err := a.costReporter().MonthlyGPUSpend(op.Ctx)
			op.End(err)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(report)
			}
			fmt.Printf("Period:   %s to %s\n", report.Period.Start, report.Period.End)
			fmt.Printf("Spend:    %.2f %s\n", report.Amount, report.Currency)
			fmt.Printf("Previous: %.2f %s\n", report.PreviousAmount, report.Currency)
			fmt.Printf("Trend:    %s (%+.1f%%)\n", report.Trend, report.PercentChange)
			if len(report.ByService) > 0 {
				fmt.Println()
				for _, s := range report.ByService {
					fmt.Printf("  %-40s %10.2f\n", s.Service, s.Amount)
				}
			}
			return nil
		},
	}
}
