package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-sentinel/internal/analytics/validation"
)

func newValidateCmd(a *app) *cobra.Command {
	var dataPath, reportPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a CSV dataset before training",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := validation.ReadCSVFile(dataPath)
			if err != nil {
				return err
			}
			report := validation.ValidateDataset(table)
			printReport(a, report)

			if reportPath != "" {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(reportPath, data, 0o644); err != nil {
					return fmt.Errorf("write report: %w", err)
				}
			}
			if !report.Passed {
				return fmt.Errorf("validation failed: %s", strings.Join(report.Failures(), ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "CSV dataset to validate")
	cmd.Flags().StringVar(&reportPath, "report", "", "also write the full report as JSON")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func printReport(a *app, r validation.Report) {
	verdict := "PASSED"
	if !r.Passed {
		verdict = "FAILED"
	}
	fmt.Fprintf(a.stdout, "Validation %s (%d samples)\n", verdict, r.SampleCount)
	fmt.Fprintf(a.stdout, "  schema:         %s\n", r.Schema)
	fmt.Fprintf(a.stdout, "  ranges:         %s\n", r.Ranges)
	fmt.Fprintf(a.stdout, "  missing values: %s\n", r.Missing)
	fmt.Fprintf(a.stdout, "  duplicates:     %s\n", r.Duplicates)

	names := make([]string, 0, len(r.Statistics))
	for name := range r.Statistics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := r.Statistics[name]
		fmt.Fprintf(a.stdout, "  %-13s mean=%.2f std=%.2f min=%.2f max=%.2f outliers=%d\n",
			name, st.Mean, st.Std, st.Min, st.Max, r.Outliers[name].Count)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(a.stdout, "  warning: %s\n", w)
	}
}
