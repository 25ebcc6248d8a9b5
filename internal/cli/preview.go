package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"humanity/internal/degen"
	"humanity/internal/recovery"
)

type previewRow struct {
	Load         float64 `json:"load"`
	DegenRate    float64 `json:"degen_rate"`
	RecoveryRate float64 `json:"recovery_rate"`
	PerCycle     float64 `json:"per_cycle"`
}

func newPreviewCmd() *cobra.Command {
	var (
		rate, threshold, load, interval float64
		steps                           int
		asJSON                          bool
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Print the degeneration rate for a load or across the load range",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rate < 0 {
				return fmt.Errorf("--rate must be >= 0")
			}
			if threshold < 0 || threshold > 1 {
				return fmt.Errorf("--threshold must be within [0,1]")
			}
			if interval <= 0 {
				return fmt.Errorf("--interval must be > 0")
			}
			th, _ := degen.ClampThreshold(threshold)

			row := func(l float64) previewRow {
				d := degen.Rate(rate, th, l)
				return previewRow{Load: l, DegenRate: d, RecoveryRate: -d, PerCycle: -d * interval / recovery.SecondsPerDay}
			}
			var rows []previewRow
			if cmd.Flags().Changed("load") {
				rows = append(rows, row(degen.ClampLoad(load)))
			} else {
				if steps < 2 {
					return fmt.Errorf("--steps must be >= 2")
				}
				for i := 0; i < steps; i++ {
					rows = append(rows, row(float64(i)/float64(steps-1)))
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "LOAD\tDEGEN/DAY\tRECOVERY/DAY\tPER CYCLE\n")
			for _, r := range rows {
				fmt.Fprintf(tw, "%.3f\t%.4f\t%.4f\t%.6f\n", r.Load, r.DegenRate, r.RecoveryRate, r.PerCycle)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.Float64Var(&rate, "rate", 1, "maximum degeneration/recovery per day")
	f.Float64Var(&threshold, "threshold", 0.5, "load fraction where the rate is zero")
	f.Float64Var(&load, "load", 0, "single load fraction to evaluate")
	f.IntVar(&steps, "steps", 11, "number of evenly spaced loads from 0 to 1")
	f.Float64Var(&interval, "interval", recovery.DefaultIntervalSec, "cycle interval in simulated seconds")
	f.BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	cmd.MarkFlagsMutuallyExclusive("load", "steps")
	return cmd
}
