package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"humanity/internal/app"
	"humanity/internal/config"
	"humanity/internal/storage"
	logx "humanity/pkg/logx"
)

func newStateCmd() *cobra.Command {
	var cfgPath, subjectID string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show persisted recovery state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := config.NewManager(cfgPath).Load()
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cfg, logx.Nop())
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			if st == nil {
				return storage.ErrDisabled
			}
			defer st.Close()

			var recs []storage.StateRecord
			if subjectID != "" {
				rec, ok, err := st.LoadState(ctx, subjectID)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no saved state for subject %q", subjectID)
				}
				recs = append(recs, rec)
			} else {
				if recs, err = st.ListStates(ctx); err != nil {
					return err
				}
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no saved state")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "SUBJECT\tLAST SAMPLE (s)\tREMAINDER\tCLOCK (s)\tDAMAGE\tUPDATED\n")
			for _, r := range recs {
				updated := "-"
				if !r.UpdatedAt.IsZero() {
					updated = r.UpdatedAt.Format(time.RFC3339)
				}
				clock, damage := "-", "-"
				if r.HostSaved {
					clock, damage = fmt.Sprintf("%.3f", r.ClockSec), fmt.Sprint(r.Damage)
				}
				fmt.Fprintf(tw, "%s\t%.3f\t%.6f\t%s\t%s\t%s\n", r.SubjectID, r.LastSampleTimeSec, r.Remainder, clock, damage, updated)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")
	cmd.Flags().StringVar(&subjectID, "subject", "", "only show this subject")
	return cmd
}
