package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"vidpipe/internal/preflight"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check binaries, directories and backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			var probes []preflight.Probe
			b, openErr := ctx.openBackends(cmd.Context(), nil)
			if openErr == nil {
				probes = b.Probes()
			}
			results := preflight.RunAll(cmd.Context(), cfg, probes...)
			if openErr != nil {
				results = append(results, preflight.Result{Name: "Backends", Detail: openErr.Error()})
			}

			rows := make([][]string, 0, len(results))
			for _, r := range results {
				state := "ok"
				switch {
				case !r.Passed && r.Optional:
					state = "warn"
				case !r.Passed:
					state = "FAIL"
				}
				rows = append(rows, []string{r.Name, state, r.Detail})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Check", "State", "Detail"}, rows, nil))
			if failed := preflight.Failed(results); len(failed) > 0 {
				return fmt.Errorf("%d check(s) failed", len(failed))
			}
			return nil
		},
	}
}
