package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"loanmatch-backend/internal/bootstrap"
	"loanmatch-backend/internal/matching"
)

var (
	rematchLenders []string
	rematchToken   string
	exportOut      string
	exportRun      string
)

func init() {
	rootCmd.AddCommand(rematchCmd)
	rootCmd.AddCommand(exportCmd)

	rematchCmd.Flags().StringSliceVar(&rematchLenders, "lender", nil, "Restrict the run to these lender ids (repeatable)")
	rematchCmd.Flags().StringVar(&rematchToken, "token", "", "Run token; reuse one to resume an interrupted run")

	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output path (default matches-<id>.xlsx)")
	exportCmd.Flags().StringVar(&exportRun, "run", "", "Run token to export (default: latest run)")
}

var rematchCmd = &cobra.Command{
	Use:   "rematch <application-id>",
	Short: "Run matching for an application and wait for the summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
			handle, err := app.Engine.StartRun(ctx, args[0], matching.RunOptions{
				RunToken:  rematchToken,
				LenderIDs: rematchLenders,
			})
			if err != nil {
				return err
			}
			if handle.Skipped && !handle.Settled {
				return fmt.Errorf("%w: %s", matching.ErrRunInProgress, args[0])
			}
			waitCtx, cancel := context.WithTimeout(ctx, waitFor)
			defer cancel()
			summary, err := handle.Wait(waitCtx)
			if err != nil && !errors.Is(err, matching.ErrAllMatchesFailed) {
				return err
			}
			return writeJSON(cmd, map[string]any{
				"applicationId": summary.ApplicationID,
				"runToken":      summary.RunToken,
				"total":         summary.Total,
				"succeeded":     summary.Succeeded,
				"failed":        summary.Failed,
				"status":        summary.Status,
				"duplicate":     handle.Duplicate,
				"settled":       handle.Settled,
			})
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <application-id>",
	Short: "Write an application's match results to an xlsx file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
			rep, err := app.Reporter.Build(ctx, args[0], exportRun)
			if err != nil {
				return err
			}
			data, err := rep.XLSX()
			if err != nil {
				return err
			}
			path := exportOut
			if path == "" {
				path = "matches-" + args[0] + ".xlsx"
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d matches to %s\n", len(rep.Rows), path)
			return nil
		})
	},
}
