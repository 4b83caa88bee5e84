package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"loanmatch-backend/internal/bootstrap"
	"loanmatch-backend/internal/documents"
	"loanmatch-backend/internal/extract"
	"loanmatch-backend/internal/processor"
)

var structureKind string

func init() {
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(reprocessCmd)
	rootCmd.AddCommand(structureCmd)

	structureCmd.Flags().StringVar(&structureKind, "kind", "lender", "Document kind: lender or application")
}

var processCmd = &cobra.Command{
	Use:   "process <document-id>",
	Short: "Process an UPLOADED document synchronously",
	Long: `Extract and structure one UPLOADED document. When the document is an
application, the matching run it triggers is awaited as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
			res, err := app.Engine.ProcessDocument(ctx, args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		})
	},
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <document-id>",
	Short: "Reset a FAILED document and process it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
			res, err := app.Engine.ReprocessDocument(ctx, args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		})
	},
}

var structureCmd = &cobra.Command{
	Use:   "structure <file>",
	Short: "Extract a local file and print the structured JSON",
	Long: `Run text extraction and the structuring prompt on a local file without
storing anything. Useful for checking prompt changes.

Examples:
  loanmatchctl structure --kind lender ./policy.pdf
  loanmatchctl structure --kind application ./applicant.docx`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := documents.Kind(structureKind)
		if !kind.Valid() {
			return fmt.Errorf("unknown kind %q", structureKind)
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
			text, err := extract.New(nil).ExtractText(ctx, data, "", args[0])
			if err != nil {
				return fmt.Errorf("extract: %w", err)
			}
			out, err := app.LLM.ExtractStructured(ctx, text, kind)
			if err != nil {
				return fmt.Errorf("structure: %w", err)
			}
			return writeJSON(cmd, out)
		})
	},
}

func printResult(cmd *cobra.Command, res processor.Result) error {
	return writeJSON(cmd, map[string]any{
		"documentId": res.DocumentID,
		"status":     res.Status,
		"skipped":    res.Skipped,
		"attempts":   res.Attempts,
		"error":      res.Error,
	})
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
