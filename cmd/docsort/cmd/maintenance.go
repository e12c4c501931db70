package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search index with the configured embedding model",
	Long: `Embed every stored document again and replace the index in one step.
Run this after changing embedding.backend or embedding.model; searches
fail with IndexConsistencyError until the index matches the model.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		n, err := a.Orchestrator.RebuildIndex(cmd.Context())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "indexed %d documents with %s\n", n, a.Index.ModelID())
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the catalog with the storage folders",
	Long: `Adopt files placed under DocSort/<category>/<company>/ by hand and drop
records whose file was removed. Adopted files keep their location; their
category and company come from the folder names. Category and company
folders that are not known yet are added to the label lists.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		report, err := a.Orchestrator.Reconcile(cmd.Context())
		if format == "json" {
			if jerr := writeJSON(cmd.OutOrStdout(), report); jerr != nil {
				return jerr
			}
			return err
		}
		out := cmd.OutOrStdout()
		for _, id := range report.Adopted {
			_, _ = fmt.Fprintf(out, "adopted %s\n", id)
		}
		for _, id := range report.Removed {
			_, _ = fmt.Fprintf(out, "removed %s\n", id)
		}
		for _, name := range report.Categories {
			_, _ = fmt.Fprintf(out, "new category %s\n", name)
		}
		for _, name := range report.Companies {
			_, _ = fmt.Fprintf(out, "new company %s\n", name)
		}
		for _, loc := range report.Skipped {
			_, _ = fmt.Fprintf(out, "skipped %s\n", loc)
		}
		_, _ = fmt.Fprintf(out, "%d adopted, %d removed, %d skipped\n",
			len(report.Adopted), len(report.Removed), len(report.Skipped))
		return err
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd, syncCmd)
	syncCmd.Flags().StringP("format", "f", "text", "output format: text or json")
}
