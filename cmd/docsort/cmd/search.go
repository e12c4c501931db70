package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/MeKo-Tech/docsort/internal/search"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find documents by meaning",
	Long: `Rank indexed documents by semantic similarity to a free-text query.

Examples:
  docsort search "stromrechnung 2024"
  docsort search versicherung --top 3 --format json`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("top")
		format, _ := cmd.Flags().GetString("format")
		query := strings.Join(args, " ")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		seq, err := a.Search.Search(cmd.Context(), query, topK)
		if err != nil {
			return err
		}
		hits := search.Collect(seq)
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), hits)
		}
		if len(hits) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no documents indexed")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "SCORE\tID\tSNIPPET")
		for _, h := range hits {
			_, _ = fmt.Fprintf(tw, "%.3f\t%s\t%s\n", h.Score, h.DocumentID, oneLine(h.Snippet, 60))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntP("top", "k", 10, "number of results")
	searchCmd.Flags().StringP("format", "f", "text", "output format: text or json")
}

// oneLine collapses whitespace and cuts s to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
