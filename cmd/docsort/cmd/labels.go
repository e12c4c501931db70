package cmd

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/MeKo-Tech/docsort/internal/classify"
	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/translate"
	"github.com/spf13/cobra"
)

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List and add categories",
	Long: `List the category labels documents are sorted into: the configured ones,
then the ones added at runtime, then the reserved label Other. With --lang
the labels are shown in that language.

Examples:
  docsort categories
  docsort categories --lang de`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		lang := cfg.Translation.Language
		if cmd.Flags().Changed("lang") {
			lang, _ = cmd.Flags().GetString("lang")
		}
		table, err := translate.Load(cfg.Translation.Table)
		if err != nil {
			return err
		}

		added, err := classify.LoadCategories(cfg.Classification.CategoriesFile)
		if err != nil {
			return err
		}
		labels := slices.Concat(cfg.Categories, added.List(), []string{document.OtherCategory})
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, l := range labels {
			display, err := table.Translate(cmd.Context(), l, lang)
			if err != nil {
				return err
			}
			if display == l {
				_, _ = fmt.Fprintln(tw, l)
			} else {
				_, _ = fmt.Fprintf(tw, "%s\t%s\n", l, display)
			}
		}
		return tw.Flush()
	},
}

var categoriesAddCmd = &cobra.Command{
	Use:   "add <name>...",
	Short: "Add categories",
	Long: `Add categories documents can be classified into. Added categories are
kept next to the configuration and take effect on the next run.

Example:
  docsort categories add Recipes "Tax Returns"`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		l, err := classify.LoadCategories(cfg.Classification.CategoriesFile)
		if err != nil {
			return err
		}
		for _, name := range args {
			name, err := classify.NormalizeCategory(name)
			if err != nil {
				return err
			}
			added := false
			if !slices.ContainsFunc(cfg.Categories, func(c string) bool { return strings.EqualFold(c, name) }) {
				if added, err = l.Add(name); err != nil {
					return err
				}
			}
			if added {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", name)
			} else {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "already configured: %s\n", name)
			}
		}
		return nil
	},
}

var companiesCmd = &cobra.Command{
	Use:   "companies",
	Short: "Manage the list of known sender companies",
}

var companiesListCmd = &cobra.Command{
	Use:          "list",
	Short:        "List known companies",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := classify.LoadCompanies(GetConfig().Companies.File)
		if err != nil {
			return err
		}
		for _, name := range d.List() {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var companiesAddCmd = &cobra.Command{
	Use:   "add <name>...",
	Short: "Add known companies",
	Long: `Add companies to the known list. Known companies are recognized in
document text before legal-form heuristics apply.

Example:
  docsort companies add "Stadtwerke Musterstadt" "Allianz"`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := classify.LoadCompanies(GetConfig().Companies.File)
		if err != nil {
			return err
		}
		for _, name := range args {
			added, err := d.Add(name)
			if err != nil {
				return err
			}
			if added {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", name)
			} else {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "already known: %s\n", name)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(categoriesCmd, companiesCmd)
	categoriesCmd.AddCommand(categoriesAddCmd)
	companiesCmd.AddCommand(companiesListCmd, companiesAddCmd)
	categoriesCmd.Flags().String("lang", "", "display language, e.g. de or de-AT")
}
