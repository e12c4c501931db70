package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/orchestrator"
	"github.com/MeKo-Tech/docsort/internal/server"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents and their pipeline state",
	Long: `List every document in the catalog with its current state.

Examples:
  docsort list
  docsort list --state Failed
  docsort list --format json`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		stateFilter, _ := cmd.Flags().GetString("state")
		var want document.State
		if stateFilter != "" {
			s, err := document.ParseState(stateFilter)
			if err != nil {
				return err
			}
			want = s
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		cps, err := a.Orchestrator.List(cmd.Context())
		if err != nil {
			return err
		}
		views := make([]server.DocumentView, 0, len(cps))
		for _, cp := range cps {
			if stateFilter == "" || cp.State == want {
				views = append(views, server.NewDocumentView(cp))
			}
		}
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), views)
		}
		printDocumentTable(cmd.OutOrStdout(), views)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:          "show <id>",
	Short:        "Show one document",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDocument(cmd, func(a pipelineFn) (*document.Checkpoint, error) {
			return a.Get(cmd.Context(), args[0])
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <id>...",
	Short: "Resume failed documents from their last completed stage",
	Long: `Resume documents after their last completed stage. Stages that already
finished are not repeated. Stored documents are left unchanged. --failed
selects every document that has not reached Stored, including ones whose
run was interrupted.

Examples:
  docsort retry 3f2a9c1e-...
  docsort retry --failed`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("failed")
		if !all && len(args) == 0 {
			return fmt.Errorf("give document ids or --failed")
		}
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		ids := args
		if all {
			cps, err := a.Orchestrator.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, cp := range cps {
				if cp.State != document.StateStored {
					ids = append(ids, cp.ID)
				}
			}
		}

		failed := 0
		for _, id := range ids {
			cp, err := a.Orchestrator.Retry(cmd.Context(), id)
			if cp == nil {
				return err
			}
			if err != nil {
				failed++
			}
			printIngestLine(cmd.OutOrStdout(), cp.Capture.Filename, cp)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d documents failed again", failed, len(ids))
		}
		return nil
	},
}

var correctCmd = &cobra.Command{
	Use:   "correct <id>",
	Short: "Override the category or company of a document",
	Long: `Replace the classification of a document. Stored documents move to the
folder of the new category and company and are indexed again. A company
given here is added to the known companies.

Examples:
  docsort correct <id> --category Insurance
  docsort correct <id> --category Invoice --company "Stadtwerke Musterstadt"`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		company, _ := cmd.Flags().GetString("company")
		return withDocument(cmd, func(a pipelineFn) (*document.Checkpoint, error) {
			if !cmd.Flags().Changed("category") {
				cp, err := a.Get(cmd.Context(), args[0])
				if err != nil {
					return nil, err
				}
				if cp.Classification == nil {
					return nil, fmt.Errorf("%w: document %s", orchestrator.ErrNotClassified, args[0])
				}
				category = cp.Classification.Category
			}
			return a.Correct(cmd.Context(), args[0], orchestrator.Correction{Category: category, Company: company})
		})
	},
}

var recropCmd = &cobra.Command{
	Use:   "recrop <id> <x,y> <x,y> <x,y> <x,y>",
	Short: "Replace the detected page corners and rerun the pipeline",
	Long: `Set the page corners of a document by hand, in pixels of the original
capture and in any order, and run every stage after the capture again.

Example:
  docsort recrop <id> 102,88 910,75 935,1290 80,1310`,
	Args:         cobra.ExactArgs(5),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var pts [4]document.Point
		for i, s := range args[1:] {
			p, err := parsePoint(s)
			if err != nil {
				return err
			}
			pts[i] = p
		}
		return withDocument(cmd, func(a pipelineFn) (*document.Checkpoint, error) {
			return a.Recrop(cmd.Context(), args[0], pts)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:          "delete <id>...",
	Short:        "Delete documents with their stored file and index entry",
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		for _, id := range args {
			if err := a.Orchestrator.Delete(cmd.Context(), id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd, showCmd, retryCmd, correctCmd, recropCmd, deleteCmd)

	listCmd.Flags().StringP("format", "f", "text", "output format: text or json")
	listCmd.Flags().String("state", "", "only documents in this state (e.g. Failed, Stored)")
	showCmd.Flags().StringP("format", "f", "json", "output format: text or json")
	retryCmd.Flags().Bool("failed", false, "retry every document that has not been stored")
	correctCmd.Flags().String("category", "", "new category")
	correctCmd.Flags().String("company", "", "sender company; empty clears it")
	correctCmd.Flags().StringP("format", "f", "text", "output format: text or json")
	recropCmd.Flags().StringP("format", "f", "text", "output format: text or json")
}

// pipelineFn is the part of the orchestrator single-document commands use.
type pipelineFn interface {
	Get(ctx context.Context, id string) (*document.Checkpoint, error)
	Correct(ctx context.Context, id string, c orchestrator.Correction) (*document.Checkpoint, error)
	Recrop(ctx context.Context, id string, points [4]document.Point) (*document.Checkpoint, error)
}

// withDocument runs fn against the pipeline and prints the resulting
// checkpoint in the --format of cmd.
func withDocument(cmd *cobra.Command, fn func(pipelineFn) (*document.Checkpoint, error)) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	cp, err := fn(a.Orchestrator)
	if cp == nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		if jerr := writeJSON(cmd.OutOrStdout(), server.NewDocumentView(cp)); jerr != nil {
			return jerr
		}
	} else {
		printDocument(cmd.OutOrStdout(), cp)
	}
	return err
}

func printDocumentTable(w io.Writer, views []server.DocumentView) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATE\tCATEGORY\tCOMPANY\tFILE")
	for _, v := range views {
		category, company := "-", "-"
		if v.Classification != nil {
			category = v.Classification.Category
			if name := v.Classification.CompanyName(); name != "" {
				company = name
			}
		}
		state := v.State
		if v.Failure != nil {
			state = fmt.Sprintf("Failed(%s)", v.Failure.Stage)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.ID, state, category, company, v.Filename)
	}
	_ = tw.Flush()
}

func printDocument(w io.Writer, cp *document.Checkpoint) {
	_, _ = fmt.Fprintf(w, "ID:        %s\n", cp.ID)
	_, _ = fmt.Fprintf(w, "File:      %s\n", cp.Capture.Filename)
	_, _ = fmt.Fprintf(w, "State:     %s (last stage %s, attempt %d)\n", cp.State, cp.Last, cp.Attempts)
	if cp.Failure != nil {
		_, _ = fmt.Fprintf(w, "Failure:   %s\n", cp.Failure)
	}
	if c := cp.Classification; c != nil {
		_, _ = fmt.Fprintf(w, "Category:  %s (%.2f)\n", c.Category, c.Confidence)
		if name := c.CompanyName(); name != "" {
			_, _ = fmt.Fprintf(w, "Company:   %s (%.2f)\n", name, c.CompanyConfidence)
		}
	}
	if cp.Record != nil {
		_, _ = fmt.Fprintf(w, "Location:  %s\n", cp.Record.Locator)
	}
	if len(cp.ReviewFlags) > 0 {
		_, _ = fmt.Fprintf(w, "Review:    %v\n", cp.ReviewFlags)
	}
}

func parsePoint(s string) (document.Point, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return document.Point{}, fmt.Errorf("invalid point %q (want x,y)", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	if err != nil {
		return document.Point{}, fmt.Errorf("invalid point %q: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err != nil {
		return document.Point{}, fmt.Errorf("invalid point %q: %w", s, err)
	}
	return document.Point{X: x, Y: y}, nil
}
