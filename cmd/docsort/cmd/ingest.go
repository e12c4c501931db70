package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MeKo-Tech/docsort/internal/document"
	"github.com/MeKo-Tech/docsort/internal/imageio"
	"github.com/MeKo-Tech/docsort/internal/orchestrator"
	"github.com/MeKo-Tech/docsort/internal/server"
	"github.com/spf13/cobra"
)

// SourceCLI marks captures ingested from the command line.
const SourceCLI = "cli"

// ingestCmd runs files through the whole pipeline.
var ingestCmd = &cobra.Command{
	Use:   "ingest [files or directories...]",
	Short: "Ingest document photos, scans or PDFs",
	Long: `Run captures through the pipeline: corner detection, rectification,
enhancement, text recognition, classification, indexing and storage.

Every page image embedded in a PDF becomes its own document. Documents are
processed in parallel; the stages of one document run in order.

Examples:
  docsort ingest scan.jpg
  docsort ingest inbox/ --recursive --workers 8
  docsort ingest letter.pdf --format json`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         runIngestCommand,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().BoolP("recursive", "r", false, "descend into subdirectories")
	ingestCmd.Flags().IntP("workers", "w", 0, "number of parallel workers (default pipeline.max_workers)")
	ingestCmd.Flags().Bool("progress", false, "report each document on stderr as it finishes")
	ingestCmd.Flags().StringP("format", "f", "text", "output format: text or json")
}

type ingestOutput struct {
	Documents []server.DocumentView   `json:"documents"`
	Stats     orchestrator.BatchStats `json:"stats"`
}

func runIngestCommand(cmd *cobra.Command, args []string) error {
	recursive, _ := cmd.Flags().GetBool("recursive")
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid format %q (text or json)", format)
	}

	files, err := collectFiles(args, recursive)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no supported files found")
	}

	now := time.Now()
	var captures []document.RawCapture
	for _, f := range files {
		cs, err := imageio.LoadCaptures(f, SourceCLI, now)
		if err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
		captures = append(captures, cs...)
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	pcfg := a.Config.ToParallelConfig()
	if cmd.Flags().Changed("workers") {
		pcfg.MaxWorkers, _ = cmd.Flags().GetInt("workers")
	}
	if progress, _ := cmd.Flags().GetBool("progress"); progress {
		pcfg.ProgressCallback = orchestrator.NewConsoleProgressCallback(cmd.ErrOrStderr(), "Ingesting")
	}

	slog.Debug("Ingesting", "files", len(files), "documents", len(captures), "workers", pcfg.MaxWorkers)
	start := time.Now()
	cps, runErr := a.Orchestrator.ProcessAll(cmd.Context(), captures, pcfg)
	stats := orchestrator.Stats(cps, time.Since(start))

	out := cmd.OutOrStdout()
	if format == "json" {
		res := ingestOutput{Stats: stats}
		for _, cp := range cps {
			if cp != nil {
				res.Documents = append(res.Documents, server.NewDocumentView(cp))
			}
		}
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else {
		for i, cp := range cps {
			printIngestLine(out, captures[i].Filename, cp)
		}
		_, _ = fmt.Fprintf(out, "\n%d documents: %d stored, %d failed, %d flagged for review (%s)\n",
			stats.Total, stats.Stored, stats.Failed, stats.Flagged, stats.Duration.Round(time.Millisecond))
	}

	if stats.Failed == 0 {
		return nil
	}
	if runErr == nil {
		return fmt.Errorf("%d of %d documents failed", stats.Failed, stats.Total)
	}
	return fmt.Errorf("%d of %d documents failed: %w", stats.Failed, stats.Total, runErr)
}

func printIngestLine(w io.Writer, filename string, cp *document.Checkpoint) {
	switch {
	case cp == nil:
		_, _ = fmt.Fprintf(w, "%s: not recorded\n", filename)
	case cp.Failure != nil:
		_, _ = fmt.Fprintf(w, "%s  %s  %s\n", cp.ID, filename, cp.Failure)
	default:
		line := fmt.Sprintf("%s  %s  %s", cp.ID, filename, cp.State)
		if cp.Classification != nil {
			line += fmt.Sprintf("  %s (%.2f)", cp.Classification.Category, cp.Classification.Confidence)
		}
		if cp.Record != nil {
			line += "  " + cp.Record.Locator
		}
		if len(cp.ReviewFlags) > 0 {
			flags := make([]string, len(cp.ReviewFlags))
			for i, f := range cp.ReviewFlags {
				flags[i] = string(f)
			}
			line += "  review: " + strings.Join(flags, ",")
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

// collectFiles expands directories into the supported files they contain.
func collectFiles(args []string, recursive bool) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", arg, err)
		}
		if !info.IsDir() {
			if !imageio.IsSupported(arg) {
				return nil, fmt.Errorf("unsupported file type: %s", arg)
			}
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != arg && !recursive {
					return filepath.SkipDir
				}
				return nil
			}
			if imageio.IsSupported(p) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}
