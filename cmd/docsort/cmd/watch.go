package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MeKo-Tech/docsort/internal/orchestrator"
	"github.com/MeKo-Tech/docsort/internal/watch"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Ingest files dropped into an inbox directory",
	Long: `Watch a directory and ingest every supported file once it stops
changing. Files already in the directory are ingested at start. Ingested
files move to watch.processed, or are deleted when it is empty.

Examples:
  docsort watch
  docsort watch ~/Scans --processed ~/Scans/done`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		wc := a.Config.Watch
		if len(args) == 1 {
			wc.Dir = args[0]
		}
		if cmd.Flags().Changed("processed") {
			wc.Processed, _ = cmd.Flags().GetString("processed")
		}
		if err := os.MkdirAll(wc.Dir, 0o750); err != nil {
			return err
		}

		pcfg := a.Config.ToParallelConfig()
		pcfg.ProgressCallback = orchestrator.NewLogProgressCallback(slog.Default(), slog.LevelDebug)
		w, err := watch.New(watch.Config{
			Dir:        wc.Dir,
			Extensions: wc.Extensions,
			Debounce:   time.Duration(wc.DebounceMs) * time.Millisecond,
			Processed:  wc.Processed,
			Parallel:   pcfg,
		}, a.Orchestrator)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		err = w.Run(ctx)
		if ctx.Err() != nil {
			slog.Info("Inbox watcher stopped")
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("processed", "", "move ingested files here (overrides watch.processed)")
}
