package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MeKo-Tech/docsort/internal/version"
	"github.com/spf13/cobra"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start an HTTP server exposing the pipeline.

Endpoints:
  POST   /documents                    upload a capture (multipart field "image")
  GET    /documents                    list documents (?state=Failed)
  GET    /documents/{id}               document state and classification
  DELETE /documents/{id}               delete a document
  POST   /documents/{id}/retry         resume from the last completed stage
  PUT    /documents/{id}/classification  correct category and company
  PUT    /documents/{id}/corners       set page corners by hand
  GET    /search?q=...&k=10            semantic search
  GET    /categories?lang=de           category labels
  GET    /events                       stage events (WebSocket)
  GET    /health, /metrics

Examples:
  docsort serve
  docsort serve --host 0.0.0.0 --port 3000`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		serverConfig := a.ServerConfig()
		if cmd.Flags().Changed("host") {
			serverConfig.Host, _ = cmd.Flags().GetString("host")
		}
		if cmd.Flags().Changed("port") {
			serverConfig.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("cors-origin") {
			serverConfig.CORSOrigin, _ = cmd.Flags().GetString("cors-origin")
		}
		if cmd.Flags().Changed("max-upload-size") {
			mb, _ := cmd.Flags().GetInt("max-upload-size")
			serverConfig.MaxUploadMB = int64(mb)
		}
		if cmd.Flags().Changed("timeout") {
			serverConfig.TimeoutSec, _ = cmd.Flags().GetInt("timeout")
		}
		if cmd.Flags().Changed("rate-limit-enabled") {
			serverConfig.RateLimit.Enabled, _ = cmd.Flags().GetBool("rate-limit-enabled")
		}
		shutdownTimeout := a.Config.Server.ShutdownTimeout
		if cmd.Flags().Changed("shutdown-timeout") {
			shutdownTimeout, _ = cmd.Flags().GetInt("shutdown-timeout")
		}

		if serverConfig.Port < 1 || serverConfig.Port > 65535 {
			return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", serverConfig.Port)
		}

		srv, err := a.Server(serverConfig)
		if err != nil {
			return fmt.Errorf("failed to initialize server: %w", err)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		timeout := time.Duration(serverConfig.TimeoutSec) * time.Second
		httpServer := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", serverConfig.Host, serverConfig.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       timeout,
			WriteTimeout:      timeout,
		}

		go func() {
			slog.Info("Starting docsort server", "version", version.String(), "host", serverConfig.Host, "port", serverConfig.Port,
				"ocr", a.OCRBackend(), "embedding", a.Index.ModelID(), "documents", a.Index.Len())
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server error", "error", err)
				cancel()
			}
		}()

		ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer stop()
		<-ctx.Done()

		drainServer(httpServer, time.Duration(shutdownTimeout)*time.Second)
		if err := a.Close(); err != nil {
			slog.Error("Closing pipeline failed", "error", err)
		}
		slog.Info("docsort server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins")
	serveCmd.Flags().Int("max-upload-size", 50, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 60, "request timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().Bool("rate-limit-enabled", false, "enable per-client upload limits")
}

// drainServer stops accepting connections and waits up to timeout for
// in-flight requests.
func drainServer(s *http.Server, timeout time.Duration) {
	slog.Info("Draining HTTP server", "timeout", timeout.String())
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		slog.Error("HTTP server did not drain", "error", err)
	}
}
