// Command fieldsync-server is the reference assignments server the
// fieldsync client syncs against.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/api"
	"github.com/marcus/fieldsync/internal/serverdb"
	"github.com/marcus/fieldsync/internal/version"
)

// Version is set with -ldflags "-X main.Version=...".
var Version = "dev"

var dbPath string

var rootCmd = &cobra.Command{
	Use:           "fieldsync-server",
	Short:         "Reference assignments server for fieldsync",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server (default)",
	Long: `Runs the HTTP server until interrupted. Settings come from the
environment: FIELDSYNC_SERVER_LISTEN_ADDR, FIELDSYNC_SERVER_DB_PATH,
FIELDSYNC_SERVER_BASE_URL, FIELDSYNC_SERVER_JWT_SECRET,
FIELDSYNC_SERVER_TOKEN_TTL, FIELDSYNC_SERVER_APPROVAL_KEY,
FIELDSYNC_SERVER_LOG_FORMAT and FIELDSYNC_SERVER_LOG_LEVEL.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func main() {
	rootCmd.Version = version.Resolve(Version)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies the --db flag.
func loadConfig() api.Config {
	cfg := api.LoadConfig()
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	cfg.Version = version.Resolve(Version)
	return cfg
}

// setupLogging installs the default slog handler described by cfg.
func setupLogging(cfg api.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.LogFormat) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	store, err := serverdb.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open server db: %w", err)
	}
	defer store.Close()

	srv, err := api.NewServer(cfg, store)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	slog.Info("server started", "addr", srv.Addr(), "version", cfg.Version, "db", cfg.DBPath)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "err", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to server.db (default: FIELDSYNC_SERVER_DB_PATH or ./data/server.db)")
	rootCmd.AddCommand(serveCmd)
}
