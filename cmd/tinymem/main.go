package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/joestump/tinymem/internal/bus"
	"github.com/joestump/tinymem/internal/config"
	"github.com/joestump/tinymem/internal/extract"
	"github.com/joestump/tinymem/internal/mcpserver"
	"github.com/joestump/tinymem/internal/rendezvous"
	"github.com/joestump/tinymem/internal/store"
	"github.com/joestump/tinymem/internal/tui"
	"github.com/joestump/tinymem/internal/web"
)

// Exit codes: 0 orderly shutdown, 1 config error, 2 bind failure.
var errBind = errors.New("bind failure")

func main() {
	rootCmd := &cobra.Command{
		Use:           "tinymem",
		Short:         "Coordination server for AI coding agents",
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := rootCmd.Flags()
	f.String("redis", "redis://127.0.0.1:6379", "Redis URL for the shared state store")
	f.Int("port", 3000, "HTTP API port")
	f.String("token", "", "bearer token required on every API request")
	f.String("host", "localhost", "server host used by stdio mode")
	f.Bool("headless", false, "run the HTTP API without the terminal UI")
	f.Bool("mcp", false, "serve the stdio tool protocol instead of HTTP")
	f.Duration("mapping-ttl", 24*time.Hour, "how long a claude session id maps to the same session")
	f.Duration("ask-timeout", 300*time.Second, "server-side deadline for blocking asks")
	f.Int64("max-artifact-bytes", 50<<20, "soft cap on artifact file size")

	// Bind flags to viper. Viper keys use underscores so they match the
	// env var suffix after stripping the TINYMEM_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("redis", "redis")
	bindFlag("port", "port")
	bindFlag("token", "token")
	bindFlag("host", "host")
	bindFlag("headless", "headless")
	bindFlag("mcp", "mcp")
	bindFlag("mapping_ttl", "mapping-ttl")
	bindFlag("ask_timeout", "ask-timeout")
	bindFlag("max_artifact_bytes", "max-artifact-bytes")

	// TINYMEM_TOKEN, TINYMEM_PORT, TINYMEM_HOST, etc.
	viper.SetEnvPrefix("TINYMEM")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tinymem: %v\n", err)
		if errors.Is(err, errBind) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.Token == "" {
		return fmt.Errorf("a token is required (--token or TINYMEM_TOKEN)")
	}

	logger, err := buildLogger(&cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	eventBus := bus.New(0)
	st, err := store.Open(ctx, cfg.RedisURL, store.Options{
		Logger:           logger,
		Extract:          extract.Text,
		Notify:           eventBus.Publish,
		MappingTTL:       cfg.MappingTTL,
		MaxArtifactBytes: cfg.MaxArtifactBytes,
	})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	rdv := rendezvous.New(st, st.Client(), logger, cfg.AskTimeout)
	go rdv.Sweep(ctx)

	if cfg.MCP {
		logger.Info("serving stdio tool protocol", zap.String("host", cfg.Host))
		return mcpserver.Run(ctx, st, rdv, logger)
	}

	server := web.New(&cfg, st, rdv, logger)
	if err := server.Listen(); err != nil {
		return fmt.Errorf("%w: %v", errBind, err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()

	if cfg.Headless {
		select {
		case <-ctx.Done():
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
		}
	} else {
		if err := tui.Run(ctx, st, rdv, eventBus, logger); err != nil {
			logger.Error("tui", zap.Error(err))
		}
	}

	// Orderly shutdown: release blocked asks first so their handlers
	// return expired instead of holding Shutdown open, then drain the
	// server.
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdv.DrainPending(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	return nil
}

// buildLogger writes JSON logs to stderr. With the TUI attached the
// terminal belongs to bubbletea, so only errors get through.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	if !cfg.Headless && !cfg.MCP {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	}
	return zcfg.Build()
}
