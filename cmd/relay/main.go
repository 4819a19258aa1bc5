// treesync relay
//
// Routes file-tree replication events between the peers of a room:
// - websocket endpoint (WS_PATH) with per-connection rate limiting
// - optional JWT room tokens (JWT_SECRET)
// - Prometheus metrics on METRICS_ADDR and structured logging (zap)
// - GET /health
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/treesync/internal/auth"
	"github.com/fruitsalade/treesync/internal/config"
	"github.com/fruitsalade/treesync/internal/logging"
	"github.com/fruitsalade/treesync/internal/metrics"
	"github.com/fruitsalade/treesync/internal/relay"
)

var envFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "relay",
	Short:        "Room relay for replicated file trees",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a room token signed with JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		room, _ := cmd.Flags().GetString("room")
		user, _ := cmd.Flags().GetString("user")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if room == "" {
			return fmt.Errorf("--room is required")
		}

		tok, exp, err := auth.New(cfg.JWTSecret).Issue(user, room, ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional env file read before the environment")
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("room", "", "Room the token admits")
	tokenCmd.Flags().String("user", "", "Username the token admits (empty = any)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}

func serve() error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init error: %w", err)
	}
	defer logging.Sync()

	logging.Info("treesync relay starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("ws_path", cfg.WSPath))

	authn := auth.New(cfg.JWTSecret)
	if authn.Enabled() {
		logging.Info("room tokens required")
	}

	hub := relay.New(relay.WithLogger(logging.Named("relay")))

	mux := http.NewServeMux()
	mux.Handle(cfg.WSPath, relay.NewHandler(hub, cfg, authn, logging.Named("ws")))
	mux.Handle("/health", relay.HealthHandler(hub))

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           logging.Middleware(metrics.Middleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
		metricsServer.Close()
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Error("server error", zap.Error(err))
		return err
	}
	return nil
}
