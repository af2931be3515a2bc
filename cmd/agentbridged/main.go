// Command agentbridged is the backend daemon: it owns the PTY session
// registry, the terminal WebSocket endpoints, and the session-identity
// capture loop described by this repository's design documents.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/agentbridge/agentbridge/internal/config"
	"github.com/agentbridge/agentbridge/internal/milestone"
	"github.com/agentbridge/agentbridge/internal/registry"
	"github.com/agentbridge/agentbridge/internal/store"
	"github.com/agentbridge/agentbridge/internal/terminalws"
	"github.com/agentbridge/agentbridge/internal/webhook"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "agentbridged",
		Short: "Development-assistant backend: PTY sessions over WebSockets",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{}))
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger := newLogger(cfg)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := store.Open(ctx, cfg.DBPath)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			reg := registry.New(ctx, cfg.IdleTimeout, cfg.ReplayCapBytes, logger)
			defer reg.Close()

			wh := webhook.New(cfg.WebhookURL, cfg.WebhookToken, logger)

			coupler := milestone.NewCoupler(milestone.Config{
				AgentBin:     cfg.AgentBin,
				AgentArgs:    cfg.AgentArgs,
				AllowedTools: cfg.AllowedTools,
				InjectDelay:  cfg.MilestoneInjectDelay,
			}, st, reg, wh)

			handler := terminalws.New(reg, coupler, st, wh, cfg.MilestoneInjectDelay, logger)

			mux := http.NewServeMux()
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			handler.Routes(mux, st, cfg.AdminToken)

			watcher, err := config.NewWatcher(cfg, func(c *config.Config) {
				reg.SetIdleTimeout(c.IdleTimeout)
				reg.SetReplayCap(c.ReplayCapBytes)
				logger.Info("config reloaded", "idle_timeout", c.IdleTimeout, "replay_cap_bytes", c.ReplayCapBytes)
			})
			if err != nil {
				logger.Warn("config hot-reload disabled", "error", err)
			} else {
				defer watcher.Close()
			}

			srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CloseGrace)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			logger.Info("agentbridged listening", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("serving: %w", err)
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			st, err := store.Open(context.Background(), cfg.DBPath)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			fmt.Println("migrations applied")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agentbridged version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
