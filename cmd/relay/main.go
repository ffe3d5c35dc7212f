// Package main is the CLI entry point for relay, a server that drives AI
// coding agents from thin clients over a persistent WebSocket connection.
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Issue a device token for a client:
//
//	relay token --name "my phone"
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/relayhq/relay/internal/auth"
	"github.com/relayhq/relay/internal/config"
	"github.com/relayhq/relay/internal/gateway"
	"github.com/relayhq/relay/internal/observability"
	"github.com/relayhq/relay/internal/store"
	"github.com/relayhq/relay/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "relay - remote control plane for AI coding agents",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildWorkspaceCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "Path to configuration file")
	return cmd
}

func runServer(cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	jwtSvc := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	authSvc := auth.NewService(jwtSvc, st.Devices())

	server := gateway.NewServer(gateway.Deps{
		Config:  cfg,
		Logger:  logger,
		Auth:    authSvc,
		Store:   st,
		Metrics: metrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 2)

	wsAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	wsSrv := &http.Server{Addr: wsAddr, Handler: server.Handler()}
	go func() {
		logger.Info("relay listening", "addr", wsAddr, "backend", cfg.Agent.Backend)
		if err := wsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	metricsAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.MetricsPort))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsHandler()}
	go func() {
		logger.Info("metrics listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errs:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = wsSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func buildTokenCmd() *cobra.Command {
	var configPath, name string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Register a device and print its access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			device := &models.Device{Name: name}
			if err := st.Devices().Save(cmd.Context(), device); err != nil {
				return fmt.Errorf("save device: %w", err)
			}

			jwtSvc := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
			token, err := jwtSvc.Generate(device.ID, device.Name)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "device:", device.ID)
			fmt.Fprintln(cmd.OutOrStdout(), "token: ", token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&name, "name", "device", "Human-readable device name")
	return cmd
}

func buildWorkspaceCmd() *cobra.Command {
	var configPath, name, path, systemPrompt string
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Register a workspace directory agents may operate in",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			info, err := os.Stat(path)
			if err != nil || !info.IsDir() {
				return fmt.Errorf("workspace path %q is not a directory", path)
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ws := &models.Workspace{Name: name, Path: path, SystemPrompt: systemPrompt}
			if err := st.Workspaces().Save(cmd.Context(), ws); err != nil {
				return fmt.Errorf("save workspace: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "workspace:", ws.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&name, "name", "", "Workspace name")
	cmd.Flags().StringVar(&path, "path", "", "Workspace directory")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "Extra system prompt for agents in this workspace")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Path == "" {
		return store.NewMemoryStore(), nil
	}
	return store.OpenSQLite(cfg.Database.Path)
}
