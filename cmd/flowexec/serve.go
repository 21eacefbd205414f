package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vallit/flowexec/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the MCP endpoint and the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if addr, _ := cmd.Flags().GetString("listen-addr"); addr != "" {
				cfg.ListenAddr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("listen-addr", "", "TCP listen address (overrides config)")
	return cmd
}

func runServe(parent context.Context, cfg Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := newLogger(os.Stderr, level)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.scheduler != nil {
		if err := a.scheduler.RecoverMissed(ctx); err != nil {
			logger.Warn("recover missed jobs", "error", err)
		}
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	if err := writePID(); err != nil {
		logger.Warn("write pid file", "error", err)
	}
	defer os.Remove(pidPath())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("flowexec listening", "addr", cfg.ListenAddr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	current := cfg
	for {
		select {
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-reload:
			next := loadConfig()
			current = applyReload(logger, level, current, next)
		case <-ctx.Done():
			logger.Info("shutting down", "active_runs", a.executor.ActiveRuns())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	}
}

// applyReload applies what can change at runtime and reports the rest.
func applyReload(logger *slog.Logger, level *slog.LevelVar, current, next Config) Config {
	diff := diffConfigs(current, next)
	if diff.LogLevelChanged {
		level.Set(logging.ParseLevel(next.LogLevel))
		logger.Info("log level changed", "level", next.LogLevel)
		current.LogLevel = next.LogLevel
	}
	if len(diff.RestartNeeded) > 0 {
		logger.Warn("settings changed that need a restart", "fields", strings.Join(diff.RestartNeeded, ","))
	}
	return current
}

func writePID() error {
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// signalRunningServer sends SIGHUP to a running flowexec server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return proc.Signal(syscall.SIGHUP) == nil
}

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			level := new(slog.LevelVar)
			level.Set(logging.ParseLevel(cfg.LogLevel))
			// stdout carries the protocol; logs go to stderr.
			logger := newLogger(os.Stderr, level)

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.scheduler != nil {
				if err := a.scheduler.Start(ctx); err != nil {
					return fmt.Errorf("start scheduler: %w", err)
				}
			}
			return a.flow.Serve(ctx)
		},
	}
}
