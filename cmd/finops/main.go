// Package main provides the finops binary entry point.
// Finops serves cost optimization recommendations computed from warehouse
// utilization data, live pricing and an LLM, with cluster-wide cancellation
// of in-flight analyses.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/finops/cache"
	"github.com/c360studio/finops/config"
	"github.com/c360studio/finops/processor/recommender"
	"github.com/c360studio/finops/telemetry"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "finops"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func rootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Cost optimization recommendation service",
		Long: `Finops reads resource utilization from the analytics warehouse, joins it
with live pricing and asks an LLM for rightsizing recommendations.

Results are cached by request fingerprint. Every analysis is registered in
the shared store so any instance can cancel a project's running work.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format (text, json)")

	cmd.AddCommand(
		serveCmd(&g),
		analyzeCmd(&g),
		cancelCmd(&g),
		tasksCmd(&g),
		cacheCmd(&g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

// setup loads configuration and builds the logger. Flags override the
// config file and environment.
func setup(g *globalFlags, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	bootstrap := newLogger(g.logLevel, g.logFormat, stderr)

	opts := []config.LoaderOption{}
	if g.configPath != "" {
		opts = append(opts, config.WithPath(g.configPath))
	}
	cfg, err := config.NewLoader(bootstrap, opts...).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	logger := newLogger(cfg.Log.Level, cfg.Log.Format, stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(level, format string, w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// withApp loads config, builds the App and runs fn with it.
func withApp(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, app *App) error) error {
	cfg, logger, err := setup(g, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	return fn(ctx, app)
}

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, app *App) error {
				return serve(ctx, app)
			})
		},
	}
}

func serve(ctx context.Context, app *App) error {
	cfg := app.cfg

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}, telemetry.WithLogger(app.logger))
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			app.logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	if err := app.store.Ping(ctx); err != nil {
		// The store may come up later; requests fail with 503 until then.
		app.logger.Warn("Store not reachable at startup", "url", cfg.Store.URL, "error", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           app.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		app.logger.Info("Finops ready", "version", Version, "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		app.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func analyzeCmd(g *globalFlags) *cobra.Command {
	var req recommender.Request

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one analysis and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, app *App) error {
				result, err := app.orch.Run(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Cloud, "cloud", "", "Cloud provider (aws, gcp, azure)")
	f.StringVar(&req.Schema, "schema", "", "Warehouse schema holding the utilization views")
	f.StringVar(&req.ResourceType, "resource-type", "", "Resource type (ec2, rds, ...)")
	f.StringVar(&req.StartDate, "start", "", "Window start (YYYY-MM-DD)")
	f.StringVar(&req.EndDate, "end", "", "Window end (YYYY-MM-DD)")
	f.StringVar(&req.ResourceID, "resource-id", "", "Limit the analysis to one resource")
	f.StringVar(&req.ProjectID, "project", "", "Project the task is registered under")
	_ = cmd.MarkFlagRequired("cloud")
	_ = cmd.MarkFlagRequired("schema")
	_ = cmd.MarkFlagRequired("resource-type")
	return cmd
}

func cancelCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <project>",
		Short: "Cancel every running analysis of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, app *App) error {
				n, err := app.orch.CancelProject(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d task(s) for project %s\n", n, args[0])
				return nil
			})
		},
	}
}

func tasksCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect the task registry",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List active tasks",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, g, func(ctx context.Context, app *App) error {
					active, err := app.registry.ListActive(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), active)
				})
			},
		},
		&cobra.Command{
			Use:   "status <id>",
			Short: "Show one task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, g, func(ctx context.Context, app *App) error {
					info, err := app.registry.Status(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), info)
				})
			},
		},
		&cobra.Command{
			Use:   "cancel <id>",
			Short: "Cancel one task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, g, func(ctx context.Context, app *App) error {
					found, err := app.registry.Cancel(ctx, args[0])
					if err != nil {
						return err
					}
					if !found {
						return fmt.Errorf("task %s not found", args[0])
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Cancelled task %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Remove completed tasks",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, g, func(ctx context.Context, app *App) error {
					n, err := app.registry.CleanupCompleted(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Removed %d completed task(s)\n", n)
					return nil
				})
			},
		},
	)
	return cmd
}

func cacheCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the result cache",
	}

	var fingerprint string
	invalidate := &cobra.Command{
		Use:   "invalidate",
		Short: "Delete cached results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, app *App) error {
				n, err := app.cache.Invalidate(ctx, cache.Scope{Fingerprint: fingerprint})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d cache entr%s\n", n, plural(n, "y", "ies"))
				return nil
			})
		},
	}
	invalidate.Flags().StringVar(&fingerprint, "fingerprint", "", "Delete only this entry")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show cache statistics",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, g, func(ctx context.Context, app *App) error {
					stats, err := app.cache.Stats(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), stats)
				})
			},
		},
		invalidate,
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
