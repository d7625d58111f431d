// Package main provides the oss-supervisor binary entry point.
// The supervisor watches a project's workflow log, detects anomalies,
// enforces iron-law compliance, and routes model traffic for the
// surrounding one-shot-ship plugin.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/501336North/oss-supervisor/config"
	"github.com/501336North/oss-supervisor/health"
	"github.com/501336North/oss-supervisor/intervene"
	"github.com/501336North/oss-supervisor/llmdetect"
	"github.com/501336North/oss-supervisor/metrics"
	"github.com/501336North/oss-supervisor/proxy"
	"github.com/501336North/oss-supervisor/queue"
	"github.com/501336North/oss-supervisor/state"
	"github.com/501336North/oss-supervisor/supervisor"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "oss-supervisor"
)

func main() {
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

func rootCmd() *cobra.Command {
	var (
		projectPath string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Workflow supervisor for the one-shot-ship plugin",
		Long: `oss-supervisor is a background observability and intervention daemon.

It tails the project's workflow log, reconstructs chain state, detects
anomalies (loops, silence, test failures, compliance violations), and
reacts by enqueuing prioritized remediation tasks and emitting
notifications. It also serves the model-routing proxy.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&projectPath, "project", ".", "Project root to supervise")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(&projectPath, &logLevel))
	cmd.AddCommand(proxyCmd(&projectPath, &logLevel))
	cmd.AddCommand(healthCmd(&projectPath))
	cmd.AddCommand(queueCmd(&projectPath))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// setup resolves the project path and configures logging. A .env beside
// the project root is loaded when present so api keys reach the proxy.
func setup(projectPath, logLevel string) (string, error) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}

	if err := godotenv.Load(filepath.Join(abs, ".env")); err == nil {
		logger.Debug("Loaded environment from .env")
	}
	return abs, nil
}

func runCmd(projectPath, logLevel *string) *cobra.Command {
	var withProxy bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor (and optionally the proxy) until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := setup(*projectPath, *logLevel)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m := metrics.New()
			paths := state.NewPaths(root)
			settings := config.LoadSettings(paths)
			routing := config.LoadRouting(paths)

			opts := []supervisor.SupervisorOption{
				supervisor.WithMetrics(m),
				supervisor.WithSettings(settings),
				supervisor.WithNotifier(printNotifier()),
			}
			if settings.LLMEndpoint != "" {
				opts = append(opts, supervisor.WithClassifier(llmdetect.NewClassifier(
					settings.LLMEndpoint,
					routing.APIKeys["openai"],
					llmdetect.WithModel(settings.LLMModel),
					llmdetect.WithConfidenceFloor(settings.LLMConfidenceFloor),
				)))
			}

			sup := supervisor.New(root, opts...)
			if err := sup.Start(ctx); err != nil {
				return err
			}
			defer sup.Stop()

			if withProxy {
				srv := proxy.NewServer(routing,
					proxy.WithPort(settings.ProxyPort),
					proxy.WithMetrics(m),
				)
				go func() {
					if err := srv.ListenAndServe(ctx); err != nil {
						slog.Error("Proxy stopped", "error", err)
					}
				}()
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&withProxy, "with-proxy", true, "Serve the model-routing proxy alongside the supervisor")
	return cmd
}

func proxyCmd(projectPath, logLevel *string) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run only the model-routing proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := setup(*projectPath, *logLevel)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			paths := state.NewPaths(root)
			settings := config.LoadSettings(paths)
			if port == 0 {
				port = settings.ProxyPort
			}

			srv := proxy.NewServer(config.LoadRouting(paths),
				proxy.WithPort(port),
				proxy.WithMetrics(metrics.New()),
			)
			slog.Info("Proxy listening", "port", port)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Listen port (default from settings, falling back to 3456)")
	return cmd
}

func healthCmd(projectPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the diagnostic checks and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := filepath.Abs(*projectPath)
			if err != nil {
				return err
			}

			report := health.NewChecker(root).Run()
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if report.OverallStatus == health.OverallCritical {
				os.Exit(1)
			}
			return nil
		},
	}
}

func queueCmd(projectPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or mutate the remediation queue",
	}

	open := func() (*queue.Manager, error) {
		root, err := filepath.Abs(*projectPath)
		if err != nil {
			return nil, err
		}
		return queue.NewManager(state.NewPaths(root).QueueDir())
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued tasks in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := open()
			if err != nil {
				return err
			}
			tasks := q.Tasks()
			if len(tasks) == 0 {
				fmt.Println("queue is empty")
				return nil
			}
			for _, task := range tasks {
				fmt.Printf("%-30s %-8s %-20s %s\n", task.ID, task.Priority, task.AnomalyType, task.Status)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Print the next pending task as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := open()
			if err != nil {
				return err
			}
			task := q.NextPending()
			if task == nil {
				fmt.Println("null")
				return nil
			}
			out, err := json.MarshalIndent(task, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every task from the live queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := open()
			if err != nil {
				return err
			}
			return q.Clear()
		},
	})

	return cmd
}

// printNotifier renders notifications to stderr. Platform notifier
// integration rides on the shell hooks outside this binary.
func printNotifier() supervisor.Notifier {
	return func(n intervene.Notification) {
		fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", n.Priority, n.Title, n.Message)
	}
}
