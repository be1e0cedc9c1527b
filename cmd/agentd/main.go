// agentd runs personal background agents on cron schedules. Each agent is a
// conversation loop over a chat model with tools for web search, browsing,
// and long-term memory.
//
// Start the daemon:
//
//	agentd serve --config agentd.yaml
//
// Trigger one agent immediately:
//
//	agentd run inbox-triage
//
// Inspect recent runs:
//
//	agentd status
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/perchlabs/agentd/internal/config"
	"github.com/perchlabs/agentd/internal/observability"
	"github.com/perchlabs/agentd/internal/scheduler"
	"github.com/perchlabs/agentd/internal/service"
	"github.com/perchlabs/agentd/pkg/models"
)

var (
	version = "dev"

	configPath string
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agentd",
		Short:        "Personal automation agents on a schedule",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRunCmd(),
		buildStatusCmd(),
		buildMemoryCmd(),
	)
	return rootCmd
}

func defaultConfigPath() string {
	if env := os.Getenv("AGENTD_CONFIG"); env != "" {
		return env
	}
	return "agentd.yaml"
}

// bootstrap loads config and builds the logger shared by every command.
func bootstrap() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	return cfg, logger, nil
}

func buildServeCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}

			svc, err := service.New(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			runs, err := scheduler.NewRunStore(filepath.Join(cfg.StateDir, "runs.db"))
			if err != nil {
				return err
			}
			defer runs.Close()

			store := scheduler.NewConfigStore(configPath, cfg)
			sched := scheduler.New(store, runs, svc, scheduler.WithLogger(logger))
			if err := sched.Start(); err != nil {
				return err
			}
			defer sched.Stop()

			stopWatch, err := scheduler.Watch(store, sched, logger)
			if err != nil {
				logger.Warn("config watching disabled", "error", err)
			} else {
				defer stopWatch()
			}

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					fmt.Fprintln(w, "ok")
				})
				mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Content-Type", "application/json")
					json.NewEncoder(w).Encode(sched.Status())
				})
				srv := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			logger.Info("agentd started",
				"version", version, "agents", len(cfg.Agents), "metrics", metricsAddr)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			logger.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9822", "Address for /metrics, /healthz, and /status (empty to disable)")
	return cmd
}

func buildRunCmd() *cobra.Command {
	var byName bool
	cmd := &cobra.Command{
		Use:   "run <agent-id>",
		Short: "Run one agent immediately and stream its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}

			svc, err := service.New(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			runs, err := scheduler.NewRunStore(filepath.Join(cfg.StateDir, "runs.db"))
			if err != nil {
				return err
			}
			defer runs.Close()

			store := scheduler.NewConfigStore(configPath, cfg)
			sched := scheduler.New(store, runs, svc, scheduler.WithLogger(logger))

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sink := func(ev *models.RunEvent) {
				switch ev.Type {
				case models.EventContent:
					fmt.Print(ev.Content)
				case models.EventToolStatus:
					if ev.Status == models.ToolStatusSearching {
						fmt.Fprintf(os.Stderr, "\n[%s...]\n", ev.Tool)
					}
				case models.EventError:
					fmt.Fprintf(os.Stderr, "\n[error: %s]\n", ev.Err)
				case models.EventDone:
					fmt.Println()
				}
			}

			var run *models.AgentRun
			if byName {
				run, err = sched.RunByName(ctx, args[0], sink)
			} else {
				run, err = sched.RunNow(ctx, args[0], sink)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "run %s finished: %s in %s\n", run.ID, run.Status, run.Duration.Round(time.Millisecond))
			if run.Status == models.RunError {
				return fmt.Errorf("run failed: %s", run.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&byName, "by-name", false, "Look the agent up by name instead of id")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var agentID string
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configured agents and recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}

			fmt.Println("Agents:")
			for _, ag := range cfg.Agents {
				state := "manual"
				if ag.CronSchedule != "" {
					state = ag.CronSchedule
				}
				if ag.Disabled {
					state = "disabled"
				}
				fmt.Printf("  %-20s %-24s model=%s\n", ag.ID, state, ag.Model)
			}

			runs, err := scheduler.NewRunStore(filepath.Join(cfg.StateDir, "runs.db"))
			if err != nil {
				return err
			}
			defer runs.Close()

			list, err := runs.ListRuns(cmd.Context(), agentID, limit)
			if err != nil {
				return err
			}
			fmt.Println("\nRecent runs:")
			if len(list) == 0 {
				fmt.Println("  (none)")
			}
			for _, run := range list {
				errText := ""
				if run.Error != "" {
					errText = "  " + run.Error
				}
				fmt.Printf("  %s  %-20s %-8s %8s%s\n",
					run.StartedAt.Local().Format("2006-01-02 15:04"),
					run.AgentID, run.Status, run.Duration.Round(time.Second), errText)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "Only show runs for this agent id")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to show")
	return cmd
}

func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage agent memory",
	}
	cmd.AddCommand(
		buildMemorySearchCmd(),
		buildMemoryImportCmd(),
		buildMemoryForgetCmd(),
	)
	return cmd
}

// memoryNamespace resolves an agent id to its memory namespace.
func memoryNamespace(cfg *config.Config, agentID string) (string, error) {
	ag, ok := cfg.Agent(agentID)
	if !ok {
		return "", fmt.Errorf("agent %s not found", agentID)
	}
	return ag.MemoryPath, nil
}

func buildMemorySearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <agent-id> <query>",
		Short: "Search an agent's memory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			svc, err := service.New(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			ns, err := memoryNamespace(cfg, args[0])
			if err != nil {
				return err
			}
			store, err := svc.MemoryStore(ns)
			if err != nil {
				return err
			}

			results, err := store.Search(cmd.Context(), args[1], limit, nil)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("no matches")
				return nil
			}
			for _, r := range results {
				fmt.Printf("[%.3f] (%s) %s\n", r.Distance, r.Chunk.Type, r.Chunk.Content)
				if r.Chunk.Source != "" {
					fmt.Printf("        source: %s\n", r.Chunk.Source)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "Maximum results")
	return cmd
}

func buildMemoryImportCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "import <agent-id> <file>",
		Short: "Chunk and embed a document into an agent's memory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			svc, err := service.New(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			ns, err := memoryNamespace(cfg, args[0])
			if err != nil {
				return err
			}
			store, err := svc.MemoryStore(ns)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if source == "" {
				source = "docs/" + filepath.Base(args[1])
			}
			ids, err := store.StoreDocument(cmd.Context(), args[0], source, string(data))
			if err != nil {
				return err
			}
			fmt.Printf("imported %d chunks under %s\n", len(ids), source)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Source label (default docs/<filename>)")
	return cmd
}

func buildMemoryForgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forget <agent-id> <source-prefix>",
		Short: "Delete every memory whose source has the given prefix",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			svc, err := service.New(cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			ns, err := memoryNamespace(cfg, args[0])
			if err != nil {
				return err
			}
			store, err := svc.MemoryStore(ns)
			if err != nil {
				return err
			}

			n, err := store.DeleteSource(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d chunks\n", n)
			return nil
		},
	}
	return cmd
}
