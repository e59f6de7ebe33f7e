package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"asphare/internal/auth"
	"asphare/internal/config"
	"asphare/internal/db"
	"asphare/internal/domain"
	"asphare/internal/engine"
	"asphare/internal/migrate"
	"asphare/internal/sched"
	"asphare/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "asphare",
	Short: "Asphare collaboration event simulator",
	Long: `Asphare simulates the event exhaust of an organization on Slack, Teams
and Jira: a fixed population of users with behavior archetypes, a seeded
historical backlog, live working-hours generation, and an at-most-once
pull API for downstream consumers.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ASPHARE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("data-dir", "d", ".asphare", "data directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(pullCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(scheduleCmd())
}

func setupCmd() *cobra.Command {
	var users, historyDays int
	var configFile string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Seed users and historical events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if configFile != "" {
					if err := e.Cfg.ImportFile(configFile); err != nil {
						return err
					}
				}
				if users == 0 {
					n, err := e.Cfg.UserCount()
					if err != nil {
						return err
					}
					users = n
				}
				if historyDays == 0 {
					n, err := e.Cfg.HistoryDays()
					if err != nil {
						return err
					}
					historyDays = n
				}
				fmt.Printf("Seeding %d users with %d days of history...\n", users, historyDays)
				res, err := e.Setup(ctx, users, historyDays)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&users, "users", 0, "user count (30-60, default from config)")
	cmd.Flags().IntVar(&historyDays, "history-days", 0, "backfill window (14, 30, 90 or 180)")
	cmd.Flags().StringVar(&configFile, "config", "", "YAML settings file to import first")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("ASPHARE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("ASPHARE_JWT_SECRET is required for bearer auth")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				logger := log.New(os.Stderr, "asphare ", log.LstdFlags)
				e.Log = logger
				svc := auth.NewService(e.Repo, secret)
				handler, err := server.New(server.Config{Engine: e, Auth: svc, BasePath: basePath})
				if err != nil {
					return err
				}

				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				if !noScheduler {
					go sched.New(e, logger).Run(runCtx)
				}

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-runCtx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Asphare API on http://%s%s (OpenAPI at /openapi.json, docs at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5000", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "disable the background generation loops")
	return cmd
}

func usersCmd() *cobra.Command {
	users := &cobra.Command{Use: "users", Short: "Inspect the simulated population"}
	users.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListUsers()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Pattern", "Multiplier"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Role, u.BehaviorPattern, u.ActivityMultiplier})
				}
				tw.Render()
				return nil
			})
		},
	})
	return users
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show simulator statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.Stats()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Metric", "Value"})
				tw.AppendRow(table.Row{"users", s.UserCount})
				tw.AppendRow(table.Row{"total events", s.TotalEvents})
				tw.AppendRow(table.Row{"consumed events", s.ConsumedEvents})
				tw.AppendRow(table.Row{"today events", s.TodayEvents})
				tw.AppendRow(table.Row{"mode", s.Mode})
				tw.AppendRow(table.Row{"replay progress", fmt.Sprintf("%d%%", s.ReplayProgress)})
				for _, platform := range domain.AllPlatforms {
					p := s.Platforms[platform]
					tw.AppendRow(table.Row{platform, fmt.Sprintf("%d total, %d today", p.Total, p.Today)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func simulateCmd() *cobra.Command {
	var platform, userID string
	var count int
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Emit manual events on demand",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Simulate(ctx, platform, userID, count)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "slack, teams or jira")
	cmd.Flags().StringVar(&userID, "user", "", "acting user id (random when empty)")
	cmd.Flags().IntVar(&count, "count", 1, "how many events to emit")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func pullCmd() *cobra.Command {
	var platform string
	var limit int
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull and consume events for one platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Pull(ctx, platform, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Event", "User", "Type", "Category", "Timestamp"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.UserID, ev.EventType, ev.EventCategory, ev.Timestamp})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "slack, teams or jira")
	cmd.Flags().IntVar(&limit, "limit", 0, "batch size (0 uses the configured default)")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func replayCmd() *cobra.Command {
	replay := &cobra.Command{Use: "replay", Short: "Control historical replay"}
	replay.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start replaying the historical backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.StartReplay(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	var processed int
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Report processed replay events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.ReportReplayProgress(ctx, processed)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	reportCmd.Flags().IntVar(&processed, "events", 0, "number of events processed since the last report")
	_ = reportCmd.MarkFlagRequired("events")
	replay.AddCommand(reportCmd)
	replay.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show replay progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.ReplayStatus()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				state := "idle"
				if p.InProgress {
					state = "in progress"
				}
				fmt.Printf("%s: %d/%d (%d%%)\n", state, p.ConsumedEvents, p.TotalEvents, p.Percent())
				return nil
			})
		},
	})
	return replay
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete events past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				deleted, err := e.Cleanup(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d events\n", deleted)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage runtime settings"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show stored settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListConfig()
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import settings from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Cfg.ImportFile(args[0])
			})
		},
	}
	cfg.AddCommand(importCmd)
	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				key, value := args[0], args[1]
				switch key {
				case config.KeyMode:
					return e.Cfg.SetMode(value)
				case config.KeyPlatforms:
					return e.Cfg.SetPlatforms(strings.Split(value, ","))
				case config.KeyHistoryDays:
					var days int
					if _, err := fmt.Sscanf(value, "%d", &days); err != nil {
						return fmt.Errorf("invalid value %q", value)
					}
					return e.Cfg.SetHistoryDays(days)
				case config.KeyUserCount, config.KeyRetentionDays, config.KeyBatchSize:
					var n int
					if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
						return fmt.Errorf("invalid value %q", value)
					}
					if key == config.KeyUserCount {
						return e.Cfg.SetUserCount(n)
					}
					return e.Repo.SetConfig(key, value, time.Now().UTC().Format(time.RFC3339))
				default:
					return fmt.Errorf("unknown config key %q", key)
				}
			})
		},
	}
	cfg.AddCommand(setCmd)
	return cfg
}

func scheduleCmd() *cobra.Command {
	schedule := &cobra.Command{Use: "schedule", Short: "Manage queued one-shot events"}
	var at, platform, eventType, userID, params string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Queue an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				when, err := time.Parse(time.RFC3339, at)
				if err != nil {
					// Zone-less timestamps are read as UTC.
					when, err = time.Parse("2006-01-02T15:04:05", at)
				}
				if err != nil {
					return fmt.Errorf("--at must be an ISO 8601 timestamp: %w", err)
				}
				s, err := e.ScheduleEvent(ctx, when, platform, eventType, userID, params)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	addCmd.Flags().StringVar(&at, "at", "", "schedule time (ISO 8601)")
	addCmd.Flags().StringVar(&platform, "platform", "", "slack, teams or jira")
	addCmd.Flags().StringVar(&eventType, "type", "", "event type")
	addCmd.Flags().StringVar(&userID, "user", "", "acting user id (random when empty)")
	addCmd.Flags().StringVar(&params, "params", "", "JSON parameter document")
	_ = addCmd.MarkFlagRequired("at")
	_ = addCmd.MarkFlagRequired("platform")
	_ = addCmd.MarkFlagRequired("type")
	schedule.AddCommand(addCmd)

	var includeExecuted bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListScheduledEvents(includeExecuted)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	listCmd.Flags().BoolVar(&includeExecuted, "all", false, "include executed entries")
	schedule.AddCommand(listCmd)
	return schedule
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	dataDir := viper.GetString("data-dir")
	conn, err := db.Open(db.Config{DataDir: dataDir})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, nil, time.Now().UnixNano())
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
