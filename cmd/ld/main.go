package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"launchdeck/internal/aggregate"
	"launchdeck/internal/app"
	"launchdeck/internal/config"
	"launchdeck/internal/db"
	"launchdeck/internal/domain"
	"launchdeck/internal/engine"
	"launchdeck/internal/migrate"
	"launchdeck/internal/queue"
	"launchdeck/internal/repo"
	"launchdeck/internal/server"
	"launchdeck/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ld",
		Short:         "Launchdeck tracks projects, scans their health, and drives an approved backlog",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	viper.SetEnvPrefix("LAUNCHDECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String("workspace", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id override")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newStoryCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newAPIKeyCmd())
	return rootCmd
}

type env struct {
	DB     *sql.DB
	Engine engine.Engine
	Agg    aggregate.Aggregator
	Config *config.Config
}

func openEnv() (*env, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	dispatcher := queue.New(conn, cfg.QueueSettings(), logger)
	e := engine.New(conn, dispatcher, cfg)
	return &env{DB: conn, Engine: e, Agg: aggregate.New(e.Repo), Config: cfg}, nil
}

func (e *env) Close() { _ = e.DB.Close() }

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func newInitCmd() *cobra.Command {
	var name, siteDomain string
	cmd := &cobra.Command{
		Use:   "init <project-id>",
		Short: "Register a project in this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			p, err := env.Engine.InitProject(cmd.Context(), args[0], env.Config.Workspace.ID, name, siteDomain)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(p)
			}
			fmt.Printf("initialized project %s\n", p.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&siteDomain, "domain", "", "site domain")
	return cmd
}

func newStoryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "story", Short: "Backlog story operations"}
	cmd.AddCommand(newStoryListCmd(), newStoryCreateCmd(), newStoryApproveCmd(), newStoryRejectCmd(), newStoryChangesCmd())
	return cmd
}

func resolveProject(ctx context.Context, env *env) (domain.Project, error) {
	return app.ResolveProject(ctx, viper.GetString("project"), env.Engine.Repo)
}

func newStoryListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stories, stack-ranked by priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			p, err := resolveProject(cmd.Context(), env)
			if err != nil {
				return err
			}
			var stories []domain.Story
			if all {
				stories, err = env.Engine.Repo.ListStories(cmd.Context(), p.ID)
			} else {
				stories, err = env.Engine.Repo.RankedStories(cmd.Context(), p.ID, repo.Timestamp(time.Now()))
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(stories)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Priority", "Score", "Status", "Title"})
			for _, s := range stories {
				t.AppendRow(table.Row{shortID(s.ID), s.PriorityLevel, fmt.Sprintf("%.0f", s.PriorityScore), s.Status, s.Title})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include terminal stories")
	return cmd
}

func newStoryCreateCmd() *cobra.Command {
	var rationale string
	var draft bool
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			p, err := resolveProject(cmd.Context(), env)
			if err != nil {
				return err
			}
			s, err := env.Engine.CreateStory(cmd.Context(), engine.StoryCreateOptions{
				ProjectID: p.ID,
				Title:     args[0],
				Rationale: rationale,
				Source:    domain.SourceDashboard,
				Draft:     draft,
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(s)
			}
			fmt.Printf("created story %s (%s, score %.0f)\n", s.ID, s.PriorityLevel, s.PriorityScore)
			return nil
		},
	}
	cmd.Flags().StringVar(&rationale, "rationale", "", "why this story matters")
	cmd.Flags().BoolVar(&draft, "draft", false, "create as draft")
	return cmd
}

func newStoryApproveCmd() *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:   "approve <story-id>",
		Short: "Approve a story and queue its execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			opts := engine.ApproveOptions{StoryID: args[0], Source: domain.SourceDashboard}
			if priority != "" {
				level := domain.PriorityLevel(strings.ToUpper(priority))
				if level.Rank() > 3 {
					return fmt.Errorf("priority must be P0..P3")
				}
				opts.PriorityOverride = &level
			}
			s, err := env.Engine.Approve(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(s)
			}
			fmt.Printf("approved story %s at %s; execution queued\n", s.ID, s.PriorityLevel)
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "override priority level (P0..P3)")
	return cmd
}

func newStoryRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <story-id>",
		Short: "Reject a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			s, err := env.Engine.Reject(cmd.Context(), args[0], domain.SourceDashboard, reason)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(s)
			}
			fmt.Printf("rejected story %s\n", s.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func newStoryChangesCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "changes <story-id>",
		Short: "Send a story back for changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			s, err := env.Engine.RequestChanges(cmd.Context(), args[0], domain.SourceDashboard, feedback)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(s)
			}
			fmt.Printf("story %s reset to %s\n", s.ID, s.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "what needs to change")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "scan", Short: "Health-scan operations"}
	cmd.AddCommand(&cobra.Command{
		Use:   "queue",
		Short: "Queue a full scan pass for the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			p, err := resolveProject(cmd.Context(), env)
			if err != nil {
				return err
			}
			handles, err := env.Engine.QueueScans(cmd.Context(), p.ID)
			if err != nil {
				return err
			}
			queued, duplicate := 0, 0
			for _, h := range handles {
				if h.Duplicate {
					duplicate++
				} else {
					queued++
				}
			}
			fmt.Printf("queued %d scans (%d deduplicated)\n", queued, duplicate)
			return nil
		},
	})
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show launch readiness for the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			p, err := resolveProject(cmd.Context(), env)
			if err != nil {
				return err
			}
			state, err := env.Agg.Aggregate(cmd.Context(), p.ID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(state)
			}
			fmt.Printf("%s — stage %s, launch score %d/100\n", p.Name, state.LaunchStage, state.LaunchScore)
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Category", "Score", "Max"})
			for cat, cs := range state.ScanScores {
				t.AppendRow(table.Row{cat, cs.Score, cs.Max})
			}
			t.Render()
			fmt.Printf("work: %d pending, %d in progress, %d completed (%.0f%%)\n",
				state.WorkSummary.Pending, state.WorkSummary.InProgress, state.WorkSummary.Completed, state.WorkSummary.CompletionRate)
			for _, rec := range state.Recommendations {
				fmt.Println("  -", rec)
			}
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			handler, err := server.New(server.Config{
				Engine:     env.Engine,
				Aggregator: env.Agg,
				BasePath:   "/v0",
				Auth:       server.AuthConfig{JWTSecret: env.Config.Server.JWTSecret},
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			server.StartWebhookDispatcher(ctx, env.Engine)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				_ = srv.Shutdown(context.Background())
			}()
			fmt.Printf("listening on %s\n", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run queue workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
			runner := &worker.Runner{
				Engine:     env.Engine,
				Dispatcher: env.Engine.Dispatcher,
				Handlers: worker.Handlers(env.Engine,
					worker.NoopExecutor{},
					worker.NoopScanner{},
					worker.DefaultAnalyzer{Aggregator: env.Agg},
					worker.NoopResponder{},
				),
				Log:               logger,
				PollInterval:      env.Config.PollInterval(),
				StuckTTL:          env.Config.StuckTTL(),
				PruneWindow:       env.Config.PruneWindow(),
				VisibilityTimeout: env.Config.VisibilityTimeout(),
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("worker started")
			runner.Run(ctx)
			return nil
		},
	}
}

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API key management"}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			secret, err := env.Engine.Repo.CreateAPIKey(cmd.Context(), args[0], args[0])
			if err != nil {
				return err
			}
			fmt.Println(secret)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			return env.Engine.Repo.RevokeAPIKey(cmd.Context(), args[0])
		},
	})
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
