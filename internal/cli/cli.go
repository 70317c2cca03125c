// ============================================================================
// postpilot CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
//
// Command Structure:
//   postpilot                      # Root command
//   ├── run                        # Start API, health, metrics and the consumer
//   ├── create                     # Create a draft post
//   ├── schedule                   # Schedule a post for later
//   ├── cancel                     # Cancel a scheduled post
//   ├── publish                    # Publish a post immediately
//   ├── status                     # Queue statistics or one post's detail
//   ├── accounts link|list         # Manage linked social accounts
//   ├── trends                     # Show trending topics for a platform
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// One-shot commands open the same storage and queue as run. With the file
// queue backend they must not run while a run process holds the WAL; use
// the HTTP API against a running instance instead.
//
// run Command:
//   1. Load config (.env, YAML, environment overrides)
//   2. Open storage and the queue, recovering queue state
//   3. Start the controller, HTTP API, gRPC health and metrics servers
//   4. On SIGINT/SIGTERM: report NOT_SERVING, drain workers, close resources
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/postpilot/internal/content"
	"github.com/ChuLiYu/postpilot/internal/server"
	"github.com/ChuLiYu/postpilot/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the drain after a stop signal.
const shutdownTimeout = 30 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "postpilot",
		Short: "postpilot: schedule and publish social media posts",
		Long: `postpilot publishes posts to Twitter, LinkedIn, Facebook and Instagram:
- durable delayed job queue (WAL + snapshot, or PostgreSQL)
- retries with exponential backoff
- rate-limited concurrent workers
- REST API, gRPC health checks, Prometheus metrics`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildCreateCommand())
	rootCmd.AddCommand(buildScheduleCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildPublishCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildAccountsCommand())
	rootCmd.AddCommand(buildTrendsCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the postpilot server and queue consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx)
		},
	}
}

func runSystem(ctx context.Context) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg, os.Stderr)
	logger.Info("starting postpilot",
		"config", configFile,
		"queue", cfg.Queue.Backend,
		"storage", cfg.Storage.Driver,
		"workers", cfg.Worker.Concurrency)

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := app.Controller.Start(ctx); err != nil {
		_ = app.Close(context.Background())
		return fmt.Errorf("failed to start controller: %w", err)
	}

	health := server.NewHealth(logger)
	api := server.NewHTTP(app.Scheduler, app.Trends, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Serve(gctx, cfg.HTTP.Addr) })
	g.Go(func() error { return health.Serve(gctx, cfg.GRPC.HealthAddr) })
	if app.Metrics != nil {
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		logger.Info("metrics server listening", "addr", addr)
		g.Go(func() error { return app.Metrics.Serve(gctx, addr) })
	}
	health.SetServing(true)
	logger.Info("system started")

	serveErr := g.Wait()
	health.SetServing(false)
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := app.Close(shutdownCtx)
	if serveErr != nil {
		return errors.Join(serveErr, closeErr)
	}
	if closeErr != nil {
		return closeErr
	}
	logger.Info("system stopped")
	return nil
}

// withApp loads the config, builds an App for a one-shot command and closes
// it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := NewApp(ctx, cfg, newLogger(cfg, os.Stderr))
	if err != nil {
		return err
	}
	runErr := fn(ctx, app)
	return errors.Join(runErr, app.Close(ctx))
}

// ============================================================================
// posts
// ============================================================================

func buildCreateCommand() *cobra.Command {
	var user, text, image, platforms string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft post",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := parsePlatforms(platforms)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *App) error {
				post, err := app.Scheduler.CreatePost(ctx, user, text, image, targets)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), post.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "owner user id")
	cmd.Flags().StringVar(&text, "text", "", "post content")
	cmd.Flags().StringVar(&image, "image", "", "image URL (required for Instagram)")
	cmd.Flags().StringVar(&platforms, "platforms", "", "comma-separated platforms")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func buildScheduleCommand() *cobra.Command {
	var post, user, at, platforms string
	var in time.Duration

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a post for publishing",
		Long:  "Schedule a post at an RFC 3339 time (--at) or after a delay (--in).",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := parsePlatforms(platforms)
			if err != nil {
				return err
			}
			when, err := scheduleTime(at, in, time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *App) error {
				id, err := app.Scheduler.SchedulePost(ctx, post, when, targets, user)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scheduled %s at %s\n", id, when.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&post, "post", "", "post id")
	cmd.Flags().StringVar(&user, "user", "", "owner user id")
	cmd.Flags().StringVar(&at, "at", "", "publish time, RFC 3339")
	cmd.Flags().DurationVar(&in, "in", 0, "publish after this delay")
	cmd.Flags().StringVar(&platforms, "platforms", "", "comma-separated platforms")
	cmd.MarkFlagsMutuallyExclusive("at", "in")
	_ = cmd.MarkFlagRequired("post")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("platforms")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	var post, user string

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a scheduled post",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				ok, err := app.Scheduler.CancelScheduledPost(ctx, post, user)
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", post)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "no pending job for %s\n", post)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&post, "post", "", "post id")
	cmd.Flags().StringVar(&user, "user", "", "owner user id (ownership is not checked when empty)")
	_ = cmd.MarkFlagRequired("post")
	return cmd
}

func buildPublishCommand() *cobra.Command {
	var post, user, platforms string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a post immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := parsePlatforms(platforms)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *App) error {
				result, err := app.Scheduler.PublishPostNow(ctx, post, targets, user)
				if err != nil {
					return err
				}
				printResults(cmd.OutOrStdout(), result)
				if !result.Success {
					return fmt.Errorf("post %s: %d platform(s) failed", post, len(result.Failed()))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&post, "post", "", "post id")
	cmd.Flags().StringVar(&user, "user", "", "owner user id")
	cmd.Flags().StringVar(&platforms, "platforms", "", "comma-separated platforms (default: the post's own)")
	_ = cmd.MarkFlagRequired("post")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printResults(w io.Writer, result types.AggregateResult) {
	for _, r := range result.Results {
		if r.Success {
			fmt.Fprintf(w, "  ✅ %-10s %s\n", r.Platform, r.PlatformPostID)
		} else {
			fmt.Fprintf(w, "  ❌ %-10s %s\n", r.Platform, r.Error)
		}
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var post, user string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status or one post's detail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				if post != "" {
					return showPost(ctx, cmd.OutOrStdout(), app, post, user)
				}
				return showStatus(ctx, cmd.OutOrStdout(), app)
			})
		},
	}

	cmd.Flags().StringVar(&post, "post", "", "show this post instead of queue totals")
	cmd.Flags().StringVar(&user, "user", "", "owner user id (with --post)")
	return cmd
}

func showStatus(ctx context.Context, w io.Writer, app *App) error {
	status, err := app.Controller.Status(ctx)
	if err != nil {
		return fmt.Errorf("read queue stats: %w", err)
	}
	cfg := app.Config

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:   %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Workers:       %d (%d per %s)\n", cfg.Worker.Concurrency, cfg.Worker.RateLimit, cfg.Worker.RateWindow)
	fmt.Fprintf(w, "  ├─ Queue:         %s\n", cfg.Queue.Backend)
	fmt.Fprintf(w, "  ├─ Platforms:     %s\n", joinPlatforms(app.Platforms.Platforms()))
	fmt.Fprintf(w, "  └─ Storage:       %s\n", cfg.Storage.Driver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Jobs:")
	statuses := []types.JobStatus{types.StatusPending, types.StatusInFlight, types.StatusCompleted, types.StatusExhausted}
	for i, s := range statuses {
		branch := "├─"
		if i == len(statuses)-1 {
			branch = "└─"
		}
		n, _ := status[string(s)].(int)
		fmt.Fprintf(w, "  %s %-10s %d\n", branch, s+":", n)
	}
	return nil
}

func showPost(ctx context.Context, w io.Writer, app *App, postID, user string) error {
	detail, err := app.Scheduler.GetPost(ctx, postID, user)
	if err != nil {
		return err
	}
	p := detail.Post
	fmt.Fprintf(w, "post %s (%s)\n", p.ID, p.Status)
	fmt.Fprintf(w, "  content:   %s\n", content.Truncate(p.Content, 60))
	fmt.Fprintf(w, "  platforms: %s\n", joinPlatforms(p.Platforms))
	if p.ScheduledFor != nil {
		fmt.Fprintf(w, "  scheduled: %s\n", p.ScheduledFor.UTC().Format(time.RFC3339))
	}
	if p.PostedAt != nil {
		fmt.Fprintf(w, "  posted:    %s\n", p.PostedAt.UTC().Format(time.RFC3339))
	}
	if j := detail.Job; j != nil {
		fmt.Fprintf(w, "  job:       %s %s attempt %d/%d next %s\n",
			j.ID, j.Status, j.Attempt, j.MaxAttempts, j.RunAt.UTC().Format(time.RFC3339))
		if j.LastError != "" {
			fmt.Fprintf(w, "  last error: %s\n", j.LastError)
		}
	}
	for _, r := range detail.Results {
		mark := "✅"
		if !r.Success {
			mark = "❌"
		}
		fmt.Fprintf(w, "  %s %-10s %s%s\n", mark, r.Platform, r.PlatformPostID, r.Error)
	}
	return nil
}

// ============================================================================
// accounts
// ============================================================================

func buildAccountsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage linked social accounts",
	}
	cmd.AddCommand(buildAccountsLinkCommand(), buildAccountsListCommand())
	return cmd
}

func buildAccountsLinkCommand() *cobra.Command {
	var user, platform, account, name, token, refresh string

	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link a platform account to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				a := &types.SocialAccount{
					UserID:       user,
					Platform:     types.Platform(strings.ToLower(platform)),
					AccountID:    account,
					AccountName:  name,
					AccessToken:  token,
					RefreshToken: refresh,
				}
				if err := app.Scheduler.LinkAccount(ctx, a); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "linked %s account %s\n", a.Platform, a.AccountID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "owner user id")
	cmd.Flags().StringVar(&platform, "platform", "", "twitter, linkedin, facebook or instagram")
	cmd.Flags().StringVar(&account, "account", "", "platform account id (page id, person URN, ...)")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the account id)")
	cmd.Flags().StringVar(&token, "token", "", "access token")
	cmd.Flags().StringVar(&refresh, "refresh-token", "", "refresh token")
	for _, f := range []string{"user", "platform", "account", "token"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func buildAccountsListCommand() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's linked accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				accounts, err := app.Scheduler.ListAccounts(ctx, user)
				if err != nil {
					return err
				}
				for _, a := range accounts {
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-20s %s\n", a.Platform, a.AccountID, a.AccountName)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "owner user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// ============================================================================
// trends
// ============================================================================

func buildTrendsCommand() *cobra.Command {
	var platform string

	cmd := &cobra.Command{
		Use:   "trends",
		Short: "Show trending topics for a platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := types.ParsePlatform(strings.ToLower(platform))
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *App) error {
				list, err := app.Trends.Trends(ctx, p)
				if err != nil {
					return err
				}
				sort.SliceStable(list, func(i, j int) bool { return list[i].Rank < list[j].Rank })
				for _, t := range list {
					line := fmt.Sprintf("%2d. %s %s", t.Rank, t.Topic, t.Hashtag)
					if t.Category != "" {
						line += " [" + t.Category + "]"
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "twitter", "platform")
	return cmd
}

// ============================================================================
// helpers
// ============================================================================

// parsePlatforms splits a comma-separated flag. Empty yields nil.
func parsePlatforms(s string) ([]types.Platform, error) {
	var out []types.Platform
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		p, err := types.ParsePlatform(part)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// scheduleTime resolves --at or --in against now.
func scheduleTime(at string, in time.Duration, now time.Time) (time.Time, error) {
	switch {
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("--at: %w", err)
		}
		return t, nil
	case in > 0:
		return now.Add(in), nil
	default:
		return time.Time{}, errors.New("one of --at or --in is required")
	}
}

func joinPlatforms(ps []types.Platform) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}
