// Command demo shows crash recovery end to end. "start" schedules a batch
// of posts against a local fake Twitter API and publishes them slowly;
// press Ctrl+C while jobs are in flight, then run "recover" to watch the
// replayed queue finish the batch.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ChuLiYu/postpilot/internal/cli"
	"github.com/ChuLiYu/postpilot/pkg/types"
)

const (
	configPath = "configs/default.yaml"
	demoUser   = "demo-user"
	batchSize  = 200
)

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := cli.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	api := fakeTwitter()
	defer api.Close()
	cfg.Platforms.TwitterAPI = api.URL
	cfg.Platforms.TwitterUpload = api.URL
	cfg.Log.Level = "warn"
	cfg.Metrics.Enabled = false

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := cli.NewApp(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("Failed to open postpilot: %v", err)
	}
	defer func() {
		fmt.Println("\nStopping gracefully...")
		if err := app.Close(context.Background()); err != nil {
			log.Printf("close: %v", err)
		}
		fmt.Println("✓ Stopped")
	}()

	before := stats(app)
	if mode == "start" && before.total() == 0 {
		if err := scheduleBatch(ctx, app); err != nil {
			log.Printf("Failed to schedule posts: %v", err)
			return
		}
		fmt.Printf("✓ Scheduled %d posts\n", batchSize)
		fmt.Println("💡 Press Ctrl+C within a few seconds to catch jobs in flight!")
	} else {
		fmt.Println("⚠️  Found jobs from a previous run (recovered from the WAL):")
		before.print()
	}

	if err := app.Controller.Start(ctx); err != nil {
		log.Printf("Failed to start controller: %v", err)
		return
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := stats(app)
			fmt.Printf("📊 Pending=%d In-Flight=%d Completed=%d Exhausted=%d\n",
				s.pending, s.inFlight, s.completed, s.exhausted)
			if s.pending == 0 && s.inFlight == 0 {
				fmt.Println("✓ All posts processed")
				return
			}
		}
	}
}

func scheduleBatch(ctx context.Context, app *cli.App) error {
	err := app.Scheduler.LinkAccount(ctx, &types.SocialAccount{
		UserID: demoUser, Platform: types.PlatformTwitter, AccountID: "@demo", AccessToken: "demo-token",
	})
	if err != nil {
		return err
	}
	for i := 1; i <= batchSize; i++ {
		post, err := app.Scheduler.CreatePost(ctx, demoUser, fmt.Sprintf("Demo post %03d #postpilot", i), "", []types.Platform{types.PlatformTwitter})
		if err != nil {
			return err
		}
		at := time.Now().Add(time.Duration(i) * 10 * time.Millisecond)
		if _, err := app.Scheduler.SchedulePost(ctx, post.ID, at, post.Platforms, demoUser); err != nil {
			return err
		}
	}
	return nil
}

// fakeTwitter accepts tweets after a random delay and rejects about one in
// ten, so some jobs retry.
func fakeTwitter() *httptest.Server {
	var n atomic.Int64
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Duration(rand.IntN(500)) * time.Millisecond)
		if rand.IntN(10) == 0 {
			http.Error(w, `{"title":"Too Many Requests"}`, http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"id": fmt.Sprintf("demo-%d", n.Add(1))}})
	}))
}

type queueStats struct {
	pending, inFlight, completed, exhausted int
}

func (s queueStats) total() int { return s.pending + s.inFlight + s.completed + s.exhausted }

func (s queueStats) print() {
	fmt.Printf("  Pending:   %d\n", s.pending)
	fmt.Printf("  In-Flight: %d\n", s.inFlight)
	fmt.Printf("  Completed: %d\n", s.completed)
	fmt.Printf("  Exhausted: %d\n", s.exhausted)
}

func stats(app *cli.App) queueStats {
	m, err := app.Queue.Stats(context.Background())
	if err != nil {
		log.Printf("stats: %v", err)
	}
	return queueStats{
		pending:   m[string(types.StatusPending)],
		inFlight:  m[string(types.StatusInFlight)],
		completed: m[string(types.StatusCompleted)],
		exhausted: m[string(types.StatusExhausted)],
	}
}
