package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/postpilot/internal/cli"
	"github.com/ChuLiYu/postpilot/pkg/types"
	"github.com/stretchr/testify/require"
)

// fakePlatforms answers the Twitter and LinkedIn publish endpoints.
// failFirst makes the first tweet of every distinct text return 503.
type fakePlatforms struct {
	*httptest.Server
	failFirst bool
	seen      sync.Map
	tweets    atomic.Int32
	shares    atomic.Int32
}

func newFakePlatforms(t testing.TB, failFirst bool) *fakePlatforms {
	f := &fakePlatforms{failFirst: failFirst}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /2/tweets", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, loaded := f.seen.LoadOrStore(body.Text, true); f.failFirst && !loaded {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"title":"Service Unavailable"}`))
			return
		}
		n := f.tweets.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"id": fmt.Sprintf("tw-%d", n)}})
	})
	mux.HandleFunc("POST /v2/ugcPosts", func(w http.ResponseWriter, r *http.Request) {
		n := f.shares.Add(1)
		w.Header().Set("X-Restli-Id", fmt.Sprintf("urn:li:share:%d", n))
		w.WriteHeader(http.StatusCreated)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

// writeConfig writes a file-backed configuration under dir that points every
// platform at api.
func writeConfig(t testing.TB, dir string, api *fakePlatforms) string {
	t.Helper()
	content := fmt.Sprintf(`
log:
  level: error
worker:
  concurrency: 8
  rate_limit: 1000
  rate_window: 1s
  task_timeout: 5s
  poll_interval: 10ms
queue:
  backend: file
  backoff_base: 20ms
wal:
  path: %[1]s/wal/queue.wal
  flush_interval: 1ms
snapshot:
  path: %[1]s/snapshot/queue.json
storage:
  driver: sqlite
  dsn: %[1]s/postpilot.db
platforms:
  twitter_api: %[2]s
  twitter_upload: %[2]s
  linkedin_api: %[2]s
  graph_api: %[2]s/v18.0
`, dir, api.URL)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func openApp(t testing.TB, configPath string) *cli.App {
	t.Helper()
	cfg, err := cli.LoadConfig(configPath)
	require.NoError(t, err)
	app, err := cli.NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	return app
}

// seedPosts links accounts for user and creates n draft posts.
func seedPosts(t testing.TB, app *cli.App, user string, n int, platforms ...types.Platform) []string {
	t.Helper()
	ctx := context.Background()
	for _, p := range platforms {
		require.NoError(t, app.Scheduler.LinkAccount(ctx, &types.SocialAccount{
			UserID: user, Platform: p, AccountID: "acct-" + string(p), AccessToken: "tok",
		}))
	}
	ids := make([]string, n)
	for i := range ids {
		post, err := app.Scheduler.CreatePost(ctx, user, fmt.Sprintf("release notes %d #golang", i), "", platforms)
		require.NoError(t, err)
		ids[i] = post.ID
	}
	return ids
}

// waitForStatus polls until every post has status or the deadline passes.
func waitForStatus(t testing.TB, app *cli.App, ids []string, status types.PostStatus, within time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		done := 0
		for _, id := range ids {
			post, err := app.Store.GetPost(context.Background(), id)
			require.NoError(t, err)
			if post.Status == status {
				done++
			}
		}
		if done == len(ids) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}
