package trends

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/postpilot/pkg/types"
)

// TwitterSource reads worldwide trends from the v1.1 trends/place endpoint.
type TwitterSource struct {
	BaseURL     string
	BearerToken string
	Client      *http.Client
	Log         *slog.Logger
}

func (s *TwitterSource) Fetch(ctx context.Context, _ types.Platform) ([]types.Trend, error) {
	if s.BearerToken == "" {
		if s.Log != nil {
			s.Log.Warn("twitter trends skipped, no bearer token configured")
		}
		return nil, nil
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := s.BaseURL
	if base == "" {
		base = "https://api.twitter.com"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/1.1/trends/place.json?id=1", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.BearerToken)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("Twitter API error: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var places []struct {
		Trends []struct {
			Name string `json:"name"`
		} `json:"trends"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return nil, fmt.Errorf("decode trends: %w", err)
	}
	var out []types.Trend
	for _, place := range places {
		for _, t := range place.Trends {
			trend := types.Trend{Platform: types.PlatformTwitter, Topic: strings.TrimPrefix(t.Name, "#"), Rank: len(out) + 1}
			if strings.HasPrefix(t.Name, "#") {
				trend.Hashtag = t.Name
			}
			out = append(out, trend)
		}
	}
	return out, nil
}
