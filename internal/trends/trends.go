// Package trends serves trending topics per platform from a 24 hour cache,
// fetching from an external source on a miss.
package trends

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/postpilot/internal/content"
	"github.com/ChuLiYu/postpilot/internal/store"
	"github.com/ChuLiYu/postpilot/pkg/types"
)

// TTL is how long fetched trends stay fresh.
const TTL = 24 * time.Hour

// DefaultLimit caps the trends returned per platform.
const DefaultLimit = 10

// Source fetches current trends for a platform.
type Source interface {
	Fetch(ctx context.Context, platform types.Platform) ([]types.Trend, error)
}

// Service caches trends in a TrendStore.
type Service struct {
	store   store.TrendStore
	sources map[types.Platform]Source
	mock    Source
	log     *slog.Logger
	now     func() time.Time
}

// NewService uses sources for the platforms they name and MockSource for the
// rest.
func NewService(ts store.TrendStore, sources map[types.Platform]Source, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if sources == nil {
		sources = map[types.Platform]Source{}
	}
	return &Service{store: ts, sources: sources, mock: MockSource{}, log: logger, now: time.Now}
}

// Trends returns fresh cached trends, fetching and caching new ones when the
// cache holds none.
func (s *Service) Trends(ctx context.Context, p types.Platform) ([]types.Trend, error) {
	now := s.now()
	cached, err := s.store.FreshTrends(ctx, p, now, DefaultLimit)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		return cached, nil
	}

	src, ok := s.sources[p]
	if !ok {
		src = s.mock
	}
	fetched, err := src.Fetch(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("fetch %s trends: %w", p, err)
	}
	if len(fetched) == 0 {
		return nil, nil
	}
	if len(fetched) > DefaultLimit {
		fetched = fetched[:DefaultLimit]
	}
	for i := range fetched {
		fetched[i].Platform = p
		fetched[i].FetchedAt = now
		fetched[i].ExpiresAt = now.Add(TTL)
	}
	if err := s.store.SaveTrends(ctx, fetched); err != nil {
		s.log.Warn("cache trends", "platform", p, "error", err)
	}
	return fetched, nil
}

// Cleanup deletes expired trends.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	return s.store.DeleteExpiredTrends(ctx, s.now())
}

// Integrate appends up to max trending hashtags that text does not already
// contain.
func Integrate(text string, trends []types.Trend, max int) string {
	have := map[string]bool{}
	for _, tag := range content.ExtractHashtags(text) {
		have[tag] = true
	}

	var add []string
	for _, t := range trends {
		if len(add) == max {
			break
		}
		if t.Hashtag == "" {
			continue
		}
		tag := t.Hashtag
		if !strings.HasPrefix(tag, "#") {
			tag = "#" + tag
		}
		if have[strings.ToLower(tag)] {
			continue
		}
		have[strings.ToLower(tag)] = true
		add = append(add, tag)
	}
	if len(add) == 0 {
		return text
	}
	if strings.Contains(text, "#") {
		return text + " " + strings.Join(add, " ")
	}
	return text + "\n\n" + strings.Join(add, " ")
}

// MockSource returns a fixed set of evergreen topics.
type MockSource struct{}

func (MockSource) Fetch(_ context.Context, p types.Platform) ([]types.Trend, error) {
	topics := []struct{ topic, hashtag, category string }{
		{"AI Technology", "#AI", "Technology"},
		{"Social Media Marketing", "#SocialMedia", "Marketing"},
		{"Digital Transformation", "#DigitalTransformation", "Business"},
		{"Remote Work", "#RemoteWork", "Workplace"},
		{"Sustainability", "#Sustainability", "Environment"},
	}
	out := make([]types.Trend, len(topics))
	for i, t := range topics {
		out[i] = types.Trend{Platform: p, Topic: t.topic, Hashtag: t.hashtag, Category: t.category, Rank: i + 1}
	}
	return out, nil
}
