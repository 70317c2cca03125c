// Package content holds text helpers shared by post creation and trend
// integration, and the contracts of the external content generators.
package content

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ChuLiYu/postpilot/pkg/types"
)

var hashtagRe = regexp.MustCompile(`#\w+`)

// ExtractHashtags returns the #tags in text, lower-cased, in first-seen order
// without duplicates.
func ExtractHashtags(text string) []string {
	matches := hashtagRe.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		tag := strings.ToLower(m)
		if seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// CharacterLimit is the maximum post length a platform accepts.
func CharacterLimit(p types.Platform) int {
	switch p {
	case types.PlatformLinkedIn:
		return 3000
	case types.PlatformFacebook:
		return 63206
	case types.PlatformInstagram:
		return 2200
	default:
		return 280
	}
}

// LimitError reports content that is too long for a platform.
type LimitError struct {
	Platform types.Platform
	Length   int
	Limit    int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("content is %d characters, %s allows %d", e.Length, e.Platform, e.Limit)
}

// CheckLimits returns a *LimitError for the first platform whose limit text
// exceeds. Length is counted in runes.
func CheckLimits(text string, platforms []types.Platform) error {
	n := utf8.RuneCountInString(text)
	for _, p := range platforms {
		if limit := CharacterLimit(p); n > limit {
			return &LimitError{Platform: p, Length: n, Limit: limit}
		}
	}
	return nil
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

// Generator drafts post text. Implementations call an external model.
type Generator interface {
	Generate(ctx context.Context, topic string, platform types.Platform, tone string, trends []types.Trend) ([]string, error)
}

// ImageGenerator produces an image for a prompt and returns its URL.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt, style string) (string, error)
}
