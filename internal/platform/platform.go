// Package platform holds the social network adapters. Every adapter turns a
// post into one platform's publish call and reports the outcome as a
// types.PublishResult; no adapter returns or panics with an error.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ChuLiYu/postpilot/pkg/types"
)

// Publisher publishes a post through one linked account.
type Publisher interface {
	Platform() types.Platform
	Publish(ctx context.Context, post *types.Post, account *types.SocialAccount) types.PublishResult
}

// PublishError is a failed platform API call. StatusCode is zero when the
// request never got a response.
type PublishError struct {
	Platform   types.Platform
	StatusCode int
	Body       string
	Err        error
}

func (e *PublishError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s request failed: %v", DisplayName(e.Platform), e.Err)
	}
	return fmt.Sprintf("%s API error: %d %s", DisplayName(e.Platform), e.StatusCode, e.Body)
}

func (e *PublishError) Unwrap() error { return e.Err }

// MissingImageError is returned by platforms that cannot publish text only.
type MissingImageError struct {
	Platform types.Platform
}

func (e *MissingImageError) Error() string {
	return DisplayName(e.Platform) + " posts require an image"
}

// DisplayName is the platform's name as it appears in messages.
func DisplayName(p types.Platform) string {
	switch p {
	case types.PlatformTwitter:
		return "Twitter"
	case types.PlatformLinkedIn:
		return "LinkedIn"
	case types.PlatformFacebook:
		return "Facebook"
	case types.PlatformInstagram:
		return "Instagram"
	}
	return string(p)
}

// Endpoints are the API base URLs. Tests point them at local servers.
type Endpoints struct {
	TwitterAPI    string `yaml:"twitter_api"`
	TwitterUpload string `yaml:"twitter_upload"`
	LinkedInAPI   string `yaml:"linkedin_api"`
	GraphAPI      string `yaml:"graph_api"`
}

// DefaultEndpoints are the production API hosts.
var DefaultEndpoints = Endpoints{
	TwitterAPI:    "https://api.twitter.com",
	TwitterUpload: "https://upload.twitter.com",
	LinkedInAPI:   "https://api.linkedin.com",
	GraphAPI:      "https://graph.facebook.com/v18.0",
}

// WithDefaults fills empty URLs from DefaultEndpoints.
func (e Endpoints) WithDefaults() Endpoints {
	if e.TwitterAPI == "" {
		e.TwitterAPI = DefaultEndpoints.TwitterAPI
	}
	if e.TwitterUpload == "" {
		e.TwitterUpload = DefaultEndpoints.TwitterUpload
	}
	if e.LinkedInAPI == "" {
		e.LinkedInAPI = DefaultEndpoints.LinkedInAPI
	}
	if e.GraphAPI == "" {
		e.GraphAPI = DefaultEndpoints.GraphAPI
	}
	return e
}

// Registry maps each platform to its publisher.
type Registry struct {
	publishers map[types.Platform]Publisher
}

func NewRegistry(publishers ...Publisher) *Registry {
	r := &Registry{publishers: make(map[types.Platform]Publisher, len(publishers))}
	for _, p := range publishers {
		r.publishers[p.Platform()] = p
	}
	return r
}

// NewDefaultRegistry registers all four adapters against endpoints.
func NewDefaultRegistry(endpoints Endpoints, client *http.Client, logger *slog.Logger) *Registry {
	endpoints = endpoints.WithDefaults()
	c := newAPIClient(client, logger)
	return NewRegistry(
		&Twitter{api: c, apiURL: endpoints.TwitterAPI, uploadURL: endpoints.TwitterUpload},
		&LinkedIn{api: c, apiURL: endpoints.LinkedInAPI},
		&Facebook{api: c, graphURL: endpoints.GraphAPI},
		&Instagram{api: c, graphURL: endpoints.GraphAPI},
	)
}

func (r *Registry) Get(p types.Platform) (Publisher, bool) {
	pub, ok := r.publishers[p]
	return pub, ok
}

// Platforms lists registered platforms in name order.
func (r *Registry) Platforms() []types.Platform {
	out := make([]types.Platform, 0, len(r.publishers))
	for p := range r.publishers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ============================================================================
// shared HTTP plumbing
// ============================================================================

const maxResponseBody = 1 << 20

type apiClient struct {
	http *http.Client
	log  *slog.Logger
}

func newAPIClient(client *http.Client, logger *slog.Logger) *apiClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &apiClient{http: client, log: logger}
}

// do sends req and decodes a 2xx JSON body into out. A non-2xx status
// becomes a *PublishError carrying the response body.
func (c *apiClient) do(p types.Platform, req *http.Request, out any) (http.Header, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &PublishError{Platform: p, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &PublishError{Platform: p, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &PublishError{Platform: p, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, &PublishError{Platform: p, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return resp.Header, nil
}

func (c *apiClient) postJSON(ctx context.Context, p types.Platform, endpoint, token string, headers map[string]string, in, out any) (http.Header, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, &PublishError{Platform: p, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &PublishError{Platform: p, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(p, req, out)
}

func (c *apiClient) postForm(ctx context.Context, p types.Platform, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return &PublishError{Platform: p, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, err = c.do(p, req, out)
	return err
}

func success(p types.Platform, id string) types.PublishResult {
	return types.PublishResult{Platform: p, Success: true, PlatformPostID: id}
}

func failure(p types.Platform, err error) types.PublishResult {
	return types.PublishResult{Platform: p, Success: false, Error: err.Error()}
}
