// Package server exposes the scheduler over HTTP and reports liveness over
// the gRPC health protocol.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/postpilot/internal/queue"
	"github.com/ChuLiYu/postpilot/internal/scheduler"
	"github.com/ChuLiYu/postpilot/internal/store"
	"github.com/ChuLiYu/postpilot/internal/trends"
	"github.com/ChuLiYu/postpilot/pkg/types"
	restful "github.com/emicklei/go-restful/v3"
	restfullog "github.com/emicklei/go-restful/v3/log"
)

// UserHeader carries the caller's user id. Authentication happens upstream.
const UserHeader = "X-User-ID"

// HTTP serves the post, account and trend routes.
type HTTP struct {
	sched     *scheduler.Service
	trends    *trends.Service
	log       *slog.Logger
	container *restful.Container
}

func NewHTTP(sched *scheduler.Service, ts *trends.Service, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	restfullog.SetLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))

	h := &HTTP{sched: sched, trends: ts, log: logger, container: restful.NewContainer()}
	h.container.Add(h.postService())
	h.container.Add(h.accountService())
	h.container.Add(h.trendService())
	h.container.ServeMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h
}

// Handler returns the routed container.
func (h *HTTP) Handler() http.Handler { return h.container }

// Serve listens on addr until ctx is cancelled.
func (h *HTTP) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: h.container, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	h.log.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ============================================================================
// routes
// ============================================================================

func (h *HTTP) postService() *restful.WebService {
	ws := new(restful.WebService)
	ws.Path("/post").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON).
		Filter(h.requireUser)

	ws.Route(ws.POST("/schedule").To(h.schedule).Reads(scheduleRequest{}).Writes(scheduleResponse{}))
	ws.Route(ws.POST("/cancel").To(h.cancel).Reads(postRef{}).Writes(cancelResponse{}))
	ws.Route(ws.POST("/publish").To(h.publish).Reads(publishRequest{}).Writes(types.AggregateResult{}))
	ws.Route(ws.POST("/create").To(h.create).Reads(createRequest{}).Writes(types.Post{}))
	ws.Route(ws.GET("").To(h.list).Param(ws.QueryParameter("status", "draft, scheduled, posted or failed")))
	ws.Route(ws.GET("/{id}").To(h.get).Param(ws.PathParameter("id", "post id")).Writes(scheduler.PostDetail{}))
	return ws
}

func (h *HTTP) accountService() *restful.WebService {
	ws := new(restful.WebService)
	ws.Path("/social/accounts").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON).
		Filter(h.requireUser)

	ws.Route(ws.GET("").To(h.listAccounts))
	ws.Route(ws.POST("").To(h.linkAccount).Reads(linkRequest{}).Writes(types.SocialAccount{}))
	ws.Route(ws.DELETE("/{platform}/{accountId}").To(h.unlinkAccount))
	return ws
}

func (h *HTTP) trendService() *restful.WebService {
	ws := new(restful.WebService)
	ws.Path("/trends").Produces(restful.MIME_JSON).Filter(h.requireUser)
	ws.Route(ws.GET("/{platform}").To(h.getTrends))
	return ws
}

// requireUser rejects requests without a user id header.
func (h *HTTP) requireUser(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
	if req.HeaderParameter(UserHeader) == "" {
		writeError(resp, http.StatusUnauthorized, scheduler.ErrMissingUser)
		return
	}
	chain.ProcessFilter(req, resp)
}

// ============================================================================
// payloads
// ============================================================================

type scheduleRequest struct {
	PostID        string           `json:"postId"`
	ScheduledTime time.Time        `json:"scheduledTime"`
	Platforms     []types.Platform `json:"platforms"`
}

type scheduleResponse struct {
	JobID        types.JobID `json:"jobId"`
	ScheduledFor time.Time   `json:"scheduledFor"`
}

type postRef struct {
	PostID string `json:"postId"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type publishRequest struct {
	PostID    string           `json:"postId"`
	Platforms []types.Platform `json:"platforms"`
}

type createRequest struct {
	Content   string           `json:"content"`
	ImageURL  string           `json:"imageUrl"`
	Platforms []types.Platform `json:"platforms"`
}

type linkRequest struct {
	Platform     types.Platform `json:"platform"`
	AccountID    string         `json:"accountId"`
	AccountName  string         `json:"accountName"`
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken"`
	ExpiresAt    *time.Time     `json:"expiresAt"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ============================================================================
// handlers
// ============================================================================

func (h *HTTP) schedule(req *restful.Request, resp *restful.Response) {
	var body scheduleRequest
	if !h.read(req, resp, &body) {
		return
	}
	jobID, err := h.sched.SchedulePost(req.Request.Context(), body.PostID, body.ScheduledTime, body.Platforms, user(req))
	if err != nil {
		h.fail(resp, err)
		return
	}
	h.write(resp, http.StatusOK, scheduleResponse{JobID: jobID, ScheduledFor: body.ScheduledTime.UTC()})
}

func (h *HTTP) cancel(req *restful.Request, resp *restful.Response) {
	var body postRef
	if !h.read(req, resp, &body) {
		return
	}
	ok, err := h.sched.CancelScheduledPost(req.Request.Context(), body.PostID, user(req))
	if err != nil {
		h.fail(resp, err)
		return
	}
	h.write(resp, http.StatusOK, cancelResponse{Cancelled: ok})
}

func (h *HTTP) publish(req *restful.Request, resp *restful.Response) {
	var body publishRequest
	if !h.read(req, resp, &body) {
		return
	}
	result, err := h.sched.PublishPostNow(req.Request.Context(), body.PostID, body.Platforms, user(req))
	if err != nil {
		h.fail(resp, err)
		return
	}
	h.write(resp, http.StatusOK, result)
}

func (h *HTTP) create(req *restful.Request, resp *restful.Response) {
	var body createRequest
	if !h.read(req, resp, &body) {
		return
	}
	post, err := h.sched.CreatePost(req.Request.Context(), user(req), body.Content, body.ImageURL, body.Platforms)
	if err != nil {
		h.fail(resp, err)
		return
	}
	h.write(resp, http.StatusCreated, post)
}

func (h *HTTP) list(req *restful.Request, resp *restful.Response) {
	posts, err := h.sched.ListPosts(req.Request.Context(), user(req), types.PostStatus(req.QueryParameter("status")))
	if err != nil {
		h.fail(resp, err)
		return
	}
	if posts == nil {
		posts = []*types.Post{}
	}
	h.write(resp, http.StatusOK, posts)
}

func (h *HTTP) get(req *restful.Request, resp *restful.Response) {
	detail, err := h.sched.GetPost(req.Request.Context(), req.PathParameter("id"), user(req))
	if err != nil {
		h.fail(resp, err)
		return
	}
	h.write(resp, http.StatusOK, detail)
}

func (h *HTTP) listAccounts(req *restful.Request, resp *restful.Response) {
	accounts, err := h.sched.ListAccounts(req.Request.Context(), user(req))
	if err != nil {
		h.fail(resp, err)
		return
	}
	if accounts == nil {
		accounts = []*types.SocialAccount{}
	}
	h.write(resp, http.StatusOK, accounts)
}

func (h *HTTP) linkAccount(req *restful.Request, resp *restful.Response) {
	var body linkRequest
	if !h.read(req, resp, &body) {
		return
	}
	account := &types.SocialAccount{
		UserID:       user(req),
		Platform:     body.Platform,
		AccountID:    body.AccountID,
		AccountName:  body.AccountName,
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    body.ExpiresAt,
	}
	if err := h.sched.LinkAccount(req.Request.Context(), account); err != nil {
		h.fail(resp, err)
		return
	}
	h.write(resp, http.StatusCreated, account)
}

func (h *HTTP) unlinkAccount(req *restful.Request, resp *restful.Response) {
	p, err := types.ParsePlatform(req.PathParameter("platform"))
	if err != nil {
		writeError(resp, http.StatusBadRequest, err)
		return
	}
	ok, err := h.sched.UnlinkAccount(req.Request.Context(), user(req), p, req.PathParameter("accountId"))
	if err != nil {
		h.fail(resp, err)
		return
	}
	if !ok {
		writeError(resp, http.StatusNotFound, store.ErrNotFound)
		return
	}
	resp.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) getTrends(req *restful.Request, resp *restful.Response) {
	p, err := types.ParsePlatform(req.PathParameter("platform"))
	if err != nil {
		writeError(resp, http.StatusBadRequest, err)
		return
	}
	list, err := h.trends.Trends(req.Request.Context(), p)
	if err != nil {
		h.fail(resp, err)
		return
	}
	if list == nil {
		list = []types.Trend{}
	}
	h.write(resp, http.StatusOK, list)
}

// ============================================================================
// helpers
// ============================================================================

func user(req *restful.Request) string {
	return req.HeaderParameter(UserHeader)
}

func (h *HTTP) read(req *restful.Request, resp *restful.Response, v any) bool {
	if err := req.ReadEntity(v); err != nil {
		writeError(resp, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (h *HTTP) write(resp *restful.Response, status int, v any) {
	if err := resp.WriteHeaderAndEntity(status, v); err != nil {
		h.log.Warn("write response", "error", err)
	}
}

func (h *HTTP) fail(resp *restful.Response, err error) {
	code := StatusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", "error", err)
	}
	writeError(resp, code, err)
}

func writeError(resp *restful.Response, code int, err error) {
	_ = resp.WriteHeaderAndEntity(code, errorResponse{Error: err.Error()})
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrMissingUser):
		return http.StatusUnauthorized
	case errors.Is(err, scheduler.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, scheduler.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrDuplicateJob), errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
