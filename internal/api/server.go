// Package api exposes the application queue over HTTP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/logger"
	"rental-queue/internal/common/metrics"
	"rental-queue/internal/common/validation"
	"rental-queue/internal/models"
	"rental-queue/internal/queue"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 64 << 10

// Queue is the lifecycle surface the API drives.
type Queue interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (*models.Application, error)
	Accept(ctx context.Context, applicationID, callerID string) (*queue.TransitionResult, error)
	Reject(ctx context.Context, applicationID, callerID string) (*queue.TransitionResult, error)
	Withdraw(ctx context.Context, applicationID, callerID string) (*queue.TransitionResult, error)
	Delete(ctx context.Context, applicationID, callerID string) error
	Get(ctx context.Context, applicationID, callerID string) (*models.Application, error)
	ListForListing(ctx context.Context, listingID, callerID string) ([]*models.Application, error)
	ListForApplicant(ctx context.Context, applicantID string) ([]*models.Application, error)
	ProvisionChatRoom(ctx context.Context, applicationID, callerID string) (*models.ChatRoom, error)
	History(ctx context.Context, listingID, callerID string, limit int) ([]*models.Event, error)
}

// Checker is one readiness probe.
type Checker func(ctx context.Context) error

type Config struct {
	RequestTimeout time.Duration
}

type Server struct {
	queue   Queue
	tokens  TokenValidator
	limiter *RateLimiter
	checks  map[string]Checker
	config  Config
	logger  logger.Logger
}

func NewServer(cfg Config, q Queue, tokens TokenValidator, limiter *RateLimiter, checks map[string]Checker, log logger.Logger) *Server {
	return &Server{
		queue:   q,
		tokens:  tokens,
		limiter: limiter,
		checks:  checks,
		config:  cfg,
		logger:  log.WithFields(map[string]interface{}{"component": "http-api"}),
	}
}

// Handler returns the full route table wrapped in the common middleware.
func (s *Server) Handler() http.Handler {
	authed := Authenticate(s.tokens)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /ready", s.ready)
	mux.Handle("GET /metrics", promhttp.Handler())

	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}
	route("POST /listings/{listingId}/applications", s.submit)
	route("GET /listings/{listingId}/applications", s.listForListing)
	route("GET /listings/{listingId}/history", s.history)
	route("GET /me/applications", s.listMine)
	route("GET /applications/{id}", s.get)
	route("POST /applications/{id}/accept", s.accept)
	route("POST /applications/{id}/reject", s.reject)
	route("POST /applications/{id}/withdraw", s.withdraw)
	route("DELETE /applications/{id}", s.delete)
	route("POST /applications/{id}/chat-room", s.chatRoom)

	return Chain(mux,
		RequestID,
		Logging(s.logger),
		Recover(s.logger),
		Timeout(s.config.RequestTimeout),
	)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, status, map[string]interface{}{"ready": status == http.StatusOK, "checks": results})
}

func caller(r *http.Request) string {
	c, _ := CallerFrom(r.Context())
	return c.ID
}

type submitBody struct {
	Notes *string `json:"notes"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	callerID := caller(r)
	if !s.limiter.Allow(r.Context(), "submit", callerID) {
		metrics.RateLimited.WithLabelValues("submit").Inc()
		writeRateLimited(w)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, errors.NewValidationError("request body too large or unreadable"))
		return
	}

	var body submitBody
	if len(raw) > 0 {
		if err := validation.SubmitApplication.ValidateJSON(raw); err != nil {
			writeError(w, err)
			return
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, errors.NewValidationError("malformed JSON body"))
			return
		}
	}

	req := queue.SubmitRequest{ListingID: r.PathValue("listingId"), ApplicantID: callerID}
	if body.Notes != nil {
		req.Notes = *body.Notes
	}

	app, err := s.queue.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) listForListing(w http.ResponseWriter, r *http.Request) {
	apps, err := s.queue.ListForListing(r.Context(), r.PathValue("listingId"), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"applications": nonNil(apps)})
}

func (s *Server) listMine(w http.ResponseWriter, r *http.Request) {
	apps, err := s.queue.ListForApplicant(r.Context(), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"applications": nonNil(apps)})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	app, err := s.queue.Get(r.Context(), r.PathValue("id"), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// transitionResponse adds the chat room failure, which TransitionResult keeps as an error value.
type transitionResponse struct {
	*queue.TransitionResult
	ChatRoomError string `json:"chatRoomError,omitempty"`
}

func (s *Server) writeTransition(w http.ResponseWriter, res *queue.TransitionResult, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	out := transitionResponse{TransitionResult: res}
	if res.ChatRoomError != nil {
		out.ChatRoomError = errors.AsStandard(res.ChatRoomError).Message
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Accept(r.Context(), r.PathValue("id"), caller(r))
	s.writeTransition(w, res, err)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Reject(r.Context(), r.PathValue("id"), caller(r))
	s.writeTransition(w, res, err)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Withdraw(r.Context(), r.PathValue("id"), caller(r))
	s.writeTransition(w, res, err)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Delete(r.Context(), r.PathValue("id"), caller(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) chatRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.queue.ProvisionChatRoom(r.Context(), r.PathValue("id"), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, errors.NewValidationError("limit: must be a non-negative integer"))
			return
		}
		limit = n
	}

	events, err := s.queue.History(r.Context(), r.PathValue("listingId"), caller(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func nonNil(apps []*models.Application) []*models.Application {
	if apps == nil {
		return []*models.Application{}
	}
	return apps
}
