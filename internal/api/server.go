// Package api exposes the job manager over HTTP and streams job events over
// WebSocket.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/scania/scanhub/internal/bom"
	"github.com/scania/scanhub/internal/broadcast"
	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/log"
	"github.com/scania/scanhub/internal/metrics"
	"github.com/scania/scanhub/internal/model"
	"github.com/scania/scanhub/internal/service"
)

const (
	maxBody          = 1 << 20
	defaultHeartbeat = 30 * time.Second
	bomContentType   = "application/vnd.cyclonedx+json; version=1.6"
)

// Jobs is the part of service.Manager the API needs.
type Jobs interface {
	Submit(ctx context.Context, caller string, req model.JobRequest) (model.Job, error)
	Start(ctx context.Context, caller, jobID string) (model.Job, error)
	Cancel(ctx context.Context, caller, jobID string) (model.Job, error)
	Status(ctx context.Context, caller, jobID string) (model.Job, error)
	Findings(ctx context.Context, caller, jobID string) ([]finding.Finding, error)
	Health(ctx context.Context) service.Health
}

type Server struct {
	jobs      Jobs
	events    *broadcast.Broadcaster
	auth      Authenticator
	metrics   *metrics.Metrics
	heartbeat time.Duration
	now       func() time.Time

	jobRequest Validator
	notice     Validator

	// websocket sessions outlive the request that upgraded them
	ctx      context.Context
	cancel   context.CancelFunc
	mx       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHeartbeat sets how long a websocket may stay silent before the server
// sends a heartbeat.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

func New(jobs Jobs, events *broadcast.Broadcaster, auth Authenticator, opts ...Option) (*Server, error) {
	jobRequest, err := NewValidator(jobRequestSchema)
	if err != nil {
		return nil, fmt.Errorf("job request: %w", err)
	}
	notice, err := NewValidator(noticeSchema)
	if err != nil {
		return nil, fmt.Errorf("notice: %w", err)
	}
	if auth == nil {
		auth = NoAuth{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		jobs:       jobs,
		events:     events,
		auth:       auth,
		heartbeat:  defaultHeartbeat,
		now:        func() time.Time { return time.Now().UTC() },
		jobRequest: jobRequest,
		notice:     notice,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Handler returns the routes wrapped in recovery and instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/jobs", s.authed(s.submit))
	mux.Handle("GET /api/v1/jobs/{id}", s.authed(s.status))
	mux.Handle("POST /api/v1/jobs/{id}/start", s.authed(s.start))
	mux.Handle("POST /api/v1/jobs/{id}/cancel", s.authed(s.cancelJob))
	mux.Handle("GET /api/v1/jobs/{id}/findings", s.authed(s.findings))
	mux.Handle("GET /api/v1/jobs/{id}/bom", s.authed(s.bom))
	mux.Handle("POST /api/v1/notifications", s.authed(s.notify))
	mux.Handle("GET /api/v1/ws/stats", s.authed(s.stats))
	mux.HandleFunc("GET /api/v1/health", s.health)
	mux.Handle("GET /ws/jobs/{id}", s.authed(s.jobStream))
	mux.Handle("GET /ws/notifications", s.authed(s.notifications))
	mux.Handle("GET /metrics", s.metrics.Handler())
	return s.instrument(recovery(mux))
}

// Close ends every websocket session and waits for them.
func (s *Server) Close() {
	s.mx.Lock()
	s.closed = true
	s.mx.Unlock()
	s.cancel()
	s.sessions.Wait()
}

func (s *Server) track() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.auth.Authenticate(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ctx := withCaller(r.Context(), caller)
		if caller != "" {
			ctx = log.ContextAttrs(ctx, slog.String("caller", caller))
		}
		h(w, r.WithContext(ctx))
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: reading body: %v", model.ErrValidation, err))
		return
	}
	if err := s.jobRequest.ValidateBytes(b); err != nil {
		s.fail(w, r, err)
		return
	}
	var req model.JobRequest
	if err := json.Unmarshal(b, &req); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", model.ErrValidation, err))
		return
	}
	job, err := s.jobs.Submit(r.Context(), Caller(r.Context()), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.jobCall(w, r, s.jobs.Status, http.StatusOK)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	s.jobCall(w, r, s.jobs.Start, http.StatusAccepted)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	s.jobCall(w, r, s.jobs.Cancel, http.StatusOK)
}

func (s *Server) jobCall(w http.ResponseWriter, r *http.Request, call func(context.Context, string, string) (model.Job, error), code int) {
	job, err := call(r.Context(), Caller(r.Context()), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, code, job)
}

type findingsResponse struct {
	JobID    string            `json:"jobId"`
	Status   model.Status      `json:"status"`
	Summary  finding.Summary   `json:"summary"`
	Findings []finding.Finding `json:"findings"`
}

func (s *Server) findings(w http.ResponseWriter, r *http.Request) {
	job, findings, err := s.results(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if findings == nil {
		findings = []finding.Finding{}
	}
	writeJSON(w, http.StatusOK, findingsResponse{
		JobID:    job.ID,
		Status:   job.Status,
		Summary:  finding.Summarize(findings),
		Findings: findings,
	})
}

func (s *Server) bom(w http.ResponseWriter, r *http.Request) {
	job, findings, err := s.results(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", bomContentType)
	w.WriteHeader(http.StatusOK)
	if err := bom.ForJob(job, findings).AsJSON(w); err != nil {
		slog.ErrorContext(r.Context(), "formatting BOM as JSON", "error", err)
	}
}

func (s *Server) results(r *http.Request) (model.Job, []finding.Finding, error) {
	caller, id := Caller(r.Context()), r.PathValue("id")
	job, err := s.jobs.Status(r.Context(), caller, id)
	if err != nil {
		return model.Job{}, nil, err
	}
	findings, err := s.jobs.Findings(r.Context(), caller, id)
	return job, findings, err
}

func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: reading body: %v", model.ErrValidation, err))
		return
	}
	if err := s.notice.ValidateBytes(b); err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &req); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", model.ErrValidation, err))
		return
	}
	ev := model.Event{Type: model.EventNotice, Message: req.Message, Timestamp: s.now()}
	s.events.BroadcastAll(ev)
	slog.InfoContext(r.Context(), "system notice sent", "message", req.Message)
	writeJSON(w, http.StatusAccepted, ev)
}

type statsResponse struct {
	Subscriptions int    `json:"subscriptions"`
	Jobs          int    `json:"jobs"`
	Snapshots     int    `json:"snapshots"`
	Dropped       uint64 `json:"dropped"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	st := s.events.Stats()
	writeJSON(w, http.StatusOK, statsResponse(st))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.jobs.Health(r.Context())
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

type errorResponse struct {
	Error string `json:"error"`
}

// fail maps err onto a status code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		code = http.StatusUnauthorized
	case errors.Is(err, model.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "error", err)
	} else {
		slog.DebugContext(r.Context(), "request rejected", "code", code, "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				slog.ErrorContext(r.Context(), "panic in HTTP handler",
					"panic", fmt.Sprint(err),
					"stack", string(debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument records the request count and duration by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &recorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequest(route, rec.code, time.Since(started))
	})
}

// recorder keeps the status code and passes Hijack through for websockets.
type recorder struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (r *recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.code = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.code = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *recorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
