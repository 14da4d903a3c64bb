// Package api exposes the script layer over HTTP: ad-hoc execution, stored
// script management, execution history, statistics, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"

	apperrors "github.com/retailgrid/script_layer/infrastructure/errors"
	"github.com/retailgrid/script_layer/infrastructure/logging"
	"github.com/retailgrid/script_layer/infrastructure/ratelimit"
	"github.com/retailgrid/script_layer/internal/executor"
	"github.com/retailgrid/script_layer/internal/store"
)

// Server wires the execution service and script store into a chi router.
type Server struct {
	exec    *executor.Service
	store   store.Store
	log     *logging.Logger
	limiter *ratelimit.RateLimiter
	router  chi.Router
}

// NewServer builds the HTTP surface.
func NewServer(exec *executor.Service, st store.Store, log *logging.Logger, limiter *ratelimit.RateLimiter) *Server {
	s := &Server{
		exec:    exec,
		store:   st,
		log:     log,
		limiter: limiter,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.rateLimit).Post("/execute", s.handleExecute)

		r.Get("/stats", s.handleStats)
		r.Delete("/cache", s.handleClearCache)

		r.Route("/scripts", func(r chi.Router) {
			r.Get("/", s.handleListScripts)
			r.Post("/", s.handleCreateScript)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetScript)
				r.Put("/", s.handleUpdateScript)
				r.Delete("/", s.handleDeleteScript)
				r.With(s.rateLimit).Post("/execute", s.handleExecuteScript)
				r.Get("/runs", s.handleListRuns)
			})
		})
	})

	return r
}

// requestLogger logs each request through the structured logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := logging.WithTraceID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(ww, r.WithContext(ctx))
		s.log.LogRequest(ctx, r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

// rateLimit guards the execution endpoints.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.writeError(w, apperrors.RateLimitExceeded(s.limiter.Limit()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// executeRequest is the body of POST /v1/execute.
type executeRequest struct {
	Script      string          `json:"script"`
	Params      json.RawMessage `json:"params"`
	Globals     json.RawMessage `json:"globals"`
	NativeFuncs []string        `json:"native_funcs"`
	TimeoutMs   int             `json:"timeout_ms"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}
	if req.Script == "" {
		s.writeError(w, apperrors.MissingParameter("script"))
		return
	}

	outcome := s.exec.Execute(r.Context(), executor.Request{
		Script:      req.Script,
		ParamsJSON:  string(req.Params),
		GlobalsJSON: string(req.Globals),
		NativeFuncs: req.NativeFuncs,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
	})

	s.writeOutcome(w, outcome)
}

func (s *Server) handleExecuteScript(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.GetScript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, apperrors.NotFound("script", chi.URLParam(r, "id")))
		return
	}

	var params json.RawMessage
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&params)
	}

	res := s.exec.Run(r.Context(), executor.Request{
		Script:      def.Source,
		ParamsJSON:  string(params),
		GlobalsJSON: def.GlobalsJSON,
		NativeFuncs: def.NativeFuncs,
		Timeout:     time.Duration(def.TimeoutMs) * time.Millisecond,
	})

	now := time.Now().UTC()
	run := store.ScriptRun{
		ScriptID:    def.ID,
		AccountID:   def.AccountID,
		ParamsJSON:  string(params),
		Outcome:     res.Outcome,
		Success:     res.Success,
		Logs:        res.Logs,
		StartedAt:   now.Add(-res.Duration),
		CompletedAt: now,
		DurationMs:  res.Duration.Milliseconds(),
	}
	if _, err := s.store.CreateRun(r.Context(), run); err != nil {
		s.log.WithError(err).Warn("could not persist script run")
	}

	s.writeOutcome(w, res.Outcome)
}

// writeOutcome forwards outcome JSON verbatim, mapping failed executions to
// an appropriate status code.
func (s *Server) writeOutcome(w http.ResponseWriter, outcome string) {
	status := http.StatusOK
	if !gjson.Get(outcome, "success").Bool() {
		switch gjson.Get(outcome, "error").String() {
		case executor.ErrorPoolExhausted:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusUnprocessableEntity
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(outcome))
}

// scriptRequest is the body of script create/update calls.
type scriptRequest struct {
	AccountID   string          `json:"account_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Source      string          `json:"source"`
	Globals     json.RawMessage `json:"globals"`
	NativeFuncs []string        `json:"native_funcs"`
	CronExpr    string          `json:"cron_expr"`
	TimeoutMs   int             `json:"timeout_ms"`
}

func (req scriptRequest) definition(id string) store.ScriptDefinition {
	globals := "{}"
	if len(req.Globals) > 0 {
		globals = string(req.Globals)
	}
	return store.ScriptDefinition{
		ID:          id,
		AccountID:   req.AccountID,
		Name:        req.Name,
		Description: req.Description,
		Source:      req.Source,
		GlobalsJSON: globals,
		NativeFuncs: req.NativeFuncs,
		CronExpr:    req.CronExpr,
		TimeoutMs:   req.TimeoutMs,
	}
}

func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	var req scriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}
	if req.Name == "" {
		s.writeError(w, apperrors.MissingParameter("name"))
		return
	}
	if req.Source == "" {
		s.writeError(w, apperrors.MissingParameter("source"))
		return
	}

	def, err := s.store.CreateScript(r.Context(), req.definition(""))
	if err != nil {
		s.writeError(w, apperrors.DatabaseError("create script", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleUpdateScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	existing, err := s.store.GetScript(r.Context(), id)
	if err != nil {
		s.writeError(w, apperrors.NotFound("script", id))
		return
	}

	var req scriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.InvalidInput("body", err.Error()))
		return
	}

	def := req.definition(id)
	def.AccountID = existing.AccountID
	if def.Name == "" {
		def.Name = existing.Name
	}
	if def.Source == "" {
		def.Source = existing.Source
	}

	updated, err := s.store.UpdateScript(r.Context(), def)
	if err != nil {
		s.writeError(w, apperrors.DatabaseError("update script", err))
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.GetScript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, apperrors.NotFound("script", chi.URLParam(r, "id")))
		return
	}
	s.writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	defs, err := s.store.ListScripts(r.Context(), r.URL.Query().Get("account"))
	if err != nil {
		s.writeError(w, apperrors.DatabaseError("list scripts", err))
		return
	}
	if defs == nil {
		defs = []store.ScriptDefinition{}
	}
	s.writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteScript(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, apperrors.NotFound("script", chi.URLParam(r, "id")))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.ListRuns(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, apperrors.DatabaseError("list runs", err))
		return
	}
	if runs == nil {
		runs = []store.ScriptRun{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.exec.Stats())
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.exec.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperrors.GetHTTPStatus(err)
	payload := map[string]interface{}{"error": err.Error()}
	if svcErr := apperrors.GetServiceError(err); svcErr != nil {
		payload = map[string]interface{}{
			"code":    svcErr.Code,
			"message": svcErr.Message,
		}
		if len(svcErr.Details) > 0 {
			payload["details"] = svcErr.Details
		}
	}
	s.writeJSON(w, status, payload)
}

// ListenAndServe runs the server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
