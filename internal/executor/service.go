// Package executor orchestrates sandboxed script executions: it fingerprints
// scripts, borrows engines from the pool, executes from the compiled-script
// cache, pumps the event loop, and mediates native calls between running
// scripts and registered host handlers.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/retailgrid/script_layer/infrastructure/logging"
	"github.com/retailgrid/script_layer/infrastructure/metrics"
	"github.com/retailgrid/script_layer/internal/engine"
)

// HandlerFunc implements one host-side native function. It receives the
// script's arguments as a JSON array and returns the result as JSON text.
type HandlerFunc func(ctx context.Context, argsJSON string) (string, error)

// Request describes one script execution.
type Request struct {
	Script      string
	ParamsJSON  string
	GlobalsJSON string
	NativeFuncs []string
	Timeout     time.Duration
}

// Outcome is the host-facing result contract.
type Outcome struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Stack   string          `json:"stack,omitempty"`
}

// Outcome error identifiers.
const (
	ErrorPoolExhausted = "ENGINE_POOL_EXHAUSTED"
	ErrorExecution     = "EXECUTION_ERROR"
)

// RunResult couples the outcome JSON with the data the management surface
// records per run.
type RunResult struct {
	ExecutionID string
	Outcome     string
	Success     bool
	Logs        []string
	Duration    time.Duration
}

// Stats is the counter snapshot exposed by the service.
type Stats struct {
	Executions  uint64 `json:"executions"`
	CacheHits   uint64 `json:"hits"`
	CacheMisses uint64 `json:"misses"`
	CacheSize   int    `json:"cache_size"`
	PoolIdle    int    `json:"pool_idle"`
}

// Config configures the execution service.
type Config struct {
	PoolSize  int
	CacheSize int
	Limits    engine.Limits
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

// Service runs scripts against the engine pool. Safe for concurrent use; each
// execution is pinned to one borrowed engine.
type Service struct {
	pool   *engine.Pool
	cache  *engine.ProgramCache
	limits engine.Limits
	log    *logging.Logger
	mets   *metrics.Metrics

	hmu      sync.RWMutex
	handlers map[string]HandlerFunc

	executions atomic.Uint64
}

// New creates the execution service and pre-warms the engine pool.
func New(cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	pool, err := engine.NewPool(cfg.PoolSize, cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("create engine pool: %w", err)
	}
	s := &Service{
		pool:     pool,
		cache:    engine.NewProgramCache(cfg.CacheSize),
		limits:   cfg.Limits,
		log:      cfg.Logger,
		mets:     cfg.Metrics,
		handlers: make(map[string]HandlerFunc),
	}
	if s.mets != nil {
		s.mets.PoolIdle.Set(float64(pool.Idle()))
	}
	return s, nil
}

// RegisterHandler binds a host handler to a native function name. Scripts
// that list the name see it as an async global function.
func (s *Service) RegisterHandler(name string, fn HandlerFunc) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers[name] = fn
}

func (s *Service) handler(name string) (HandlerFunc, bool) {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	fn, ok := s.handlers[name]
	return fn, ok
}

// Execute runs a script and returns the outcome JSON.
func (s *Service) Execute(ctx context.Context, req Request) string {
	return s.Run(ctx, req).Outcome
}

// Run executes a script and returns the outcome together with captured
// console output and timing.
func (s *Service) Run(ctx context.Context, req Request) (res RunResult) {
	s.executions.Add(1)
	res.ExecutionID = uuid.New().String()
	started := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.limits.Timeout
	}
	if timeout <= 0 {
		timeout = engine.DefaultTimeout
	}

	fingerprint := engine.Fingerprint(req.Script)

	eng, err := s.pool.Acquire()
	if err != nil {
		if s.mets != nil {
			s.mets.PoolExhaustions.Inc()
			s.mets.ExecutionsTotal.WithLabelValues("scripts", "rejected").Inc()
		}
		res.Outcome = marshalOutcome(Outcome{Success: false, Error: ErrorPoolExhausted})
		return res
	}

	// The engine goes back to the pool on every exit path, including a panic
	// in the steps below.
	defer func() {
		s.pool.Release(eng)
		if s.mets != nil {
			s.mets.PoolIdle.Set(float64(s.pool.Idle()))
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Duration = time.Since(started)
			res.Outcome = marshalOutcome(Outcome{
				Success: false,
				Error:   ErrorExecution,
				Message: fmt.Sprint(r),
			})
		}
	}()

	x := engine.NewExecution(res.ExecutionID, eng)
	defer x.Close()

	eng.ArmTimeout(timeout)

	if err := x.Setup(jsonOrEmptyObject(req.ParamsJSON), jsonOrEmptyObject(req.GlobalsJSON), req.NativeFuncs); err != nil {
		return s.finish(ctx, x, &res, started, false)
	}

	prog, cached := s.cache.Get(fingerprint)
	if s.mets != nil {
		if cached {
			s.mets.CacheHitsTotal.Inc()
		} else {
			s.mets.CacheMissesTotal.Inc()
		}
	}
	if !cached {
		compiled, err := engine.Compile(req.Script)
		if err != nil {
			x.Fail(compileMessage(err))
			return s.finish(ctx, x, &res, started, cached)
		}
		s.cache.Put(fingerprint, compiled)
		prog = compiled
	}
	s.syncCacheMetrics()

	x.Run(prog)
	s.pump(ctx, x, started.Add(timeout))

	return s.finish(ctx, x, &res, started, cached)
}

// pump advances the execution until it settles, errs, or the deadline passes.
// While native calls are pending it drains them to the registered handlers,
// each on its own goroutine, and waits for settlements.
func (s *Service) pump(ctx context.Context, x *engine.Execution, deadline time.Time) {
	for {
		if x.Pump() != engine.PumpPending {
			return
		}

		dispatched := false
		for {
			pc := x.PollPendingCall()
			if pc == nil {
				break
			}
			dispatched = true
			go s.dispatch(ctx, x, pc)
		}
		if dispatched {
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			x.Fail(engine.ErrTimeout.Error())
			return
		}
		select {
		case <-x.Notify():
		case <-time.After(remaining):
			x.Fail(engine.ErrTimeout.Error())
			return
		case <-ctx.Done():
			x.Engine().Interrupt()
			x.Fail(engine.ErrInterrupted.Error())
			return
		}
	}
}

// dispatch routes one pending call to its host handler and settles the
// matching promise.
func (s *Service) dispatch(ctx context.Context, x *engine.Execution, pc *engine.PendingCall) {
	started := time.Now()

	fn, ok := s.handler(pc.FuncName)
	if !ok {
		x.Reject(pc.CallID, fmt.Sprintf("no native handler registered for %s", pc.FuncName))
		s.recordNativeCall(pc.FuncName, "unhandled")
		return
	}

	result, err := fn(ctx, pc.ArgsJSON)
	if err != nil {
		x.Reject(pc.CallID, err.Error())
		s.recordNativeCall(pc.FuncName, "error")
	} else {
		x.Resolve(pc.CallID, result)
		s.recordNativeCall(pc.FuncName, "ok")
	}
	s.log.LogNativeCall(ctx, x.ID(), pc.FuncName, time.Since(started), err)
}

func (s *Service) recordNativeCall(funcName, status string) {
	if s.mets != nil {
		s.mets.NativeCallsTotal.WithLabelValues("scripts", funcName, status).Inc()
	}
}

// finish builds the outcome from the execution's final state.
func (s *Service) finish(ctx context.Context, x *engine.Execution, res *RunResult, started time.Time, cached bool) RunResult {
	x.Engine().DisarmTimeout()
	final := x.Finalize()

	res.Logs = final.Logs
	res.Duration = time.Since(started)

	var execErr error
	if final.State == engine.PumpSettled && !final.Failed {
		res.Success = true
		res.Outcome = marshalOutcome(Outcome{
			Success: true,
			Result:  json.RawMessage(final.Result),
		})
	} else {
		msg := final.Message
		if msg == "" {
			msg = "unknown error"
		}
		execErr = fmt.Errorf("%s", msg)
		res.Outcome = marshalOutcome(Outcome{
			Success: false,
			Error:   ErrorExecution,
			Message: msg,
			Stack:   final.Stack,
		})
	}

	s.log.LogExecution(ctx, res.ExecutionID, cached, res.Duration, execErr)
	if s.mets != nil {
		status := "success"
		if !res.Success {
			status = "error"
		}
		s.mets.ExecutionsTotal.WithLabelValues("scripts", status).Inc()
		s.mets.ExecutionDuration.WithLabelValues("scripts").Observe(res.Duration.Seconds())
	}
	return *res
}

// Stats returns the execution and cache counters.
func (s *Service) Stats() Stats {
	cs := s.cache.Stats()
	return Stats{
		Executions:  s.executions.Load(),
		CacheHits:   cs.Hits,
		CacheMisses: cs.Misses,
		CacheSize:   cs.Size,
		PoolIdle:    s.pool.Idle(),
	}
}

// ClearCache drops every cached compiled script.
func (s *Service) ClearCache() {
	s.cache.Clear()
	s.syncCacheMetrics()
}

// Close releases the engine pool.
func (s *Service) Close() {
	s.pool.Close()
}

func (s *Service) syncCacheMetrics() {
	if s.mets == nil {
		return
	}
	cs := s.cache.Stats()
	s.mets.CacheSize.Set(float64(cs.Size))
}

func marshalOutcome(o Outcome) string {
	data, err := json.Marshal(o)
	if err != nil {
		return `{"success":false,"error":"EXECUTION_ERROR","message":"outcome marshal failed"}`
	}
	return string(data)
}

func jsonOrEmptyObject(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}

func compileMessage(err error) string {
	return strings.TrimPrefix(err.Error(), "compile script: ")
}
