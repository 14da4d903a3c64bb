// Package scheduler runs stored scripts that carry a cron expression, such
// as end-of-day settlement jobs, and records their runs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/retailgrid/script_layer/infrastructure/logging"
	"github.com/retailgrid/script_layer/internal/executor"
	"github.com/retailgrid/script_layer/internal/store"
)

// Scheduler drives cron-scheduled script executions.
type Scheduler struct {
	exec  *executor.Service
	store store.Store
	log   *logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// New creates a scheduler over the given executor and store.
func New(exec *executor.Service, st store.Store, log *logging.Logger) *Scheduler {
	return &Scheduler{
		exec:    exec,
		store:   st,
		log:     log,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads every scheduled script and begins running them.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Reload synchronises cron entries with the store: every scheduled script is
// (re)added, and entries whose script no longer carries a schedule are removed.
func (s *Scheduler) Reload(ctx context.Context) error {
	defs, err := s.store.ListScheduled(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		seen[def.ID] = true
		if id, ok := s.entries[def.ID]; ok {
			s.cron.Remove(id)
		}
		scriptID := def.ID
		entryID, err := s.cron.AddFunc(def.CronExpr, func() {
			s.runScript(scriptID)
		})
		if err != nil {
			s.log.WithFields(map[string]interface{}{
				"script_id": def.ID,
				"cron_expr": def.CronExpr,
			}).WithError(err).Warn("invalid cron expression, schedule skipped")
			continue
		}
		s.entries[def.ID] = entryID
	}

	for scriptID, entryID := range s.entries {
		if !seen[scriptID] {
			s.cron.Remove(entryID)
			delete(s.entries, scriptID)
		}
	}
	return nil
}

// Stop halts the cron runner and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runScript(scriptID string) {
	ctx := logging.WithTraceID(context.Background(), logging.NewTraceID())

	def, err := s.store.GetScript(ctx, scriptID)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("scheduled script vanished")
		return
	}

	res := s.exec.Run(ctx, executor.Request{
		Script:      def.Source,
		GlobalsJSON: def.GlobalsJSON,
		NativeFuncs: def.NativeFuncs,
		Timeout:     time.Duration(def.TimeoutMs) * time.Millisecond,
	})

	now := time.Now().UTC()
	_, err = s.store.CreateRun(ctx, store.ScriptRun{
		ScriptID:    def.ID,
		AccountID:   def.AccountID,
		ParamsJSON:  "{}",
		Outcome:     res.Outcome,
		Success:     res.Success,
		Logs:        res.Logs,
		StartedAt:   now.Add(-res.Duration),
		CompletedAt: now,
		DurationMs:  res.Duration.Milliseconds(),
	})
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("could not persist scheduled run")
	}
}
