package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store using in-memory storage.
// This is useful for testing and development.
type MemoryStore struct {
	mu      sync.RWMutex
	scripts map[string]ScriptDefinition
	runs    map[string]ScriptRun
}

// NewMemoryStore creates a new in-memory script store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scripts: make(map[string]ScriptDefinition),
		runs:    make(map[string]ScriptRun),
	}
}

// CreateScript stores a new script definition.
func (s *MemoryStore) CreateScript(ctx context.Context, def ScriptDefinition) (ScriptDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now

	s.scripts[def.ID] = def
	return def, nil
}

// UpdateScript modifies an existing script definition.
func (s *MemoryStore) UpdateScript(ctx context.Context, def ScriptDefinition) (ScriptDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.scripts[def.ID]
	if !ok {
		return ScriptDefinition{}, fmt.Errorf("script %s: %w", def.ID, ErrNotFound)
	}

	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = time.Now().UTC()

	s.scripts[def.ID] = def
	return def, nil
}

// GetScript retrieves a script by ID.
func (s *MemoryStore) GetScript(ctx context.Context, id string) (ScriptDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.scripts[id]
	if !ok {
		return ScriptDefinition{}, fmt.Errorf("script %s: %w", id, ErrNotFound)
	}
	return def, nil
}

// ListScripts returns all scripts for an account.
func (s *MemoryStore) ListScripts(ctx context.Context, accountID string) ([]ScriptDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ScriptDefinition
	for _, def := range s.scripts {
		if accountID == "" || def.AccountID == accountID {
			result = append(result, def)
		}
	}
	return result, nil
}

// DeleteScript removes a script.
func (s *MemoryStore) DeleteScript(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scripts[id]; !ok {
		return fmt.Errorf("script %s: %w", id, ErrNotFound)
	}
	delete(s.scripts, id)
	return nil
}

// ListScheduled returns scripts carrying a cron expression.
func (s *MemoryStore) ListScheduled(ctx context.Context) ([]ScriptDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ScriptDefinition
	for _, def := range s.scripts {
		if def.CronExpr != "" {
			result = append(result, def)
		}
	}
	return result, nil
}

// CreateRun stores an execution record.
func (s *MemoryStore) CreateRun(ctx context.Context, run ScriptRun) (ScriptRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	s.runs[run.ID] = run
	return run, nil
}

// GetRun retrieves an execution record.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (ScriptRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return ScriptRun{}, fmt.Errorf("script run %s: %w", id, ErrNotFound)
	}
	return run, nil
}

// ListRuns returns execution history for a script, most recent first.
func (s *MemoryStore) ListRuns(ctx context.Context, scriptID string, limit int) ([]ScriptRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ScriptRun
	for _, run := range s.runs {
		if run.ScriptID == scriptID {
			result = append(result, run)
		}
	}

	for i := 0; i < len(result)-1; i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].StartedAt.After(result[i].StartedAt) {
				result[i], result[j] = result[j], result[i]
			}
		}
	}

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
