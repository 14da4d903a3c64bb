package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_ScriptCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	def, err := s.CreateScript(ctx, ScriptDefinition{
		AccountID:   "acct-1",
		Name:        "discount",
		Source:      "return params.total * 0.9;",
		NativeFuncs: []string{"hostLookup"},
	})
	if err != nil {
		t.Fatalf("CreateScript: %v", err)
	}
	if def.ID == "" {
		t.Fatal("expected generated id")
	}
	if def.CreatedAt.IsZero() || def.UpdatedAt.IsZero() {
		t.Error("expected timestamps")
	}

	got, err := s.GetScript(ctx, def.ID)
	if err != nil {
		t.Fatalf("GetScript: %v", err)
	}
	if got.Name != "discount" {
		t.Errorf("unexpected script: %+v", got)
	}

	got.Name = "discount-v2"
	updated, err := s.UpdateScript(ctx, got)
	if err != nil {
		t.Fatalf("UpdateScript: %v", err)
	}
	if updated.Name != "discount-v2" {
		t.Errorf("expected updated name, got %s", updated.Name)
	}
	if !updated.CreatedAt.Equal(def.CreatedAt) {
		t.Error("update must preserve created_at")
	}

	list, err := s.ListScripts(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ListScripts: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 script, got %d", len(list))
	}

	if err := s.DeleteScript(ctx, def.ID); err != nil {
		t.Fatalf("DeleteScript: %v", err)
	}
	if _, err := s.GetScript(ctx, def.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetScript(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.UpdateScript(ctx, ScriptDefinition{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteScript(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListScheduled(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, _ = s.CreateScript(ctx, ScriptDefinition{Name: "adhoc", Source: "return 1;"})
	_, _ = s.CreateScript(ctx, ScriptDefinition{Name: "eod", Source: "return 1;", CronExpr: "0 22 * * *"})

	scheduled, err := s.ListScheduled(ctx)
	if err != nil {
		t.Fatalf("ListScheduled: %v", err)
	}
	if len(scheduled) != 1 || scheduled[0].Name != "eod" {
		t.Errorf("unexpected scheduled scripts: %+v", scheduled)
	}
}

func TestMemoryStore_ListRunsOrderAndLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, err := s.CreateRun(ctx, ScriptRun{
			ScriptID:  "script-1",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	runs, err := s.ListRuns(ctx, "script-1", 3)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].StartedAt.After(runs[i-1].StartedAt) {
			t.Error("expected most recent first")
		}
	}
}
