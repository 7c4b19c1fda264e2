package chromem

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tayler-id/telly-chat/memory"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := New(Options{Path: path}, memory.NewHashEmbedder(64), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_AddSearchDelete(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	sleepID, err := s.AddMemory(ctx, "deep sleep and circadian rhythm", map[string]string{"category": "fact"})
	if err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	if err := s.AddMemoryWithID(ctx, "diet", "protein breakfast ideas", map[string]string{"category": "task"}); err != nil {
		t.Fatalf("AddMemoryWithID: %v", err)
	}

	matches, err := s.SearchMemories(ctx, "circadian sleep", 5, nil)
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	if len(matches) != 2 || matches[0].ID != sleepID {
		t.Fatalf("unexpected matches %+v", matches)
	}
	if matches[0].Score < matches[1].Score || matches[1].Score < 0 {
		t.Errorf("scores out of order or negative: %v %v", matches[0].Score, matches[1].Score)
	}

	filtered, err := s.SearchMemories(ctx, "circadian sleep", 5, map[string]string{"category": "task"})
	if err != nil {
		t.Fatalf("filtered search: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "diet" {
		t.Errorf("filter not applied: %+v", filtered)
	}

	if err := s.Delete(ctx, sleepID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Count() != 1 {
		t.Errorf("count = %d, want 1", s.Count())
	}
}

func TestStore_ReplaceAndEmpty(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()

	if got, err := s.SearchMemories(ctx, "anything", 3, nil); err != nil || got != nil {
		t.Fatalf("empty store should return nothing, got %v %v", got, err)
	}

	s.AddMemoryWithID(ctx, "m1", "first text", nil)  //nolint:errcheck // setup
	s.AddMemoryWithID(ctx, "m1", "second text", nil) //nolint:errcheck // setup
	if s.Count() != 1 {
		t.Fatalf("re-adding an id should replace it, count = %d", s.Count())
	}
	got, err := s.SearchMemories(ctx, "text", 1, nil)
	if err != nil || len(got) != 1 || got[0].Content != "second text" {
		t.Errorf("unexpected search result %+v %v", got, err)
	}
	if s.Persist() != nil {
		t.Error("Persist should not fail")
	}
}

func TestStore_PersistentReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestStore(t, dir)
	if err := s.AddMemoryWithID(ctx, "kept", "remember the action plan", map[string]string{"memory_type": "long_term"}); err != nil {
		t.Fatalf("AddMemoryWithID: %v", err)
	}

	reopened := newTestStore(t, dir)
	if reopened.Count() != 1 {
		t.Fatalf("document not persisted, count = %d", reopened.Count())
	}
	got, err := reopened.SearchMemories(ctx, "action plan", 2, map[string]string{"memory_type": "long_term"})
	if err != nil || len(got) != 1 || got[0].ID != "kept" {
		t.Errorf("unexpected result after reopen %+v %v", got, err)
	}
}
