package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tayler-id/telly-chat/agent"
	"github.com/tayler-id/telly-chat/memory"
	"github.com/tayler-id/telly-chat/migrations"
)

func TestParseSchedule(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		schedule string
		want     time.Time
		wantErr  bool
	}{
		{"*/15 * * * *", base.Add(15 * time.Minute), false},
		{"0 0 * * * *", base.Add(time.Hour), false},
		{"@hourly", base.Add(time.Hour), false},
		{"10m", base.Add(10 * time.Minute), false},
		{"", time.Time{}, true},
		{"500ms", time.Time{}, true},
		{"sometimes", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			got, err := ComputeNextRun(tt.schedule, base)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("next run = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMaintenance_RunOnceClosesStaleEpisodes(t *testing.T) {
	ctx := context.Background()
	db, err := migrations.Open(filepath.Join(t.TempDir(), "telly.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	episodes, err := memory.NewEpisodicStore(ctx, db, t.TempDir(), memory.EpisodicConfig{Timeout: time.Hour}, zerolog.Nop(), memory.WithEpisodicClock(clock))
	if err != nil {
		t.Fatalf("NewEpisodicStore: %v", err)
	}
	longTerm, err := memory.NewLongTermMemory(ctx, db, nil, memory.LongTermConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLongTermMemory: %v", err)
	}

	id := episodes.StartEpisode(ctx, memory.EpisodeSpec{Title: "left open"})
	now = now.Add(2 * time.Hour)

	m, err := NewMaintenance("1h", time.Hour, MaintenanceDeps{Episodes: episodes, LongTerm: longTerm}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMaintenance: %v", err)
	}
	report := m.RunOnce(ctx)
	if report.StaleEpisodes != 1 || report.ExpiredSessions != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if m.LastRun() != report {
		t.Error("LastRun should return the latest report")
	}
	if ep, _ := episodes.GetEpisode(id); ep.Outcome != memory.OutcomeTimeout {
		t.Errorf("outcome = %q, want timeout", ep.Outcome)
	}

	if _, err := NewMaintenance("never", time.Hour, MaintenanceDeps{}, zerolog.Nop()); err == nil {
		t.Error("expected error for an invalid schedule")
	}
}

func TestMaintenance_RunOnceConsolidatesSessions(t *testing.T) {
	ctx := context.Background()
	db, err := migrations.Open(filepath.Join(t.TempDir(), "telly.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	longTerm, err := memory.NewLongTermMemory(ctx, db, nil, memory.LongTermConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLongTermMemory: %v", err)
	}
	sessions := agent.NewSessions(agent.SessionConfig{Capacity: 10, DecayTime: time.Hour}, nil, zerolog.Nop())
	assistant, err := agent.NewAssistant(agent.AssistantConfig{}, agent.AssistantDeps{Sessions: sessions, LongTerm: longTerm}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAssistant: %v", err)
	}
	sess, _ := sessions.Get(ctx, "s1")
	sess.ShortTerm.Add("User: I prefer short videos", memory.PriorityHigh, nil) //nolint:errcheck // below capacity

	m, err := NewMaintenance("1h", 0, MaintenanceDeps{Assistant: assistant, LongTerm: longTerm}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMaintenance: %v", err)
	}
	if r := m.RunOnce(ctx); r.ConsolidatedItems != 1 || r.ExpiredSessions != 0 {
		t.Errorf("unexpected report %+v", r)
	}
	if r := m.RunOnce(ctx); r.ConsolidatedItems != 0 {
		t.Errorf("second pass should find nothing new, got %+v", r)
	}
	if longTerm.Statistics().Total != 1 {
		t.Errorf("expected 1 long-term memory, got %d", longTerm.Statistics().Total)
	}
}

func TestMaintenance_RunOnceArchivesIdleThreads(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	threads := agent.NewThreads(agent.ThreadConfig{ArchiveAfter: time.Hour}, nil, zerolog.Nop(),
		agent.WithThreadClock(func() time.Time { return now }))
	sessions := agent.NewSessions(agent.SessionConfig{Capacity: 10, DecayTime: time.Hour}, nil, zerolog.Nop())
	assistant, err := agent.NewAssistant(agent.AssistantConfig{}, agent.AssistantDeps{Sessions: sessions, Threads: threads}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAssistant: %v", err)
	}

	idle := threads.Create(ctx, agent.ThreadSpec{Title: "idle"})
	now = now.Add(2 * time.Hour)
	busy := threads.Create(ctx, agent.ThreadSpec{Title: "busy"})

	m, err := NewMaintenance("1h", 0, MaintenanceDeps{Assistant: assistant}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMaintenance: %v", err)
	}
	if r := m.RunOnce(ctx); r.ArchivedThreads != 1 {
		t.Errorf("unexpected report %+v", r)
	}
	if th, _ := threads.Get(idle); th.Status != agent.ThreadArchived {
		t.Errorf("idle thread status = %s", th.Status)
	}
	if th, _ := threads.Get(busy); th.Status != agent.ThreadActive {
		t.Errorf("busy thread status = %s", th.Status)
	}
}

func TestMaintenance_StartStop(t *testing.T) {
	m, err := NewMaintenance("@every 1h", 0, MaintenanceDeps{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewMaintenance: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}
	m.Stop()
}
