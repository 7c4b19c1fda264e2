package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tayler-id/telly-chat/agent"
	"github.com/tayler-id/telly-chat/memory"
)

// Report summarizes one maintenance pass.
type Report struct {
	StaleEpisodes     int
	DecayedItems      int
	ConsolidatedItems int
	ExpiredSessions   int
	ArchivedThreads   int
	Duration          time.Duration
}

// MaintenanceDeps are the stores a pass works on. Any of them may be nil.
type MaintenanceDeps struct {
	Assistant *agent.Assistant
	Episodes  *memory.EpisodicStore
	LongTerm  *memory.LongTermMemory
}

// Maintenance periodically closes stale episodes, decays and consolidates
// short-term windows, expires idle sessions, archives idle threads and
// flushes the vector store.
type Maintenance struct {
	deps        MaintenanceDeps
	schedule    cron.Schedule
	sessionIdle time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex // one pass at a time
	cron    *cron.Cron
	lastRun Report
}

// NewMaintenance creates a maintenance runner for schedule (a cron expression
// or a Go duration).
func NewMaintenance(schedule string, sessionIdle time.Duration, deps MaintenanceDeps, logger zerolog.Logger) (*Maintenance, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	return &Maintenance{
		deps:        deps,
		schedule:    sched,
		sessionIdle: sessionIdle,
		logger:      logger.With().Str("component", "maintenance").Logger(),
	}, nil
}

// RunOnce performs a single pass.
func (m *Maintenance) RunOnce(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	var r Report
	if m.deps.Episodes != nil {
		r.StaleEpisodes = m.deps.Episodes.CleanupStale(ctx)
	}
	if m.deps.Assistant != nil {
		r.DecayedItems = m.deps.Assistant.DecayAll()
		for _, id := range m.deps.Assistant.Sessions().IDs() {
			r.ConsolidatedItems += len(m.deps.Assistant.Consolidate(ctx, id))
		}
		r.ConsolidatedItems += m.deps.Assistant.ConsolidateThreads(ctx)
		if m.sessionIdle > 0 {
			r.ExpiredSessions = m.deps.Assistant.ExpireIdle(ctx, m.sessionIdle)
		}
		if threads := m.deps.Assistant.Threads(); threads != nil {
			r.ArchivedThreads = threads.ArchiveInactive(ctx)
		}
	}
	if m.deps.LongTerm != nil {
		if err := m.deps.LongTerm.Persist(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to persist long-term memory")
		}
	}
	r.Duration = time.Since(start)
	m.lastRun = r

	m.logger.Info().
		Int("staleEpisodes", r.StaleEpisodes).
		Int("decayedItems", r.DecayedItems).
		Int("consolidatedItems", r.ConsolidatedItems).
		Int("expiredSessions", r.ExpiredSessions).
		Int("archivedThreads", r.ArchivedThreads).
		Dur("duration", r.Duration).
		Msg("Maintenance pass complete")
	return r
}

// LastRun returns the report of the most recent pass.
func (m *Maintenance) LastRun() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

// Start schedules passes until ctx is cancelled or Stop is called.
func (m *Maintenance) Start(ctx context.Context) error {
	if m.cron != nil {
		return fmt.Errorf("maintenance already started")
	}
	m.cron = cron.New()
	m.cron.Schedule(m.schedule, cron.FuncJob(func() { m.RunOnce(ctx) }))
	m.cron.Start()
	m.logger.Info().Time("next", m.schedule.Next(time.Now())).Msg("Maintenance scheduled")

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for a running pass to finish.
func (m *Maintenance) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}
