package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// ShortTermSnapshots persists short-term windows per session so a restart
// does not lose the conversation in flight.
type ShortTermSnapshots struct {
	db  *sql.DB
	now Clock
}

// NewShortTermSnapshots creates a snapshot store on db.
func NewShortTermSnapshots(db *sql.DB) *ShortTermSnapshots {
	return &ShortTermSnapshots{db: db, now: systemClock}
}

// Save writes the session's snapshot, replacing any previous one.
func (s *ShortTermSnapshots) Save(ctx context.Context, sessionID string, state ShortTermState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal short-term state: %w", err)
	}

	query := sq.Insert("short_term_snapshots").
		Columns("session_id", "state", "updated_at").
		Values(sessionID, string(payload), s.now().UnixNano()).
		Suffix("ON CONFLICT(session_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("save short-term snapshot: %w", err)
	}
	return nil
}

// Load returns the session's snapshot, if one was saved.
func (s *ShortTermSnapshots) Load(ctx context.Context, sessionID string) (ShortTermState, bool, error) {
	queryStr, args, err := sq.Select("state").
		From("short_term_snapshots").
		Where(sq.Eq{"session_id": sessionID}).
		ToSql()
	if err != nil {
		return ShortTermState{}, false, fmt.Errorf("build query: %w", err)
	}

	var payload string
	err = s.db.QueryRowContext(ctx, queryStr, args...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ShortTermState{}, false, nil
	}
	if err != nil {
		return ShortTermState{}, false, fmt.Errorf("load short-term snapshot: %w", err)
	}

	var state ShortTermState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return ShortTermState{}, false, newError(KindInconsistentState, "short_term.load", sessionID, err)
	}
	return state, true, nil
}

// Delete removes the session's snapshot.
func (s *ShortTermSnapshots) Delete(ctx context.Context, sessionID string) error {
	queryStr, args, err := sq.Delete("short_term_snapshots").Where(sq.Eq{"session_id": sessionID}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, queryStr, args...)
	return err
}
