package store

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// DenialEvent is one entry of the upgrade-funnel denial log.
type DenialEvent struct {
	ID           string    `json:"id"`
	Feature      string    `json:"feature"`
	Principal    string    `json:"principal"`
	Reason       string    `json:"reason"`
	CurrentTier  string    `json:"current_tier"`
	RequiredTier string    `json:"required_tier"`
	CreatedAt    time.Time `json:"created_at"`
}

// AppendDenial records ev and prunes the log down to the newest keep entries.
// keep <= 0 disables pruning.
func (s *Store) AppendDenial(ctx context.Context, ev DenialEvent, keep int) error {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin denial insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO denial_events (id, feature, principal, reason, current_tier, required_tier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Feature, ev.Principal, ev.Reason, ev.CurrentTier, ev.RequiredTier, ev.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert denial event: %w", err)
	}

	if keep > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM denial_events WHERE seq NOT IN (
				SELECT seq FROM denial_events ORDER BY seq DESC LIMIT ?
			)`, keep); err != nil {
			return fmt.Errorf("prune denial events: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit denial event: %w", err)
	}
	return nil
}

// RecentDenials returns up to limit events, newest first. limit <= 0 returns all.
func (s *Store) RecentDenials(ctx context.Context, limit int) ([]DenialEvent, error) {
	query := `SELECT id, feature, principal, reason, current_tier, required_tier, created_at
		FROM denial_events ORDER BY seq DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryDenials(ctx, query, args...)
}

// DenialsSince returns events created at or after since, newest first.
func (s *Store) DenialsSince(ctx context.Context, since time.Time) ([]DenialEvent, error) {
	return s.queryDenials(ctx, `SELECT id, feature, principal, reason, current_tier, required_tier, created_at
		FROM denial_events WHERE created_at >= ? ORDER BY seq DESC`, since.UnixMilli())
}

// ClearDenials empties the denial log.
func (s *Store) ClearDenials(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM denial_events`); err != nil {
		return fmt.Errorf("clear denial events: %w", err)
	}
	return nil
}

func (s *Store) queryDenials(ctx context.Context, query string, args ...interface{}) ([]DenialEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query denial events: %w", err)
	}
	defer rows.Close()

	var events []DenialEvent
	for rows.Next() {
		var ev DenialEvent
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.Feature, &ev.Principal, &ev.Reason, &ev.CurrentTier, &ev.RequiredTier, &createdAt); err != nil {
			return nil, fmt.Errorf("scan denial event: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate denial events: %w", err)
	}
	return events, nil
}
