// Package link provides PostgreSQL-backed storage for connection links: the
// durable per-participant pointer to a permanent conversation. A link exists
// if and only if a permanent conversation exists for the pair; the
// conversation record is authoritative and links are a rebuildable index,
// which is why every write here is an idempotent upsert or delete.
package link

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Link is one durable pointer from an owner to the permanent conversation
// shared with a counterpart.
type Link struct {
	OwnerID       string
	CounterpartID string
	ChatID        string
	CreatedAt     time.Time
}

// Store manages connection links in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new link store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert writes one link, overwriting the chat pointer if the pair already
// has one. Safe to retry: promotion calls this at-least-once per participant.
func (s *Store) Upsert(ctx context.Context, ownerID, counterpartID, chatID string) error {
	const query = `
		INSERT INTO connections (owner_id, counterpart_id, chat_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, counterpart_id) DO UPDATE SET chat_id = EXCLUDED.chat_id`

	if _, err := s.db.ExecContext(ctx, query, ownerID, counterpartID, chatID); err != nil {
		return fmt.Errorf("link: upsert: %w", err)
	}
	return nil
}

// UpsertPair writes both directions of a pair's links in one transaction.
func (s *Store) UpsertPair(ctx context.Context, userA, userB, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("link: begin: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO connections (owner_id, counterpart_id, chat_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, counterpart_id) DO UPDATE SET chat_id = EXCLUDED.chat_id`

	if _, err := tx.ExecContext(ctx, query, userA, userB, chatID); err != nil {
		return fmt.Errorf("link: upsert %s->%s: %w", userA, userB, err)
	}
	if _, err := tx.ExecContext(ctx, query, userB, userA, chatID); err != nil {
		return fmt.Errorf("link: upsert %s->%s: %w", userB, userA, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("link: commit: %w", err)
	}
	return nil
}

// Exists reports whether the owner already has a permanent conversation with
// the counterpart. The matchmaking queue uses this to exclude candidates.
func (s *Store) Exists(ctx context.Context, ownerID, counterpartID string) (bool, error) {
	const query = `
		SELECT chat_id FROM connections
		WHERE owner_id = $1 AND counterpart_id = $2`

	var chatID string
	err := s.db.QueryRowContext(ctx, query, ownerID, counterpartID).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("link: exists: %w", err)
	}
	return true, nil
}

// ListByOwner returns all of a user's links, newest first. This is the read
// path for listing permanent conversations without scanning the conversation
// store by participant membership.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]Link, error) {
	const query = `
		SELECT owner_id, counterpart_id, chat_id, created_at
		FROM connections
		WHERE owner_id = $1
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("link: list: %w", err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.OwnerID, &l.CounterpartID, &l.ChatID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("link: scan: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("link: rows: %w", err)
	}
	return links, nil
}

// DeletePair removes both directions of a pair's links. Called when a
// permanent conversation is deleted; deleting missing links is a no-op.
func (s *Store) DeletePair(ctx context.Context, userA, userB string) error {
	const query = `
		DELETE FROM connections
		WHERE (owner_id = $1 AND counterpart_id = $2)
		   OR (owner_id = $2 AND counterpart_id = $1)`

	if _, err := s.db.ExecContext(ctx, query, userA, userB); err != nil {
		return fmt.Errorf("link: delete pair: %w", err)
	}
	return nil
}
