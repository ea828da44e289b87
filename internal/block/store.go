// Package block provides PostgreSQL-backed storage for the blocked relation
// between users. The matchmaking queue reads the symmetric closure of this
// relation once per search attempt; it never mutates it.
package block

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Block represents a single directed block record.
type Block struct {
	BlockerID string
	BlockedID string
	CreatedAt time.Time
}

// Store manages block records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new block store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Block records that blocker no longer wants to be paired with blocked.
// Inserting an existing pair is a no-op.
func (s *Store) Block(ctx context.Context, blockerID, blockedID string) error {
	const query = `
		INSERT INTO blocks (blocker_id, blocked_id)
		VALUES ($1, $2)
		ON CONFLICT (blocker_id, blocked_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, blockerID, blockedID); err != nil {
		return fmt.Errorf("block: insert: %w", err)
	}
	return nil
}

// Unblock removes a directed block record. Removing a missing pair is a no-op.
func (s *Store) Unblock(ctx context.Context, blockerID, blockedID string) error {
	const query = `DELETE FROM blocks WHERE blocker_id = $1 AND blocked_id = $2`

	if _, err := s.db.ExecContext(ctx, query, blockerID, blockedID); err != nil {
		return fmt.Errorf("block: delete: %w", err)
	}
	return nil
}

// BlockedSet returns the symmetric union of users the given user has blocked
// and users who have blocked them. The result is the exclusion set snapshot
// taken at search time.
func (s *Store) BlockedSet(ctx context.Context, userID string) (map[string]bool, error) {
	const query = `
		SELECT blocked_id FROM blocks WHERE blocker_id = $1
		UNION
		SELECT blocker_id FROM blocks WHERE blocked_id = $1`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("block: query set: %w", err)
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("block: scan: %w", err)
		}
		set[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("block: rows: %w", err)
	}
	return set, nil
}
