// Package registry owns the per-stream subscription actors. Each actor is
// the sole authority for one source stream's subscriber set; all mutations
// serialize through it.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	// sqlite driver for the embedded subscriber store.
	_ "github.com/mattn/go-sqlite3"
)

// Subscriber is one row of a stream's subscriber set.
type Subscriber struct {
	SessionID    string `json:"sessionId"`
	SubscribedAt int64  `json:"subscribedAt"` // epoch ms
}

// Store is the embedded single-writer subscriber table shared by all actors.
// Actors serialize their own access; the store only guards schema creation.
type Store struct {
	db       *sql.DB
	initOnce sync.Once
	initErr  error
}

// OpenStore opens (or creates) the sqlite database at path.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening subscriber store: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent actors.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// init creates the schema once, before any actor operation runs.
func (s *Store) init(ctx context.Context) error {
	s.initOnce.Do(func() {
		_, s.initErr = s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS subscribers (
				stream_id     TEXT NOT NULL,
				session_id    TEXT NOT NULL,
				subscribed_at INTEGER NOT NULL,
				PRIMARY KEY (stream_id, session_id)
			)`)
		if s.initErr != nil {
			s.initErr = fmt.Errorf("creating subscribers schema: %w", s.initErr)
		}
	})
	return s.initErr
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// insert adds a subscriber if absent. A second insert is a no-op and does
// not refresh subscribed_at.
func (s *Store) insert(ctx context.Context, streamID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (stream_id, session_id, subscribed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (stream_id, session_id) DO NOTHING`,
		streamID, sessionID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting subscriber %s/%s: %w", streamID, sessionID, err)
	}
	return nil
}

// remove deletes a subscriber; absent rows are a no-op.
func (s *Store) remove(ctx context.Context, streamID, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscribers WHERE stream_id = ? AND session_id = ?`,
		streamID, sessionID)
	if err != nil {
		return fmt.Errorf("removing subscriber %s/%s: %w", streamID, sessionID, err)
	}
	return nil
}

// removeMany deletes a batch of subscribers in a single statement.
func (s *Store) removeMany(ctx context.Context, streamID string, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(sessionIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(sessionIDs)+1)
	args = append(args, streamID)
	for _, id := range sessionIDs {
		args = append(args, id)
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscribers WHERE stream_id = ? AND session_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("removing %d subscribers from %s: %w", len(sessionIDs), streamID, err)
	}
	return nil
}

// list returns a stream's subscribers ordered by subscription time.
func (s *Store) list(ctx context.Context, streamID string) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, subscribed_at FROM subscribers
		WHERE stream_id = ?
		ORDER BY subscribed_at, session_id`,
		streamID)
	if err != nil {
		return nil, fmt.Errorf("listing subscribers of %s: %w", streamID, err)
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.SessionID, &sub.SubscribedAt); err != nil {
			return nil, fmt.Errorf("scanning subscriber row: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriber rows: %w", err)
	}
	return subs, nil
}
