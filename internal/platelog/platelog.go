// Package platelog persists processed plates in SQLite.
package platelog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/platepay/kiosk-detector/pkg/types"
)

// Store is the processed-plate log.
type Store struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// Open opens or creates the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open plate log: %w", err)
	}

	// Single writer; also keeps a :memory: database on one connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to migrate plate log: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.conn.Exec(`
	CREATE TABLE IF NOT EXISTS plates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id TEXT NOT NULL UNIQUE,
		plate TEXT NOT NULL,
		confidence REAL DEFAULT 0,
		source TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		lot_id INTEGER NOT NULL,
		completed_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_plates_completed_at ON plates(completed_at);
	CREATE INDEX IF NOT EXISTS idx_plates_plate ON plates(plate);
	`)
	return err
}

// Append records one processed plate.
func (s *Store) Append(ctx context.Context, p types.ProcessedPlate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO plates (attempt_id, plate, confidence, source, event_type, lot_id, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.AttemptID, p.Plate, p.Confidence, p.Source, p.EventType, p.LotID, p.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert plate: %w", err)
	}
	return nil
}

// Recent returns up to limit plates, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]types.ProcessedPlate, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT attempt_id, plate, confidence, source, event_type, lot_id, completed_at
		FROM plates ORDER BY completed_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query plates: %w", err)
	}
	defer rows.Close()

	out := []types.ProcessedPlate{}
	for rows.Next() {
		var p types.ProcessedPlate
		var completed time.Time
		if err := rows.Scan(&p.AttemptID, &p.Plate, &p.Confidence, &p.Source, &p.EventType, &p.LotID, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan plate: %w", err)
		}
		p.CompletedAt = completed
		out = append(out, p)
	}
	return out, rows.Err()
}

// Count returns the number of plates logged since t.
func (s *Store) Count(ctx context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM plates WHERE completed_at >= ?`, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count plates: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
