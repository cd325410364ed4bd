// Package history persists past tank readings to a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"tankmon/internal/tank"
)

const driverName = "sqlite"

// DefaultKeep bounds how many readings the store retains.
const DefaultKeep = 500

const schemaReadings = `
CREATE TABLE IF NOT EXISTS readings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    taken_at TEXT NOT NULL,
    percent REAL NOT NULL,
    capacity_litres REAL NOT NULL,
    litres REAL NOT NULL,
    level TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_taken_at ON readings (taken_at);
`

// Store is a SQLite-backed reading log. Appends prune the log so it never
// grows past the configured retention.
type Store struct {
	db   *sql.DB
	keep int
}

// Open opens/creates the database file at path and ensures the schema.
func Open(path string) (*Store, error) {
	return OpenWithRetention(path, DefaultKeep)
}

// OpenWithRetention is Open with an explicit retention cap.
func OpenWithRetention(path string, keep int) (*Store, error) {
	if keep <= 0 {
		keep = DefaultKeep
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}

	// SQLite handles a single writer best.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaReadings); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure readings schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &Store{db: db, keep: keep}, nil
}

// Append records a reading and prunes entries beyond the retention cap.
func (s *Store) Append(ctx context.Context, r tank.Reading) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO readings (taken_at, percent, capacity_litres, litres, level)
		VALUES (?, ?, ?, ?, ?)`,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.Percent,
		r.Capacity,
		r.Litres,
		r.Level,
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM readings
		WHERE id NOT IN (SELECT id FROM readings ORDER BY id DESC LIMIT ?)`,
		s.keep,
	)
	if err != nil {
		return fmt.Errorf("prune readings: %w", err)
	}
	return nil
}

// Recent returns up to limit readings, newest first. A non-positive limit
// returns everything retained.
func (s *Store) Recent(ctx context.Context, limit int) ([]tank.Reading, error) {
	if limit <= 0 || limit > s.keep {
		limit = s.keep
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT taken_at, percent, capacity_litres, litres, level
		FROM readings
		ORDER BY id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []tank.Reading
	for rows.Next() {
		var (
			r       tank.Reading
			takenAt string
		)
		if err := rows.Scan(&takenAt, &r.Percent, &r.Capacity, &r.Litres, &r.Level); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.Timestamp, err = time.Parse(time.RFC3339Nano, takenAt)
		if err != nil {
			return nil, fmt.Errorf("parse reading timestamp %q: %w", takenAt, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
