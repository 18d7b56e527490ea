package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS identifier_mappings (
	client_project_id TEXT PRIMARY KEY,
	server_file_id INTEGER NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteStore persists mappings in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite store path is empty", ErrInvalidArgument)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Mapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_project_id, server_file_id, updated_at FROM identifier_mappings`)
	if err != nil {
		return nil, fmt.Errorf("sqlite load: %w", err)
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var (
			m         Mapping
			updatedAt string
		)
		if err := rows.Scan(&m.ClientProjectID, &m.ServerFileID, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: mapping %q: parse timestamp %q: %v",
				ErrRegistryCorrupted, m.ClientProjectID, updatedAt, err)
		}
		m.UpdatedAt = t
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Put(ctx context.Context, m Mapping) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO identifier_mappings (client_project_id, server_file_id, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(client_project_id) DO UPDATE SET
	server_file_id = excluded.server_file_id,
	updated_at = excluded.updated_at`,
		m.ClientProjectID, m.ServerFileID, m.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, clientProjectID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM identifier_mappings WHERE client_project_id = ?`, clientProjectID); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
