package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed journal. It implements Recorder and survives
// restarts so the embedding process can reconstruct what happened after a
// forced shutdown.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewStore opens (or creates) the journal database at the given path.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_journal_kind ON journal(kind);
	CREATE INDEX IF NOT EXISTS idx_journal_source ON journal(source);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return nil
}

// Add records a normal event.
func (s *Store) Add(source, text string) error {
	return s.insert(KindEvent, source, text)
}

// AddError records a failure with its reason.
func (s *Store) AddError(action, reason string) error {
	return s.insert(KindError, action, reason)
}

func (s *Store) insert(kind, source, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO journal (kind, source, text) VALUES (?, ?, ?)`,
		kind, source, text,
	)
	if err != nil {
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, kind, source, text, created_at FROM journal ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Source, &e.Text, &created); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		if t, perr := time.Parse("2006-01-02 15:04:05", created); perr == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Errors returns up to limit error entries, newest first.
func (s *Store) Errors(limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, kind, source, text, created_at FROM journal WHERE kind = ? ORDER BY id DESC LIMIT ?`,
		KindError, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal errors: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Source, &e.Text, &created); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		if t, perr := time.Parse("2006-01-02 15:04:05", created); perr == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
