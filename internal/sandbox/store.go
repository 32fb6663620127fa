package sandbox

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Status of a recorded sandbox
type Status string

const (
	StatusRunning Status = "running"
	StatusKilled  Status = "killed"
	StatusExpired Status = "expired"
	// StatusGone marks a sandbox whose container disappeared on its own
	StatusGone Status = "gone"
)

// Record is the persisted history of one sandbox
type Record struct {
	ID          string
	ContainerID string
	Template    string
	Endpoint    string
	Status      Status
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	EndedAt     *time.Time
}

// Store persists sandbox records in SQLite
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) sandboxes.db under dataDir
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "sandboxes.db")
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sandboxes (
		id TEXT PRIMARY KEY,
		container_id TEXT NOT NULL,
		template TEXT NOT NULL,
		endpoint TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'running',
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		ended_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_sandboxes_status ON sandboxes(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert records a newly created sandbox as running
func (s *Store) Insert(sb *Sandbox, endpoint string) error {
	var expires any
	if !sb.ExpiresAt.IsZero() {
		expires = sb.ExpiresAt.UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO sandboxes (id, container_id, template, endpoint, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sb.ID, sb.ContainerID, sb.Template, endpoint, string(StatusRunning), sb.CreatedAt.UTC(), expires,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sandbox: %w", err)
	}
	return nil
}

// Get retrieves a sandbox record by ID
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id, container_id, template, endpoint, status, created_at, expires_at, ended_at
		FROM sandboxes WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sandbox: %w", err)
	}
	return rec, nil
}

// List returns records with the given status, or all records when status
// is empty, oldest first.
func (s *Store) List(status Status) ([]*Record, error) {
	query := `
		SELECT id, container_id, template, endpoint, status, created_at, expires_at, ended_at
		FROM sandboxes`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sandboxes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sandbox: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkEnded moves a running record to a terminal status. Records that
// already ended keep their first status.
func (s *Store) MarkEnded(id string, status Status, at time.Time) error {
	result, err := s.db.Exec(`
		UPDATE sandboxes SET status = ?, ended_at = ?
		WHERE id = ? AND status = ?`,
		string(status), at.UTC(), id, string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to update sandbox: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update sandbox: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(id); err != nil {
			return err
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var expiresAt, endedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.ContainerID, &rec.Template, &rec.Endpoint,
		&rec.Status, &rec.CreatedAt, &expiresAt, &endedAt)
	if err != nil {
		return nil, err
	}

	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	return &rec, nil
}
