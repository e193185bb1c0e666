// Package history keeps a SQLite log of finished download jobs.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mohaanymo/m3u8keeper/internal/models"
)

// ErrNotFound is returned by Get for unknown job IDs.
var ErrNotFound = errors.New("job not found")

// DefaultLimit is used by List when limit is not positive.
const DefaultLimit = 20

// Entry is one recorded job.
type Entry struct {
	ID         string        `json:"id"`
	URL        string        `json:"url"`
	Name       string        `json:"name"`
	Stage      models.Stage  `json:"stage"`
	Location   string        `json:"location,omitempty"`
	Format     models.Format `json:"format,omitempty"`
	Size       int64         `json:"size"`
	FellBack   bool          `json:"fell_back"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Store is a SQLite-backed job history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at dbPath and applies migrations.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a finished job. jobErr is nil for completed jobs.
func (s *Store) Record(ctx context.Context, job models.DownloadJob, res *models.Result, jobErr error) error {
	e := Entry{
		ID:         job.ID,
		URL:        job.URL,
		Name:       job.Name,
		Stage:      models.StageCompleted,
		StartedAt:  job.StartedAt,
		FinishedAt: s.now(),
	}
	if jobErr != nil {
		e.Stage = models.StageFailed
		e.Error = jobErr.Error()
	}
	if res != nil {
		e.Name = res.Name
		e.Location = res.Location
		e.Format = res.Format
		e.Size = res.Size
		e.FellBack = res.FellBack
	}

	query := `INSERT OR REPLACE INTO jobs (id, url, name, stage, location, format, size, fell_back, error, started_at, finished_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.URL,
		e.Name,
		e.Stage.String(),
		e.Location,
		string(e.Format),
		e.Size,
		e.FellBack,
		e.Error,
		e.StartedAt.UnixMilli(),
		e.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", e.ID, err)
	}
	return nil
}

// List returns up to limit entries, most recent first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, name, stage, location, format, size, fell_back, error, started_at, finished_at
		FROM jobs
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Get returns a single entry by job ID.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, name, stage, location, format, size, fell_back, error, started_at, finished_at
		FROM jobs
		WHERE id = ? LIMIT 1`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                 Entry
		stage, format     string
		started, finished int64
	)
	if err := sc.Scan(&e.ID, &e.URL, &e.Name, &stage, &e.Location, &format, &e.Size, &e.FellBack, &e.Error, &started, &finished); err != nil {
		return nil, err
	}
	if err := e.Stage.UnmarshalText([]byte(stage)); err != nil {
		return nil, err
	}
	e.Format = models.Format(format)
	e.StartedAt = time.UnixMilli(started)
	e.FinishedAt = time.UnixMilli(finished)
	return &e, nil
}
