// Package sqlite provides a SQLite-backed gallery.Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// sqlite driver
	_ "modernc.org/sqlite"

	"github.com/ineyio/imagegate/gallery"
)

// Store keeps works and user stats in a SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

var _ gallery.Store = (*Store)(nil)

// Open opens or creates the database at path and initializes the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("gallery/sqlite: create directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("gallery/sqlite: open: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("gallery/sqlite: connect: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.configure(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configure(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("gallery/sqlite: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS works (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		kind TEXT NOT NULL,
		parent_id TEXT,
		job_id TEXT,
		cost REAL NOT NULL DEFAULT 0,
		saved REAL NOT NULL DEFAULT 0,
		image BLOB,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_works_user_created ON works(user_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS user_stats (
		user_id TEXT PRIMARY KEY,
		total_generations INTEGER NOT NULL DEFAULT 0,
		total_edits INTEGER NOT NULL DEFAULT 0,
		total_batches INTEGER NOT NULL DEFAULT 0,
		total_cost REAL NOT NULL DEFAULT 0,
		total_savings REAL NOT NULL DEFAULT 0,
		first_generation INTEGER,
		last_generation INTEGER
	);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("gallery/sqlite: create schema: %w", err)
	}
	return nil
}

// AddWork inserts the work and folds it into the owner's stats.
func (s *Store) AddWork(ctx context.Context, w gallery.Work) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("gallery/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := w.CreatedAt.UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO works (id, user_id, prompt, kind, parent_id, job_id, cost, saved, image, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.Prompt, string(w.Kind), nullString(w.ParentID), nullString(w.JobID),
		w.Cost, w.Saved, w.Image, created,
	)
	if err != nil {
		return fmt.Errorf("gallery/sqlite: insert work %s: %w", w.ID, err)
	}

	var gen, edit, batch int
	switch w.Kind {
	case gallery.KindEdit, gallery.KindCompose:
		edit = 1
	case gallery.KindBatch:
		batch = 1
	default:
		gen = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_stats (user_id, total_generations, total_edits, total_batches,
			total_cost, total_savings, first_generation, last_generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_generations = total_generations + excluded.total_generations,
			total_edits = total_edits + excluded.total_edits,
			total_batches = total_batches + excluded.total_batches,
			total_cost = total_cost + excluded.total_cost,
			total_savings = total_savings + excluded.total_savings,
			first_generation = MIN(first_generation, excluded.first_generation),
			last_generation = MAX(last_generation, excluded.last_generation)`,
		w.UserID, gen, edit, batch, w.Cost, w.Saved, created, created,
	)
	if err != nil {
		return fmt.Errorf("gallery/sqlite: update stats for %s: %w", w.UserID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("gallery/sqlite: commit: %w", err)
	}
	return nil
}

const workColumns = `id, user_id, prompt, kind, parent_id, job_id, cost, saved, image, created_at`

// Work returns one work by ID.
func (s *Store) Work(ctx context.Context, id string) (gallery.Work, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workColumns+` FROM works WHERE id = ?`, id)
	w, err := scanWork(row)
	if errors.Is(err, sql.ErrNoRows) {
		return gallery.Work{}, gallery.ErrWorkNotFound
	}
	if err != nil {
		return gallery.Work{}, fmt.Errorf("gallery/sqlite: get work %s: %w", id, err)
	}
	return w, nil
}

// RecentWorks returns up to limit of the user's works, newest first.
func (s *Store) RecentWorks(ctx context.Context, userID string, limit int) ([]gallery.Work, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workColumns+` FROM works WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("gallery/sqlite: list works for %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var works []gallery.Work
	for rows.Next() {
		w, err := scanWork(rows)
		if err != nil {
			return nil, fmt.Errorf("gallery/sqlite: scan work: %w", err)
		}
		works = append(works, w)
	}
	return works, rows.Err()
}

// Stats returns the user's totals. An unknown user has zero totals.
func (s *Store) Stats(ctx context.Context, userID string) (gallery.Stats, error) {
	st := gallery.Stats{UserID: userID}
	var first, last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT total_generations, total_edits, total_batches, total_cost, total_savings,
			first_generation, last_generation
		FROM user_stats WHERE user_id = ?`, userID,
	).Scan(&st.TotalGenerations, &st.TotalEdits, &st.TotalBatches, &st.TotalCost, &st.TotalSavings, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("gallery/sqlite: stats for %s: %w", userID, err)
	}
	if first.Valid {
		st.FirstGeneration = time.UnixMilli(first.Int64).UTC()
	}
	if last.Valid {
		st.LastGeneration = time.UnixMilli(last.Int64).UTC()
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWork(sc scanner) (gallery.Work, error) {
	var (
		w             gallery.Work
		kind          string
		parent, jobID sql.NullString
		created       int64
	)
	if err := sc.Scan(&w.ID, &w.UserID, &w.Prompt, &kind, &parent, &jobID, &w.Cost, &w.Saved, &w.Image, &created); err != nil {
		return gallery.Work{}, err
	}
	w.Kind = gallery.Kind(kind)
	w.ParentID = parent.String
	w.JobID = jobID.String
	w.CreatedAt = time.UnixMilli(created).UTC()
	return w, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
