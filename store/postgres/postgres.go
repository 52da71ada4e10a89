// Package postgres provides a PostgreSQL-backed JobStore for imagegate.
//
// Jobs are stored as JSONB records keyed by job ID, with the user and
// timestamps broken out into columns for listing and expiry.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/imagegate"
)

// Store is a PostgreSQL-backed JobStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	retention   time.Duration
	now         func() time.Time
}

var _ imagegate.JobStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "imagegate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithRetention sets how long terminal jobs stay visible (default 24h).
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new PostgreSQL-backed JobStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "imagegate_",
		retention:   24 * time.Hour,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) jobsTable() string { return s.tablePrefix + "jobs" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			record JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_user_created_idx ON %[1]s (user_id, created_at DESC);
	`, s.jobsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("imagegate/postgres: ensure schema: %w", err)
	}
	return nil
}

// Save upserts the job record.
func (s *Store) Save(ctx context.Context, job *imagegate.BatchJob) error {
	rec := job.Record()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("imagegate/postgres: marshal job %s: %w", job.ID, err)
	}

	var completedAt *time.Time
	if job.Status.Terminal() && !job.CompletedAt.IsZero() {
		t := job.CompletedAt.UTC()
		completedAt = &t
	}

	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, status, created_at, completed_at, record)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET status = $3, completed_at = $5, record = $6`,
			s.jobsTable()),
		job.ID, job.UserID, rec.Status, job.CreatedAt.UTC(), completedAt, data,
	)
	if err != nil {
		return fmt.Errorf("imagegate/postgres: save job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns the job, or ErrJobNotFound when it is unknown or expired.
func (s *Store) Get(ctx context.Context, jobID string) (*imagegate.BatchJob, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT record FROM %s
			WHERE id = $1 AND (completed_at IS NULL OR completed_at >= $2)`,
			s.jobsTable()),
		jobID, s.cutoff(),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, imagegate.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("imagegate/postgres: get job %s: %w", jobID, err)
	}
	return decode(data)
}

// ListByUser returns up to limit of the user's jobs, newest first.
// A non-positive limit returns all of them.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*imagegate.BatchJob, error) {
	q := fmt.Sprintf(`SELECT record FROM %s
		WHERE user_id = $1 AND (completed_at IS NULL OR completed_at >= $2)
		ORDER BY created_at DESC`, s.jobsTable())
	args := []any{userID, s.cutoff()}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("imagegate/postgres: list jobs for %s: %w", userID, err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("imagegate/postgres: list jobs for %s: %w", userID, err)
	}

	jobs := make([]*imagegate.BatchJob, 0, len(records))
	for _, data := range records {
		job, err := decode(data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Purge deletes terminal jobs older than the retention period.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE completed_at < $1`, s.jobsTable()),
		s.cutoff(),
	)
	if err != nil {
		return 0, fmt.Errorf("imagegate/postgres: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) cutoff() time.Time {
	return s.now().UTC().Add(-s.retention)
}

func decode(data []byte) (*imagegate.BatchJob, error) {
	var rec imagegate.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("imagegate/postgres: decode job: %w", err)
	}
	return imagegate.JobFromRecord(rec)
}
