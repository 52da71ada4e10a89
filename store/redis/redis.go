// Package redis provides a Redis-backed JobStore for imagegate.
//
// Each job is stored as a JSON JobRecord under its own key with the retention
// period as TTL. A sorted set per user, scored by creation time, indexes the
// user's jobs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/imagegate"
)

// Store is a Redis-backed JobStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	retention time.Duration
}

var _ imagegate.JobStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "imagegate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithRetention sets the TTL applied to job keys (default 24h).
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// New creates a new Redis-backed JobStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "imagegate:",
		retention: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) jobKey(jobID string) string {
	return s.keyPrefix + "job:" + jobID
}

func (s *Store) userKey(userID string) string {
	return s.keyPrefix + "user:" + userID
}

// Save writes the job record and indexes it under its user.
func (s *Store) Save(ctx context.Context, job *imagegate.BatchJob) error {
	data, err := json.Marshal(job.Record())
	if err != nil {
		return fmt.Errorf("imagegate/redis: marshal job %s: %w", job.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(job.ID), data, s.retention)
		pipe.ZAdd(ctx, s.userKey(job.UserID), goredis.Z{
			Score:  float64(job.CreatedAt.UnixMilli()),
			Member: job.ID,
		})
		if s.retention > 0 {
			pipe.Expire(ctx, s.userKey(job.UserID), s.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("imagegate/redis: save job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns the job or ErrJobNotFound once it has expired.
func (s *Store) Get(ctx context.Context, jobID string) (*imagegate.BatchJob, error) {
	data, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, imagegate.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("imagegate/redis: get job %s: %w", jobID, err)
	}
	return decode(data)
}

// ListByUser returns up to limit of the user's jobs, newest first. Index
// entries whose job has expired are removed as they are found.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*imagegate.BatchJob, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.userKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("imagegate/redis: list jobs for %s: %w", userID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("imagegate/redis: load jobs for %s: %w", userID, err)
	}

	var (
		out   []*imagegate.BatchJob
		stale []any
	)
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		job, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, s.userKey(userID), stale...)
	}
	return out, nil
}

func decode(data []byte) (*imagegate.BatchJob, error) {
	var rec imagegate.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("imagegate/redis: decode job: %w", err)
	}
	return imagegate.JobFromRecord(rec)
}
