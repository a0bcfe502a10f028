// Package store implements OutstandingJobsStore: a Redis-backed record of
// every validated job, with atomic "start next attempt" semantics so
// exactly one concurrent caller reserves capacity.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rasterfleet/scheduler-core/internal/model"
)

// RedisClient is the subset of *redis.Client the store needs, so tests can
// run against miniredis without a network dependency.
type RedisClient interface {
	redis.Cmdable
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
}

// Store implements the OutstandingJobsStore contract.
type Store struct {
	rdb     RedisClient
	jobTTL  time.Duration
	log     *zerolog.Logger
	retries int
}

// Option configures a Store.
type Option func(*Store)

// WithRetries bounds how many times start_next_attempt retries its
// optimistic transaction after losing a WATCH race before giving up.
func WithRetries(n int) Option {
	return func(s *Store) { s.retries = n }
}

// New builds a Store. jobTTL is the Redis key expiry applied on Insert and
// refreshed by TouchTTL, enforced natively by Redis rather than by a
// background sweep.
func New(rdb RedisClient, jobTTL time.Duration, log *zerolog.Logger, opts ...Option) *Store {
	s := &Store{rdb: rdb, jobTTL: jobTTL, log: log, retries: 5}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Insert adds record if (endpoint_id, job_id) does not already exist.
func (s *Store) Insert(ctx context.Context, record model.OutstandingJobRecord) error {
	key := jobKey(record.EndpointID, record.JobID)
	data, err := marshalRecord(record)
	if err != nil {
		return err
	}

	ok, err := s.rdb.SetNX(ctx, key, data, s.jobTTL).Result()
	if err != nil {
		return fmt.Errorf("redis SETNX %q: %w", key, err)
	}
	if !ok {
		return &DuplicateJobError{EndpointID: record.EndpointID, JobID: record.JobID}
	}

	member := memberKey(record.EndpointID, record.JobID)
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, outstandingSet, member)
		p.SAdd(ctx, endpointSetKey(record.EndpointID), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index job %s: %w", member, err)
	}
	return nil
}

// ListOutstanding returns every record not in SUCCEEDED.
func (s *Store) ListOutstanding(ctx context.Context) ([]model.OutstandingJobRecord, error) {
	members, err := s.rdb.SMembers(ctx, outstandingSet).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS %q: %w", outstandingSet, err)
	}
	return s.fetchMembers(ctx, members)
}

// ListForEndpoint returns ListOutstanding filtered to one endpoint.
func (s *Store) ListForEndpoint(ctx context.Context, endpointID string) ([]model.OutstandingJobRecord, error) {
	key := endpointSetKey(endpointID)
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS %q: %w", key, err)
	}
	return s.fetchMembers(ctx, members)
}

func (s *Store) fetchMembers(ctx context.Context, members []string) ([]model.OutstandingJobRecord, error) {
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		endpointID, jobID := splitMember(m)
		keys[i] = jobKey(endpointID, jobID)
	}

	raws, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET %d keys: %w", len(keys), err)
	}

	out := make([]model.OutstandingJobRecord, 0, len(raws))
	for i, v := range raws {
		if v == nil {
			// Key expired or was removed since the index read; the record
			// is skipped. Its index entry stays in the sets, since neither
			// expiry nor Complete removes members whose record is gone.
			continue
		}
		b, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := unmarshalRecord([]byte(b))
		if err != nil {
			if s.log != nil {
				s.log.Warn().Str("key", keys[i]).Err(err).Msg("dropping unparsable job record")
			}
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

var errAttemptNotEligible = errors.New("attempt_state not eligible for start_next_attempt")

// StartNextAttempt conditionally transitions a record from {NEW, FAILED} to
// IN_PROGRESS. Exactly one concurrent caller observes true; the rest
// observe false, never an error.
//
// The CAS is implemented with go-redis's WATCH/MULTI-EXEC optimistic
// transaction (redis.Tx), the library's standard compare-and-swap idiom:
// a losing caller's EXEC aborts with redis.TxFailedErr because the watched
// key changed underneath it, and is retried until it observes the winner's
// new state and returns false cleanly.
func (s *Store) StartNextAttempt(ctx context.Context, endpointID, jobID string) (bool, error) {
	key := jobKey(endpointID, jobID)

	for attempt := 0; attempt <= s.retries; attempt++ {
		won, err := s.tryStartAttempt(ctx, key)
		if err == nil {
			return won, nil
		}
		if errors.Is(err, errAttemptNotEligible) {
			return false, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // someone else committed first; re-check on next loop
		}
		return false, err
	}
	return false, fmt.Errorf("start_next_attempt %s/%s: exceeded retry budget", endpointID, jobID)
}

func (s *Store) tryStartAttempt(ctx context.Context, key string) (bool, error) {
	var won bool
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("job record %q not found", key)
		}
		if err != nil {
			return fmt.Errorf("get job record: %w", err)
		}

		rec, err := unmarshalRecord(raw)
		if err != nil {
			return err
		}
		if !rec.AttemptState.CanStartAttempt() {
			return errAttemptNotEligible
		}

		rec.AttemptState = model.StateInProgress
		rec.AttemptCount++
		rec.LastTransitionAt = time.Now()
		data, err := marshalRecord(rec)
		if err != nil {
			return err
		}

		ttl := tx.TTL(ctx, key).Val()
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		won = true
		return nil
	}, key)

	if err != nil {
		return false, err
	}
	return won, nil
}

// Complete transitions a record to SUCCEEDED or FAILED, removing it from
// the outstanding index on SUCCEEDED.
func (s *Store) Complete(ctx context.Context, endpointID, jobID string, outcome model.Outcome) error {
	key := jobKey(endpointID, jobID)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return fmt.Errorf("get job record: %w", err)
		}
		rec, err := unmarshalRecord(raw)
		if err != nil {
			return err
		}

		switch outcome {
		case model.OutcomeSucceeded:
			rec.AttemptState = model.StateSucceeded
		case model.OutcomeFailed:
			rec.AttemptState = model.StateFailed
		default:
			return fmt.Errorf("unknown outcome %q", outcome)
		}
		rec.LastTransitionAt = time.Now()
		data, err := marshalRecord(rec)
		if err != nil {
			return err
		}
		ttl := tx.TTL(ctx, key).Val()

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, ttl)
			if outcome == model.OutcomeSucceeded {
				p.SRem(ctx, outstandingSet, memberKey(endpointID, jobID))
				p.SRem(ctx, endpointSetKey(endpointID), memberKey(endpointID, jobID))
			}
			return nil
		})
		return err
	}, key)
}

// TouchTTL refreshes a record's expiry to ttl from now. The cadence and
// chosen duration are left to the caller (spec.md defers TTL refresh policy
// to the persistence layer); passing 0 reapplies the store's default job
// TTL.
func (s *Store) TouchTTL(ctx context.Context, endpointID, jobID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.jobTTL
	}
	key := jobKey(endpointID, jobID)
	ok, err := s.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis EXPIRE %q: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("job record %q not found", key)
	}
	return nil
}

func splitMember(m string) (endpointID, jobID string) {
	for i := len(m) - 1; i >= 0; i-- {
		if m[i] == ':' {
			return m[:i], m[i+1:]
		}
	}
	return m, ""
}
