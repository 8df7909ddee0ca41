// Package redisstore implements the idempotency store on Redis so several
// ingress processes can share admission state.
//
// Each record is a JSON document. Two sorted sets index it: "due" holds
// pending records scored by the time they become resumable, "terminal"
// holds unarchived finished records scored by their last attempt.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/meterline/internal/domain/dedupe"
	"github.com/okian/meterline/internal/domain/model"
	"github.com/okian/meterline/pkg/metrics"
)

const maxTxRetries = 16

// ErrContended is returned when optimistic transactions kept colliding.
var ErrContended = errors.New("redis record update contended")

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store implements dedupe.Store.
type Store struct {
	client    *redis.Client
	keyPrefix string
	liveness  time.Duration
	now       func() time.Time
	newOwner  func() string
}

var _ dedupe.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, opts...), nil
}

// NewWithClient builds a store on an existing client.
func NewWithClient(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		liveness:  dedupe.DefaultLivenessTimeout,
		now:       time.Now,
		newOwner:  defaultOwner,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) recordKey(id string) string { return s.keyPrefix + "rec:" + id }
func (s *Store) dueKey() string             { return s.keyPrefix + "due" }
func (s *Store) terminalKey() string        { return s.keyPrefix + "terminal" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// mutator inspects the current record and returns the record to write, or
// write=false to leave it untouched.
type mutator func(rec model.IdempotencyRecord, found bool) (next model.IdempotencyRecord, write bool, err error)

// mutate applies fn under WATCH so that concurrent writers serialize.
func (s *Store) mutate(ctx context.Context, op, eventID string, fn mutator) error {
	start := time.Now()
	defer func() { metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000) }()

	key := s.recordKey(eventID)
	txf := func(tx *redis.Tx) error {
		rec, found, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		next, write, err := fn(rec, found)
		if err != nil || !write {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode %s: %w", eventID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.index(ctx, pipe, next)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !isSentinel(err) {
			metrics.RecordStoreError(op)
		}
		return err
	}
	metrics.RecordStoreError(op)
	return fmt.Errorf("%s %s: %w", op, eventID, ErrContended)
}

func isSentinel(err error) bool {
	return errors.Is(err, dedupe.ErrNotFound) || errors.Is(err, dedupe.ErrLeaseLost) || errors.Is(err, dedupe.ErrConflict)
}

func (s *Store) load(ctx context.Context, c redis.Cmdable, key string) (model.IdempotencyRecord, bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return model.IdempotencyRecord{}, false, fmt.Errorf("load %s: %w", key, err)
	}
	var rec model.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.IdempotencyRecord{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return rec, true, nil
}

// index keeps the sorted sets in step with rec.
func (s *Store) index(ctx context.Context, pipe redis.Pipeliner, rec model.IdempotencyRecord) {
	switch {
	case rec.Status.Terminal():
		pipe.ZRem(ctx, s.dueKey(), rec.EventID)
		if rec.ArchivedAt.IsZero() {
			pipe.ZAdd(ctx, s.terminalKey(), redis.Z{Score: score(rec.LastAttemptAt), Member: rec.EventID})
		} else {
			pipe.ZRem(ctx, s.terminalKey(), rec.EventID)
		}
	case rec.LeaseOwner != "":
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: score(rec.LeaseExpiresAt), Member: rec.EventID})
	default:
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: score(rec.NextAttemptAt), Member: rec.EventID})
	}
}

func (s *Store) Begin(ctx context.Context, req dedupe.BeginRequest) (dedupe.Admission, error) {
	var adm dedupe.Admission
	now := s.now()
	err := s.mutate(ctx, "begin", req.EventID, func(rec model.IdempotencyRecord, found bool) (model.IdempotencyRecord, bool, error) {
		if !found {
			if req.Payload == nil {
				return rec, false, dedupe.ErrNotFound
			}
			lease := model.Lease{EventID: req.EventID, Owner: s.newOwner(), Attempt: 1, ExpiresAt: now.Add(s.liveness)}
			fresh := dedupe.NewRecord(req.EventID, req.Payload, lease, now)
			adm = dedupe.Admission{Decision: dedupe.Admitted, Lease: lease, Record: fresh, Inserted: true}
			return fresh, true, nil
		}
		decision, retryAt := dedupe.Decide(rec, now)
		if decision != dedupe.Admitted {
			adm = dedupe.Admission{Decision: decision, Record: rec, RetryAt: retryAt}
			return rec, false, nil
		}
		next := dedupe.Reclaim(rec, s.newOwner(), now, s.liveness)
		adm = dedupe.Admission{Decision: dedupe.Admitted, Lease: dedupe.LeaseOf(next), Record: next}
		return next, true, nil
	})
	if err != nil {
		return dedupe.Admission{}, err
	}
	return adm, nil
}

func (s *Store) Complete(ctx context.Context, eventID string, res dedupe.Result) error {
	return s.mutate(ctx, "complete", eventID, func(rec model.IdempotencyRecord, found bool) (model.IdempotencyRecord, bool, error) {
		if !found {
			return rec, false, dedupe.ErrNotFound
		}
		done, err := dedupe.CheckComplete(rec, res)
		if err != nil || done {
			return rec, false, err
		}
		rec.Status = res.Status
		rec.Stage = model.StageDone
		rec.ResultSummary = res.Summary
		rec.LastAttemptAt = s.now()
		rec.LeaseOwner = ""
		rec.LeaseExpiresAt = time.Time{}
		rec.NextAttemptAt = time.Time{}
		return rec, true, nil
	})
}

func (s *Store) Checkpoint(ctx context.Context, lease model.Lease, next model.Stage) (model.Lease, error) {
	var renewed model.Lease
	err := s.mutate(ctx, "checkpoint", lease.EventID, func(rec model.IdempotencyRecord, found bool) (model.IdempotencyRecord, bool, error) {
		if err := owned(rec, found, lease); err != nil {
			return rec, false, err
		}
		now := s.now()
		rec.Stage = next
		rec.LastAttemptAt = now
		rec.LeaseExpiresAt = now.Add(s.liveness)
		renewed = dedupe.LeaseOf(rec)
		return rec, true, nil
	})
	if err != nil {
		return model.Lease{}, err
	}
	return renewed, nil
}

func (s *Store) Release(ctx context.Context, lease model.Lease, retryAt time.Time, lastError string) error {
	return s.release(ctx, "release", lease, retryAt, lastError)
}

func (s *Store) Park(ctx context.Context, lease model.Lease, retryAt time.Time, lastError string) error {
	return s.release(ctx, "park", lease, retryAt, lastError)
}

func (s *Store) release(ctx context.Context, op string, lease model.Lease, retryAt time.Time, lastError string) error {
	return s.mutate(ctx, op, lease.EventID, func(rec model.IdempotencyRecord, found bool) (model.IdempotencyRecord, bool, error) {
		if err := owned(rec, found, lease); err != nil {
			return rec, false, err
		}
		if op == "park" {
			rec.AttemptCount = dedupe.Unspent(lease)
		}
		rec.LeaseOwner = ""
		rec.LeaseExpiresAt = time.Time{}
		rec.NextAttemptAt = retryAt
		rec.LastError = lastError
		return rec, true, nil
	})
}

func owned(rec model.IdempotencyRecord, found bool, lease model.Lease) error {
	if !found {
		return dedupe.ErrNotFound
	}
	if rec.Status != model.StatusPending || rec.LeaseOwner == "" || rec.LeaseOwner != lease.Owner {
		return dedupe.ErrLeaseLost
	}
	return nil
}

func (s *Store) Get(ctx context.Context, eventID string) (model.IdempotencyRecord, error) {
	rec, found, err := s.load(ctx, s.client, s.recordKey(eventID))
	if err != nil {
		metrics.RecordStoreError("get")
		return model.IdempotencyRecord{}, err
	}
	if !found {
		return model.IdempotencyRecord{}, dedupe.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListResumable(ctx context.Context, now time.Time, limit int) ([]model.IdempotencyRecord, error) {
	return s.list(ctx, s.dueKey(), strconv.FormatInt(now.UnixMilli(), 10), limit, func(r model.IdempotencyRecord) bool {
		return dedupe.Resumable(r, now)
	})
}

func (s *Store) ListArchivable(ctx context.Context, before time.Time, limit int) ([]model.IdempotencyRecord, error) {
	return s.list(ctx, s.terminalKey(), strconv.FormatInt(before.UnixMilli(), 10), limit, func(r model.IdempotencyRecord) bool {
		return r.Status.Terminal() && r.ArchivedAt.IsZero() && r.LastAttemptAt.Before(before)
	})
}

// list reads candidates from an index up to max, then applies the exact
// predicate since scores are millisecond-rounded.
func (s *Store) list(ctx context.Context, index, maxScore string, limit int, keep func(model.IdempotencyRecord) bool) ([]model.IdempotencyRecord, error) {
	ids, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		metrics.RecordStoreError("list")
		return nil, fmt.Errorf("scan %s: %w", index, err)
	}
	out := make([]model.IdempotencyRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, dedupe.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
		}
		return out[i].EventID < out[j].EventID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkArchived(ctx context.Context, eventIDs []string, at time.Time) error {
	for _, id := range eventIDs {
		err := s.mutate(ctx, "mark_archived", id, func(rec model.IdempotencyRecord, found bool) (model.IdempotencyRecord, bool, error) {
			if !found || !rec.Status.Terminal() {
				return rec, false, nil
			}
			rec.ArchivedAt = at
			return rec, true, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
