package audtext

import (
	"context"
	"errors"
	"fmt"
	"time"

	ikeys "github.com/audtext/audtext-go/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Store journals lifecycle events so other processes can inspect past and
// running tasks. Implementations must be safe for concurrent use.
type Store interface {
	// Save records ev as the latest event of its task.
	Save(ctx context.Context, ev Event) error
	// Get returns the latest event of a task or ErrTaskNotFound.
	Get(ctx context.Context, taskID string) (*Event, error)
	// List returns the most recently updated tasks first; limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]Event, error)
	// Delete forgets a task.
	Delete(ctx context.Context, taskID string) error
}

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	// Namespace prefixes every key. Defaults to "audtext".
	Namespace string
	// Retention is how long terminal events are kept. Zero keeps them forever.
	// Events of running tasks never expire.
	Retention time.Duration
	// Encoder serializes events. Defaults to JSONEncoder.
	Encoder Encoder
}

// RedisStore is a Store backed by Redis: one string key per task holding the
// encoded event, plus a ZSET index scored by update time in milliseconds.
type RedisStore struct {
	rdb       redis.UniversalClient
	keys      ikeys.Journal
	retention time.Duration
	encoder   Encoder
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed journal.
func NewRedisStore(rdb redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	enc := cfg.Encoder
	if enc == nil {
		enc = &JSONEncoder{}
	}
	return &RedisStore{
		rdb:       rdb,
		keys:      ikeys.For(cfg.Namespace),
		retention: cfg.Retention,
		encoder:   enc,
	}
}

func (s *RedisStore) Save(ctx context.Context, ev Event) error {
	if ev.TaskID == "" {
		return errors.New("audtext: cannot journal an event without task id")
	}
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = time.Now()
	}
	raw, err := s.encoder.Encode(ev)
	if err != nil {
		return fmt.Errorf("could not encode event: %w", err)
	}
	var ttl time.Duration
	if ev.State.Terminal() && s.retention > 0 {
		ttl = s.retention
	}
	// Task keys and the index live on different slots; no MULTI here.
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.keys.Task(ev.TaskID), raw, ttl)
		p.ZAdd(ctx, s.keys.Index, redis.Z{Score: float64(ev.UpdatedAt.UnixMilli()), Member: ev.TaskID})
		return nil
	})
	return err
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (*Event, error) {
	raw, err := s.rdb.Get(ctx, s.keys.Task(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var ev Event
	if err := s.encoder.Decode(raw, &ev); err != nil {
		return nil, fmt.Errorf("could not decode event of task %s: %w", taskID, err)
	}
	return &ev, nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]Event, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.rdb.ZRevRange(ctx, s.keys.Index, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.Get(ctx, s.keys.Task(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]Event, 0, len(ids))
	var expired []any
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			expired = append(expired, ids[i])
			continue
		}
		if err != nil {
			return nil, err
		}
		var ev Event
		if err := s.encoder.Decode(raw, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	// Retention expired the event but not its index entry.
	if len(expired) > 0 {
		_ = s.rdb.ZRem(ctx, s.keys.Index, expired...).Err()
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.keys.Task(taskID))
		p.ZRem(ctx, s.keys.Index, taskID)
		return nil
	})
	return err
}
