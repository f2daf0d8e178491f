package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

// RedisStore implements Store on Redis.
//
// Each proposal lives under "<prefix>:proposal:<id>" as JSON and its id is
// indexed in the sorted set "<prefix>:proposals" scored by creation time.
// Inserts and updates use WATCH/MULTI so a concurrent writer aborts the
// transaction and the operation is retried.
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	maxAttempts int
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stewardd"
	}
	return &RedisStore{client: client, prefix: prefix, maxAttempts: DefaultMaxAttempts}
}

// DialRedisStore connects to addr and checks the server answers.
func DialRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisStore(rdb, prefix), nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(id string) string { return s.prefix + ":proposal:" + id }
func (s *RedisStore) indexKey() string     { return s.prefix + ":proposals" }

func (s *RedisStore) Insert(ctx context.Context, p *contracts.Proposal) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode proposal %s: %w", p.ID, err)
	}

	key := s.key(p.ID)
	// The record and its index entry are written in one MULTI under WATCH, so
	// a reader never sees one without the other.
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: %s", contracts.ErrAlreadyExists, p.ID)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, body, 0)
				pipe.ZAdd(ctx, s.indexKey(), redis.Z{
					Score:  float64(p.CreatedAt.UnixMilli()),
					Member: p.ID,
				})
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, contracts.ErrAlreadyExists) {
			return fmt.Errorf("redis insert %s: %w", p.ID, err)
		}
		return err
	}
	return fmt.Errorf("%w: insert %s after %d attempts", ErrConflict, p.ID, s.maxAttempts)
}

func (s *RedisStore) Get(ctx context.Context, id string) (*contracts.Proposal, error) {
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, id string) (*contracts.Proposal, error) {
	raw, err := c.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", contracts.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", id, err)
	}
	var p contracts.Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("corrupt proposal %s: %w", id, err)
	}
	return &p, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn UpdateFunc) (*contracts.Proposal, error) {
	key := s.key(id)
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		var result *contracts.Proposal
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			p, err := s.get(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := fn(p); err != nil {
				if errors.Is(err, ErrNoChange) {
					result = p
					return nil
				}
				return err
			}
			body, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode proposal %s: %w", id, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, body, 0)
				return nil
			})
			if err != nil {
				return err
			}
			result = p
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w: proposal %s after %d attempts", ErrConflict, id, s.maxAttempts)
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]*contracts.Proposal, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	if len(ids) == 0 {
		return []*contracts.Proposal{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	result := make([]*contracts.Proposal, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // removed between ZRANGE and MGET
		}
		var p contracts.Proposal
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("corrupt proposal %s: %w", ids[i], err)
		}
		if f.Match(&p) {
			result = append(result, &p)
		}
	}
	return sortAndLimit(result, f), nil
}
