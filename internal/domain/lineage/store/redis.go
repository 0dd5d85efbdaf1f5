package store

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"dyzen-server-go/internal/domain/lineage"
	"dyzen-server-go/internal/platform/errors"
)

type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis stores each lineage as a JSON string and writes it inside a
// WATCH/MULTI transaction.
func NewRedis(cfg Config) (Store, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis configuration missing")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "dyzen:"
	}
	return &redisStore{client: client, prefix: prefix + "lineage:"}, nil
}

func (s *redisStore) key(id string) string {
	return s.prefix + id
}

func read(ctx context.Context, getter redis.Cmdable, key string) (lineage.Lineage, bool, error) {
	raw, err := getter.Get(ctx, key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return lineage.Lineage{}, false, nil
	}
	if err != nil {
		return lineage.Lineage{}, false, errors.Wrap(errors.KindStorage, "lineage.get", "failed to load lineage", err)
	}
	l, err := lineage.Decode(raw)
	if err != nil {
		return lineage.Lineage{}, false, errors.Wrap(errors.KindStorage, "lineage.get", "corrupt lineage record", err)
	}
	return l, true, nil
}

func (s *redisStore) Get(ctx context.Context, id string) (lineage.Lineage, bool, error) {
	return read(ctx, s.client, s.key(id))
}

// transact runs fn under WATCH on the key and retries when another client
// modified it before EXEC.
func (s *redisStore) transact(ctx context.Context, op, id string, fn func(tx *redis.Tx, key string) error) error {
	key := s.key(id)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			return fn(tx, key)
		}, key)
		if stderrors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return contention(op, id)
}

func write(ctx context.Context, tx *redis.Tx, key string, l lineage.Lineage) error {
	data, err := lineage.Encode(l)
	if err != nil {
		return errors.Wrap(errors.KindStorage, "lineage.write", "failed to encode lineage", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		return nil
	})
	return err
}

func (s *redisStore) Update(ctx context.Context, id string, fn func(*lineage.Lineage) error) error {
	return s.transact(ctx, "lineage.update", id, func(tx *redis.Tx, key string) error {
		current, found, err := read(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found {
			current = lineage.New()
		}
		next, err := applyUpdate(current, fn)
		if err != nil {
			return err
		}
		return write(ctx, tx, key, next)
	})
}

func (s *redisStore) MarkEnhanced(ctx context.Context, id string, e lineage.Enhancement) (bool, lineage.Lineage, error) {
	var (
		applied bool
		result  lineage.Lineage
	)
	err := s.transact(ctx, "lineage.mark_enhanced", id, func(tx *redis.Tx, key string) error {
		current, found, err := read(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found {
			current = lineage.New()
		}
		next := current.Clone()
		if !next.Apply(e) {
			applied, result = false, current
			return nil
		}
		if err := write(ctx, tx, key, next); err != nil {
			return err
		}
		applied, result = true, next
		return nil
	})
	if err != nil {
		return false, lineage.Lineage{}, err
	}
	return applied, result, nil
}

func (s *redisStore) Close(context.Context) error {
	return s.client.Close()
}
