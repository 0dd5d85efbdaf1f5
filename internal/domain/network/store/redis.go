package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"dyzen-server-go/internal/domain/network"
	"dyzen-server-go/internal/platform/errors"
)

type redisStore struct {
	client   *redis.Client
	prefix   string
	capacity int
}

// NewRedis keeps capped lists of msgpack-encoded samples, one global and
// one per client.
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
	return &redisStore{client: client, prefix: prefix + "samples:", capacity: capacity(cfg)}, nil
}

func (s *redisStore) key(clientIP string) string {
	if clientIP == "" {
		return s.prefix + "all"
	}
	return s.prefix + "client:" + clientIP
}

func (s *redisStore) Append(ctx context.Context, sample network.Sample) error {
	data, err := msgpack.Marshal(sample)
	if err != nil {
		return errors.Wrap(errors.KindStorage, "samples.append", "failed to encode sample", err)
	}

	keys := []string{s.key("")}
	if sample.ClientIP != "" {
		keys = append(keys, s.key(sample.ClientIP))
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.LPush(ctx, key, data)
			pipe.LTrim(ctx, key, 0, int64(s.capacity-1))
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(errors.KindStorage, "samples.append", "failed to push sample", err)
	}
	return nil
}

func (s *redisStore) Recent(ctx context.Context, clientIP string, limit int) ([]network.Sample, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, s.key(clientIP), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "samples.recent", "failed to load samples", err)
	}

	out := make([]network.Sample, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var sample network.Sample
		if err := msgpack.Unmarshal([]byte(raw[i]), &sample); err != nil {
			continue
		}
		out = append(out, sample)
	}
	return out, nil
}

func (s *redisStore) Close(context.Context) error {
	return s.client.Close()
}
