package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

func (c RedisConfig) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("redis addr is required")
	}
	return nil
}

// Redis stores one hash per task id. Write replaces the whole hash inside a
// MULTI/EXEC transaction so readers never observe a partial publish.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "mipflow:xcom"
	}
	return &Redis{client: client, keyPrefix: prefix}, nil
}

func (e *Redis) key(taskID string) string {
	return e.keyPrefix + ":" + taskID
}

func (e *Redis) Read(ctx context.Context, taskID string) (map[string]string, error) {
	values, err := e.client.HGetAll(ctx, e.key(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read context for %s: %w", taskID, err)
	}
	return values, nil
}

func (e *Redis) Write(ctx context.Context, taskID string, values map[string]string) error {
	key := e.key(taskID)
	flat := make([]any, 0, len(values)*2)
	for k, v := range values {
		flat = append(flat, k, v)
	}
	_, err := e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(flat) > 0 {
			pipe.HSet(ctx, key, flat...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write context for %s: %w", taskID, err)
	}
	return nil
}

func (e *Redis) Close() error {
	return e.client.Close()
}
