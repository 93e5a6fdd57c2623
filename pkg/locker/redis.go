package locker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "convoflow:lock:"
	defaultTTL    = 30 * time.Second
)

// Redis is a Locker shared by every process using the same Redis. Held keys
// carry a random token and a TTL that is refreshed while the holder runs, so a
// crashed holder frees its keys once the TTL lapses.
type Redis struct {
	client redis.UniversalClient
	logger *slog.Logger
	prefix string
	ttl    time.Duration
}

// RedisOption customises a Redis locker.
type RedisOption func(*Redis)

// WithTTL sets how long a key survives without a refresh.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

// WithPrefix namespaces lock keys.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis creates a locker on an existing client.
func NewRedis(client redis.UniversalClient, logger *slog.Logger, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		logger: logger.With("module", "locker"),
		prefix: defaultPrefix,
		ttl:    defaultTTL,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// NewRedisFromURL parses a redis:// URL and connects.
func NewRedisFromURL(ctx context.Context, url string, logger *slog.Logger, opts ...RedisOption) (*Redis, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewRedis(client, logger, opts...), nil
}

func (r *Redis) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	fullKey := r.prefix + key
	token := uuid.New().String()

	acquired, err := r.client.SetNX(ctx, fullKey, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	if !acquired {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	go r.refresh(fullKey, token, stop, done)

	var once sync.Once

	return func() {
		once.Do(func() {
			close(stop)
			<-done

			// Release must not depend on the caller's context being alive.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			err := r.release(releaseCtx, fullKey, token)
			if err != nil {
				r.logger.ErrorContext(releaseCtx, "failed to release lock", "key", key, "error", err)
			}
		})
	}, true, nil
}

func (r *Redis) refresh(fullKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			err := r.ifOwner(ctx, fullKey, token, func(pipe redis.Pipeliner) {
				pipe.PExpire(ctx, fullKey, r.ttl)
			})
			cancel()

			if err != nil {
				r.logger.Warn("failed to refresh lock", "key", fullKey, "error", err)
			}
		}
	}
}

func (r *Redis) release(ctx context.Context, fullKey, token string) error {
	return r.ifOwner(ctx, fullKey, token, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, fullKey)
	})
}

// ifOwner runs fn in a transaction only while key still holds token.
func (r *Redis) ifOwner(ctx context.Context, fullKey, token string, fn func(redis.Pipeliner)) error {
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, fullKey).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}

		if err != nil {
			return err
		}

		if current != token {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			fn(pipe)

			return nil
		})

		return err
	}, fullKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}

	return err
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
