package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/convoflow/pkg/locker"
)

// NewLocker returns a Redis-backed locker when redisURL is set, otherwise an
// in-process one.
func NewLocker(ctx context.Context, logger *slog.Logger, redisURL string) (locker.Locker, error) {
	if redisURL == "" {
		return locker.NewLocal(), nil
	}

	redisLocker, err := locker.NewRedisFromURL(ctx, redisURL, logger)
	if err != nil {
		return nil, err
	}

	return redisLocker, nil
}
