package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/bitfantasy/nimo-farm/internal/farm/repository"
	"go.uber.org/zap"
)

// retrier 乐观锁冲突时有限次重试
type retrier struct {
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

func newRetrier(attempts int, backoff time.Duration, logger *zap.Logger) retrier {
	if attempts < 1 {
		attempts = 1
	}
	return retrier{attempts: attempts, backoff: backoff, logger: logger}
}

// do 执行fn，仅在ErrStaleVersion时重试，耗尽后返回ErrConcurrencyConflict
func (r retrier) do(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, repository.ErrStaleVersion) {
			return err
		}
		if attempt >= r.attempts {
			r.logger.Warn("optimistic update gave up", zap.String("op", op), zap.Int("attempts", attempt))
			return fmt.Errorf("%w: %s after %d attempts", ErrConcurrencyConflict, op, attempt)
		}
		wait := r.backoff * time.Duration(attempt)
		if r.backoff > 0 {
			wait += time.Duration(rand.Int64N(int64(r.backoff)))
		}
		r.logger.Debug("stale version, retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
