package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagesnap/engine/internal/redisstore"
)

// Lock state is per-fingerprint, held in Redis so multiple engine instances
// coordinate through the same keys.

const lockOperationTimeout = 3 * time.Second

// releaseScript deletes the lock only if it still holds the caller's token.
// A lock that expired and was re-acquired by someone else is left alone.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// ErrAwaitTimeout is returned when a follower's wait for the lock holder's
// result expires before an entry appears.
var ErrAwaitTimeout = errors.New("timed out waiting for concurrent render")

// RenderLock deduplicates concurrent renders of the same fingerprint.
// The first caller to acquire becomes the leader; everyone else polls the
// cache for the leader's result.
type RenderLock struct {
	redis        *redisstore.Client
	lockTTL      time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewRenderLock(
	redis *redisstore.Client,
	lockTTL, waitTimeout, pollInterval time.Duration,
	logger *zap.Logger,
) *RenderLock {
	return &RenderLock{
		redis:        redis,
		lockTTL:      lockTTL,
		waitTimeout:  waitTimeout,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Acquire attempts to take the render lock for a fingerprint. On success it
// returns a release token; the token is required to release so a holder whose
// lease expired cannot delete a successor's lock.
//
// Uses an independent timeout so request cancellation cannot leave the lock
// in an inconsistent state.
func (rl *RenderLock) Acquire(fingerprint string) (token string, acquired bool, err error) {
	lockCtx, cancel := context.WithTimeout(context.Background(), lockOperationTimeout)
	defer cancel()

	token = uuid.New().String()
	acquired, err = rl.redis.SetNX(lockCtx, LockKey(fingerprint), token, rl.lockTTL)
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire render lock: %w", err)
	}

	if acquired {
		rl.logger.Debug("Render lock acquired",
			zap.String("fingerprint", fingerprint),
			zap.Duration("ttl", rl.lockTTL))
		return token, true, nil
	}
	return "", false, nil
}

// Release releases the lock if the token still owns it. Uses a background
// context because cleanup must always complete. A stale token is a no-op.
func (rl *RenderLock) Release(fingerprint, token string) {
	lockCtx, cancel := context.WithTimeout(context.Background(), lockOperationTimeout)
	defer cancel()

	res, err := rl.redis.Eval(lockCtx, releaseScript, []string{LockKey(fingerprint)}, token)
	if err != nil {
		rl.logger.Error("Failed to release render lock",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		return
	}

	if deleted, ok := res.(int64); ok && deleted == 0 {
		rl.logger.Warn("Render lock already expired or taken over",
			zap.String("fingerprint", fingerprint))
	}
}

// Await polls the cache for the lock holder's result. Returns the entry as
// soon as it appears, ErrAwaitTimeout when the wait window closes, or the
// context error if the caller gives up first.
func (rl *RenderLock) Await(ctx context.Context, fingerprint string, manager *Manager) (*Entry, error) {
	startTime := time.Now().UTC()
	deadline := startTime.Add(rl.waitTimeout)
	pollAttempt := 0

	rl.logger.Debug("Waiting for concurrent render",
		zap.String("fingerprint", fingerprint),
		zap.Duration("wait_timeout", rl.waitTimeout),
		zap.Duration("poll_interval", rl.pollInterval))

	for time.Now().UTC().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(rl.pollInterval):
		}
		pollAttempt++

		entry, found, err := manager.Lookup(ctx, fingerprint)
		if err != nil {
			// Store trouble is not fatal to the wait; keep polling until
			// the window closes
			rl.logger.Warn("Cache poll failed while waiting",
				zap.String("fingerprint", fingerprint),
				zap.Error(err))
			continue
		}
		if found {
			rl.logger.Debug("Cache became available after waiting",
				zap.String("fingerprint", fingerprint),
				zap.Int("poll_attempts", pollAttempt),
				zap.Duration("wait_time", time.Now().UTC().Sub(startTime)))
			return entry, nil
		}
	}

	rl.logger.Warn("Timeout waiting for concurrent render",
		zap.String("fingerprint", fingerprint),
		zap.Int("total_attempts", pollAttempt),
		zap.Duration("wait_time", time.Now().UTC().Sub(startTime)))
	return nil, ErrAwaitTimeout
}
