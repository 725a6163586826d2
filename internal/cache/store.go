package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pagesnap/engine/internal/redisstore"
	"github.com/pagesnap/engine/internal/s3store"
	"github.com/pagesnap/engine/pkg/types"
)

const (
	pageKeyPrefix = "pagesnap:page:"
	lockKeyPrefix = "pagesnap:lock:"
)

// DurableStore is the durable tier interface. Implemented by *s3store.Store;
// replaceable in tests.
type DurableStore interface {
	PutHTML(ctx context.Context, fingerprint string, html []byte) error
	GetHTML(ctx context.Context, fingerprint string) ([]byte, error)
}

// Manager coordinates the fast and durable tiers. Tiers are independent:
// a write may land in one tier and not the other, and lookups tolerate that.
type Manager struct {
	redis      *redisstore.Client
	durable    DurableStore
	successTTL time.Duration
	failureTTL time.Duration
	logger     *zap.Logger
}

func NewManager(
	redis *redisstore.Client,
	durable DurableStore,
	successTTL, failureTTL time.Duration,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		redis:      redis,
		durable:    durable,
		successTTL: successTTL,
		failureTTL: failureTTL,
		logger:     logger,
	}
}

// PageKey returns the fast-tier key for a fingerprint.
func PageKey(fingerprint string) string {
	return pageKeyPrefix + fingerprint
}

// LockKey returns the render-lock key for a fingerprint.
func LockKey(fingerprint string) string {
	return lockKeyPrefix + fingerprint
}

// Lookup checks the fast tier first, then the durable tier. A durable hit
// repopulates the fast tier with a fresh success TTL so subsequent requests
// are served from Redis.
func (m *Manager) Lookup(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	raw, err := m.redis.Get(ctx, PageKey(fingerprint))
	if err != nil {
		// Fast tier trouble is a miss, not a request failure: the durable
		// tier or a fresh render still serves the client
		m.logger.Error("Fast tier lookup failed, treating as miss",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		raw = ""
	}

	if raw != "" {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			// Corrupt entry: treat as a miss, a fresh render will overwrite it
			m.logger.Warn("Discarding corrupt fast-tier entry",
				zap.String("fingerprint", fingerprint),
				zap.Error(err))
		} else {
			m.logger.Debug("Fast tier hit",
				zap.String("fingerprint", fingerprint),
				zap.String("outcome", string(entry.Outcome)))
			return &entry, true, nil
		}
	}

	if m.durable == nil {
		return nil, false, nil
	}

	html, err := m.durable.GetHTML(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, s3store.ErrNotFound) {
			return nil, false, nil
		}
		// Durable tier trouble must not take the render path down
		m.logger.Error("Durable tier lookup failed, treating as miss",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		return nil, false, nil
	}

	entry := &Entry{
		Fingerprint: fingerprint,
		Outcome:     types.OutcomeSuccess,
		HTML:        html,
		RenderedAt:  time.Now().UTC(),
		Source:      SourceDurable,
	}

	if err := m.writeFast(ctx, entry, m.successTTL); err != nil {
		m.logger.Warn("Failed to repopulate fast tier from durable hit",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
	}

	m.logger.Debug("Durable tier hit",
		zap.String("fingerprint", fingerprint),
		zap.Int("bytes", len(html)))
	return entry, true, nil
}

// StoreSuccess persists a successful render to both tiers. Both writes are
// attempted even if the first fails; an error is returned only when neither
// tier accepted the entry.
func (m *Manager) StoreSuccess(ctx context.Context, entry *Entry) error {
	if entry.Outcome != types.OutcomeSuccess {
		return fmt.Errorf("StoreSuccess called with outcome %q", entry.Outcome)
	}

	var durableErr error
	if m.durable != nil {
		durableErr = m.durable.PutHTML(ctx, entry.Fingerprint, entry.HTML)
		if durableErr != nil {
			m.logger.Error("Durable tier write failed",
				zap.String("fingerprint", entry.Fingerprint),
				zap.Error(durableErr))
		}
	}

	fastErr := m.writeFast(ctx, entry, m.successTTL)
	if fastErr != nil {
		m.logger.Error("Fast tier write failed",
			zap.String("fingerprint", entry.Fingerprint),
			zap.Error(fastErr))
	}

	if durableErr != nil && fastErr != nil {
		return fmt.Errorf("both cache tiers rejected entry: %w", fastErr)
	}
	return nil
}

// StoreFailure records a PARTIAL or FAILED render in the fast tier only,
// with the short failure TTL. The durable tier never holds degraded output.
func (m *Manager) StoreFailure(ctx context.Context, entry *Entry) error {
	if entry.Outcome == types.OutcomeSuccess {
		return fmt.Errorf("StoreFailure called with outcome %q", entry.Outcome)
	}

	if err := m.writeFast(ctx, entry, m.failureTTL); err != nil {
		m.logger.Error("Failed to store failure entry",
			zap.String("fingerprint", entry.Fingerprint),
			zap.String("outcome", string(entry.Outcome)),
			zap.Error(err))
		return err
	}
	return nil
}

// Invalidate removes the fast-tier entry for a fingerprint. The durable
// object is left in place; a later successful render overwrites it.
func (m *Manager) Invalidate(ctx context.Context, fingerprint string) error {
	return m.redis.Del(ctx, PageKey(fingerprint))
}

func (m *Manager) writeFast(ctx context.Context, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return m.redis.Set(ctx, PageKey(entry.Fingerprint), data, ttl)
}
