package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagesnap/engine/internal/redisstore"
	"github.com/pagesnap/engine/internal/s3store"
	"github.com/pagesnap/engine/pkg/types"
)

// fakeDurable is an in-memory stand-in for the S3 tier.
type fakeDurable struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	getErr  error
	puts    int
	gets    int
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{objects: make(map[string][]byte)}
}

func (f *fakeDurable) PutHTML(_ context.Context, fingerprint string, html []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	f.objects[fingerprint] = append([]byte(nil), html...)
	return nil
}

func (f *fakeDurable) GetHTML(_ context.Context, fingerprint string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	html, ok := f.objects[fingerprint]
	if !ok {
		return nil, s3store.ErrNotFound
	}
	return html, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeDurable, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := redisstore.NewClientFromRedis(rdb, zap.NewNop())
	durable := newFakeDurable()
	manager := NewManager(client, durable, 24*time.Hour, 5*time.Minute, zap.NewNop())
	return manager, durable, mr
}

func successEntry(fingerprint string) *Entry {
	return &Entry{
		Fingerprint: fingerprint,
		URL:         "https://example.com/page",
		Outcome:     types.OutcomeSuccess,
		HTML:        []byte("<html><body>rendered</body></html>"),
		RenderedAt:  time.Now().UTC(),
		Source:      SourceRender,
	}
}

func TestManager_StoreSuccessWritesBothTiers(t *testing.T) {
	manager, durable, mr := newTestManager(t)
	ctx := context.Background()

	entry := successEntry("aabbccdd00112233")
	require.NoError(t, manager.StoreSuccess(ctx, entry))

	// Durable tier holds the raw HTML
	html, err := durable.GetHTML(ctx, entry.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, entry.HTML, html)

	// Fast tier holds the full entry with the success TTL
	raw, err := mr.Get(PageKey(entry.Fingerprint))
	require.NoError(t, err)
	var stored Entry
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, types.OutcomeSuccess, stored.Outcome)
	assert.Equal(t, entry.HTML, stored.HTML)
	assert.InDelta(t, 24*time.Hour, mr.TTL(PageKey(entry.Fingerprint)), float64(time.Minute))
}

func TestManager_StoreSuccessSurvivesDurableFailure(t *testing.T) {
	manager, durable, mr := newTestManager(t)
	durable.putErr = fmt.Errorf("s3 unavailable")

	entry := successEntry("aabbccdd00112233")
	require.NoError(t, manager.StoreSuccess(context.Background(), entry),
		"fast tier write alone should count as success")

	assert.True(t, mr.Exists(PageKey(entry.Fingerprint)))
}

func TestManager_LookupFastHit(t *testing.T) {
	manager, durable, _ := newTestManager(t)
	ctx := context.Background()

	entry := successEntry("aabbccdd00112233")
	require.NoError(t, manager.StoreSuccess(ctx, entry))
	durable.gets = 0

	got, found, err := manager.Lookup(ctx, entry.Fingerprint)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, entry.HTML, got.HTML)
	assert.Zero(t, durable.gets, "fast tier hit must not touch the durable tier")
}

func TestManager_LookupDurableHitRepopulatesFastTier(t *testing.T) {
	manager, durable, mr := newTestManager(t)
	ctx := context.Background()

	fingerprint := "aabbccdd00112233"
	html := []byte("<html>durable copy</html>")
	require.NoError(t, durable.PutHTML(ctx, fingerprint, html))

	got, found, err := manager.Lookup(ctx, fingerprint)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.OutcomeSuccess, got.Outcome)
	assert.Equal(t, html, got.HTML)
	assert.Equal(t, SourceDurable, got.Source)

	// Fast tier now holds the entry
	assert.True(t, mr.Exists(PageKey(fingerprint)))
}

func TestManager_LookupMiss(t *testing.T) {
	manager, _, _ := newTestManager(t)

	_, found, err := manager.Lookup(context.Background(), "ffffffffffffffff")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_LookupDurableErrorIsMiss(t *testing.T) {
	manager, durable, _ := newTestManager(t)
	durable.getErr = fmt.Errorf("s3 timeout")

	_, found, err := manager.Lookup(context.Background(), "aabbccdd00112233")
	require.NoError(t, err, "durable tier trouble must not fail the lookup")
	assert.False(t, found)
}

func TestManager_LookupFastTierErrorFallsThroughToDurable(t *testing.T) {
	manager, durable, mr := newTestManager(t)

	fingerprint := "aabbccdd00112233"
	durable.objects[fingerprint] = []byte("<html>durable copy</html>")
	mr.SetError("connection refused")

	entry, found, err := manager.Lookup(context.Background(), fingerprint)
	require.NoError(t, err, "fast tier trouble must not fail the lookup")
	require.True(t, found)
	assert.Equal(t, []byte("<html>durable copy</html>"), entry.HTML)
	assert.Equal(t, SourceDurable, entry.Source)
}

func TestManager_LookupFastTierErrorIsMissWithoutDurableCopy(t *testing.T) {
	manager, _, mr := newTestManager(t)
	mr.SetError("connection refused")

	_, found, err := manager.Lookup(context.Background(), "ffffffffffffffff")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_CorruptFastEntryIsMiss(t *testing.T) {
	manager, _, mr := newTestManager(t)

	fingerprint := "aabbccdd00112233"
	require.NoError(t, mr.Set(PageKey(fingerprint), "{not json"))

	_, found, err := manager.Lookup(context.Background(), fingerprint)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_StoreFailure(t *testing.T) {
	manager, durable, mr := newTestManager(t)
	ctx := context.Background()

	t.Run("partial keeps HTML with failure TTL", func(t *testing.T) {
		entry := &Entry{
			Fingerprint: "1111111111111111",
			URL:         "https://example.com/slow",
			Outcome:     types.OutcomePartial,
			HTML:        []byte("<html>incomplete</html>"),
			Reason:      "readiness marker not found",
			RenderedAt:  time.Now().UTC(),
			Source:      SourceRender,
		}
		require.NoError(t, manager.StoreFailure(ctx, entry))

		got, found, err := manager.Lookup(ctx, entry.Fingerprint)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, types.OutcomePartial, got.Outcome)
		assert.True(t, got.Servable())
		assert.InDelta(t, 5*time.Minute, mr.TTL(PageKey(entry.Fingerprint)), float64(time.Second))
	})

	t.Run("failed stores negative entry without HTML", func(t *testing.T) {
		entry := &Entry{
			Fingerprint: "2222222222222222",
			URL:         "https://example.com/broken",
			Outcome:     types.OutcomeFailed,
			Reason:      "page load timeout",
			RenderedAt:  time.Now().UTC(),
			Source:      SourceRender,
		}
		require.NoError(t, manager.StoreFailure(ctx, entry))

		got, found, err := manager.Lookup(ctx, entry.Fingerprint)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, types.OutcomeFailed, got.Outcome)
		assert.False(t, got.Servable())
	})

	t.Run("never touches durable tier", func(t *testing.T) {
		assert.Zero(t, durable.puts)
	})

	t.Run("rejects success outcome", func(t *testing.T) {
		require.Error(t, manager.StoreFailure(ctx, successEntry("3333333333333333")))
	})
}

func TestManager_FailureEntryExpires(t *testing.T) {
	manager, _, mr := newTestManager(t)
	ctx := context.Background()

	entry := &Entry{
		Fingerprint: "2222222222222222",
		Outcome:     types.OutcomeFailed,
		Reason:      "page load timeout",
		RenderedAt:  time.Now().UTC(),
	}
	require.NoError(t, manager.StoreFailure(ctx, entry))

	mr.FastForward(6 * time.Minute)

	_, found, err := manager.Lookup(ctx, entry.Fingerprint)
	require.NoError(t, err)
	assert.False(t, found, "negative entry must expire after the failure TTL")
}

func TestManager_Invalidate(t *testing.T) {
	manager, durable, mr := newTestManager(t)
	ctx := context.Background()

	entry := successEntry("aabbccdd00112233")
	require.NoError(t, manager.StoreSuccess(ctx, entry))

	require.NoError(t, manager.Invalidate(ctx, entry.Fingerprint))
	assert.False(t, mr.Exists(PageKey(entry.Fingerprint)))

	// Durable object remains; the next lookup repopulates from it
	_, err := durable.GetHTML(ctx, entry.Fingerprint)
	require.NoError(t, err)
}
