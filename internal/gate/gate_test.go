package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGate_RejectsInvalidSize(t *testing.T) {
	_, err := New(0, zap.NewNop())
	require.Error(t, err)

	_, err = New(-3, zap.NewNop())
	require.Error(t, err)
}

func TestGate_AcquireRelease(t *testing.T) {
	g, err := New(2, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, g.Acquire(ctx))
	require.NoError(t, g.Acquire(ctx))
	assert.Equal(t, 2, g.InUse())

	// Pool exhausted; a bounded wait must fail
	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.Error(t, g.Acquire(timeoutCtx))

	g.Release()
	assert.Equal(t, 1, g.InUse())
	require.NoError(t, g.Acquire(ctx))
}

func TestGate_TryAcquire(t *testing.T) {
	g, err := New(1, zap.NewNop())
	require.NoError(t, err)

	assert.True(t, g.TryAcquire())
	assert.False(t, g.TryAcquire())

	g.Release()
	assert.True(t, g.TryAcquire())
}

func TestGate_BlockedAcquireWakesOnRelease(t *testing.T) {
	g, err := New(1, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, g.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() {
		done <- g.Acquire(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	g.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked Acquire was not woken by Release")
	}
}

func TestGate_ConcurrencyNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	const workers = 32

	g, err := New(capacity, zap.NewNop())
	require.NoError(t, err)

	var inFlight atomic.Int64
	var peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, g.Acquire(context.Background()))
			defer g.Release()

			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		}()
	}

	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(capacity))
	assert.Equal(t, 0, g.InUse())
}

func TestGate_ExtraReleaseIsAbsorbed(t *testing.T) {
	g, err := New(1, zap.NewNop())
	require.NoError(t, err)

	g.Release() // no matching acquire
	assert.Equal(t, 0, g.InUse())
	assert.True(t, g.TryAcquire())
}
