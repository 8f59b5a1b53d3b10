package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_AcquireRelease(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "sale:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, m.Held("sale:1"))

	_, err = m.Acquire(ctx, "sale:1", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	release()
	release()
	assert.False(t, m.Held("sale:1"))

	release2, err := m.Acquire(ctx, "sale:1", time.Minute)
	require.NoError(t, err)
	release2()
}

func TestMemory_IndependentKeys(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	r1, err := m.Acquire(ctx, "sale:1", time.Minute)
	require.NoError(t, err)
	defer r1()
	r2, err := m.Acquire(ctx, "sale:2", time.Minute)
	require.NoError(t, err)
	defer r2()
}

func TestMemory_ExpiredLeaseIsReclaimed(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	staleRelease, err := m.Acquire(ctx, "sale:1", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	release, err := m.Acquire(ctx, "sale:1", time.Minute)
	require.NoError(t, err)

	// The stale owner's release must not drop the new owner's lease.
	staleRelease()
	assert.True(t, m.Held("sale:1"))
	release()
	assert.False(t, m.Held("sale:1"))
}

func TestMemory_CancelledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Acquire(ctx, "sale:1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_SingleWinnerUnderContention(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var winners int64
	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(ctx, "sale:hot", time.Minute); err == nil {
				atomic.AddInt64(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), winners)
}
