package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservations_MarkAndExpire(t *testing.T) {
	o := NewObservations()
	ctx := context.Background()

	seen, err := o.Seen(ctx, "refund-zero:sale_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, o.Mark(ctx, "refund-zero:sale_1", 50*time.Millisecond))
	seen, _ = o.Seen(ctx, "refund-zero:sale_1")
	assert.True(t, seen)
	assert.Equal(t, 1, o.Len())

	require.Eventually(t, func() bool {
		seen, _ := o.Seen(ctx, "refund-zero:sale_1")
		return !seen
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, o.Len())
}

func TestObservations_SeenDoesNotExtend(t *testing.T) {
	o := NewObservations()
	ctx := context.Background()
	require.NoError(t, o.Mark(ctx, "k", 100*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if seen, _ := o.Seen(ctx, "k"); !seen {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("observation outlived its ttl while being read")
}

func TestObservations_MarkDropsExpired(t *testing.T) {
	o := NewObservations()
	ctx := context.Background()
	require.NoError(t, o.Mark(ctx, "old", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, o.Mark(ctx, "new", time.Hour))
	assert.Equal(t, 1, o.Len())
	seen, _ := o.Seen(ctx, "new")
	assert.True(t, seen)
}

func TestObservations_Forget(t *testing.T) {
	o := NewObservations()
	ctx := context.Background()

	require.NoError(t, o.Mark(ctx, "k", time.Hour))
	require.NoError(t, o.Forget(ctx, "k"))
	seen, _ := o.Seen(ctx, "k")
	assert.False(t, seen)
	assert.Equal(t, 0, o.Len())
}
