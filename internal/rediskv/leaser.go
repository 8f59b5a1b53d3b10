package rediskv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/xmrescrow/internal/lease"
)

// releaseLua deletes a lease key only if it still holds the caller's token,
// so a holder whose lease expired cannot drop the next holder's.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Leaser grants leases with SET NX PX and releases them with a conditional
// Lua delete.
type Leaser struct {
	c       *Client
	release *redis.Script
}

// NewLeaser creates a Leaser backed by c.
func NewLeaser(c *Client) *Leaser {
	return &Leaser{
		c:       c,
		release: redis.NewScript(releaseLua),
	}
}

// Acquire takes the lease on key for ttl without waiting. It returns
// lease.ErrHeld if another owner holds it.
func (l *Leaser) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	k := l.c.key("lease", key)

	ok, err := l.c.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, lease.ErrHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.release.Run(releaseCtx, l.c.rdb, []string{k}, token).Err()
		})
	}, nil
}
