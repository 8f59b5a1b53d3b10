// Package lease grants exclusive, expiring ownership of string keys.
//
// A lease is held by at most one owner until it is released or its TTL runs
// out, so a crashed worker never blocks a key forever. Memory serves a single
// process; the Redis-backed leaser in rediskv serves several.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned when another owner holds the lease.
var ErrHeld = errors.New("lease: held by another owner")

// Memory is an in-process leaser.
type Memory struct {
	mu     sync.Mutex
	held   map[string]holder
	serial uint64
	now    func() time.Time
}

type holder struct {
	token   uint64
	expires time.Time
}

// NewMemory creates an empty in-process leaser.
func NewMemory() *Memory {
	return &Memory{
		held: make(map[string]holder),
		now:  time.Now,
	}
}

// Acquire takes the lease on key for ttl without waiting. The returned
// release func is safe to call more than once and never drops a lease that
// has since expired and been taken by someone else.
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if h, ok := m.held[key]; ok && now.Before(h.expires) {
		return nil, ErrHeld
	}
	m.serial++
	token := m.serial
	m.held[key] = holder{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if h, ok := m.held[key]; ok && h.token == token {
				delete(m.held, key)
			}
		})
	}, nil
}

// Held reports whether key is currently leased.
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[key]
	return ok && m.now().Before(h.expires)
}
