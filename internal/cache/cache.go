// Package cache remembers short-lived observations in process memory.
package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Observations is an expiring set of keys.
type Observations struct {
	items *ttlcache.Cache[string, struct{}]
}

// NewObservations creates an empty observation set.
func NewObservations() *Observations {
	return &Observations{
		items: ttlcache.New[string, struct{}](
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
}

// Seen reports whether key was marked and has not expired.
func (o *Observations) Seen(_ context.Context, key string) (bool, error) {
	return o.items.Has(key), nil
}

// Mark records key for ttl. Expired keys are dropped on the way.
func (o *Observations) Mark(_ context.Context, key string, ttl time.Duration) error {
	o.items.DeleteExpired()
	o.items.Set(key, struct{}{}, ttl)
	return nil
}

// Forget drops key.
func (o *Observations) Forget(_ context.Context, key string) error {
	o.items.Delete(key)
	return nil
}

// Len returns the number of live entries.
func (o *Observations) Len() int {
	return o.items.Len()
}
