package rediskv

import (
	"context"
	"fmt"
	"time"
)

// Observations is an expiring key set shared across instances.
type Observations struct {
	c *Client
}

// NewObservations creates an observation set backed by c.
func NewObservations(c *Client) *Observations {
	return &Observations{c: c}
}

func (o *Observations) Seen(ctx context.Context, key string) (bool, error) {
	n, err := o.c.rdb.Exists(ctx, o.c.key("seen", key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: seen %s: %w", key, err)
	}
	return n > 0, nil
}

func (o *Observations) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if err := o.c.rdb.Set(ctx, o.c.key("seen", key), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("redis: mark %s: %w", key, err)
	}
	return nil
}

func (o *Observations) Forget(ctx context.Context, key string) error {
	if err := o.c.rdb.Del(ctx, o.c.key("seen", key)).Err(); err != nil {
		return fmt.Errorf("redis: forget %s: %w", key, err)
	}
	return nil
}
