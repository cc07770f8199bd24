// Package singleton is an optional safety net against running two
// Conductor event loops against the same broker and store. It is not part
// of the state machine: disabled (empty URL), it is a no-op, matching the
// design note that the Conductor keeps no process-wide state of its own.
package singleton

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKey = "conductor:leader"

// Lease holds a Redis-backed leader lock, renewed on a ticker until
// Release or the process exits.
type Lease struct {
	client *redis.Client
	token  string
	ttl    time.Duration
	cancel context.CancelFunc
}

// Acquire makes one attempt to take the leader key; returns an error if
// another process already holds it.
func Acquire(ctx context.Context, redisURL string, ttl time.Duration) (*Lease, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse leader-lock redis url: %w", err)
	}
	client := redis.NewClient(opts)

	token := uuid.NewString()
	ok, err := client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("acquire leader lock: %w", err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("another Conductor process already holds the leader lock")
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	l := &Lease{client: client, token: token, ttl: ttl, cancel: cancel}
	go l.renewLoop(renewCtx)

	return l, nil
}

func (l *Lease) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.client.Expire(ctx, lockKey, l.ttl)
		}
	}
}

// Release stops renewal and drops the key if we still own it.
func (l *Lease) Release(ctx context.Context) error {
	l.cancel()

	cur, err := l.client.Get(ctx, lockKey).Result()
	if err == nil && cur == l.token {
		l.client.Del(ctx, lockKey)
	}
	return l.client.Close()
}
