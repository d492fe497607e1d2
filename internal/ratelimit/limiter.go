// Package ratelimit caps how often one user may trigger an action.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"pulse-bot/internal/metrics"
	"pulse-bot/pkg/logger"
)

const DefaultWindow = time.Minute

// Limiter is a fixed-window counter in Redis. When Redis is unreachable it
// falls back to a token bucket per key held in process.
type Limiter struct {
	client redis.UniversalClient
	window time.Duration
	log    *logger.Logger

	mu    sync.Mutex
	local map[string]*localEntry
}

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func New(client redis.UniversalClient, window time.Duration, log *logger.Logger) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{client: client, window: window, log: log, local: make(map[string]*localEntry)}
}

func key(userID int64, action string) string {
	return fmt.Sprintf("rate_limit:%d:%s", userID, action)
}

// Allow reports whether userID may perform action once more within the window.
// A non-positive limit disables the check.
func (l *Limiter) Allow(ctx context.Context, userID int64, action string, limit int) bool {
	if limit <= 0 {
		return true
	}
	k := key(userID, action)
	var ok bool
	if l.client != nil {
		n, err := l.incr(ctx, k)
		if err == nil {
			ok = n <= int64(limit)
		} else {
			l.log.Warnw("rate limit backend unavailable", "key", k, "error", err)
			ok = l.allowLocal(k, limit)
		}
	} else {
		ok = l.allowLocal(k, limit)
	}
	if !ok {
		metrics.RateLimited.WithLabelValues(action).Inc()
	}
	return ok
}

// incr bumps the counter and sets its TTL in one MULTI/EXEC. ExpireNX keeps
// the first hit's deadline while still repairing a key that lost its TTL.
func (l *Limiter) incr(ctx context.Context, k string) (int64, error) {
	var n *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		n = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n.Val(), nil
}

func (l *Limiter) allowLocal(k string, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.local[k]
	if !ok {
		e = &localEntry{limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(limit)), limit)}
		l.local[k] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// Cleanup drops local buckets idle for longer than maxIdle.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.local {
		if time.Since(e.lastSeen) > maxIdle {
			delete(l.local, k)
			n++
		}
	}
	return n
}
