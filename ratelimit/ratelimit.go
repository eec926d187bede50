// Package ratelimit implements per-tenant admission control (spec
// §4.0, §6): a local token bucket keyed by tenant, with an optional
// Redis-backed distributed bucket for tenants whose config marks them
// `distributed: true` so multiple kernel instances share one budget.
// Only rate-limit state lives in Redis here — never response content,
// which would reintroduce the persisted-cache behavior the
// specification excludes (spec §1 Non-goals); see package cache.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vvtv/llmpool/types"
)

// visitor pairs a tenant's bucket with its last-seen time so the
// background sweep can evict idle tenants.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a per-tenant in-process token bucket admission gate.
type Limiter struct {
	logger *zap.Logger

	defaultRPS   float64
	defaultBurst int

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewLimiter builds a Limiter with fallback rps/burst for tenants the
// config doesn't override explicitly.
func NewLimiter(defaultRPS float64, defaultBurst int, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultRPS <= 0 {
		defaultRPS = 10
	}
	if defaultBurst <= 0 {
		defaultBurst = int(defaultRPS * 2)
		if defaultBurst <= 0 {
			defaultBurst = 1
		}
	}
	return &Limiter{
		logger:       logger,
		defaultRPS:   defaultRPS,
		defaultBurst: defaultBurst,
		visitors:     make(map[string]*visitor),
	}
}

// Allow admits or rejects one request for tenantID. A zero rps/burst
// falls back to the Limiter's default, so callers can pass a tenant's
// config values straight through. Returns a *types.Error{RateLimited}
// on rejection.
func (l *Limiter) Allow(tenantID string, rps float64, burst int) error {
	if rps <= 0 {
		rps = l.defaultRPS
	}
	if burst <= 0 {
		burst = l.defaultBurst
	}

	l.mu.Lock()
	v, ok := l.visitors[tenantID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		l.visitors[tenantID] = v
	}
	v.lastSeen = time.Now()
	limiter := v.limiter
	l.mu.Unlock()

	if !limiter.Allow() {
		return types.NewError(types.ErrRateLimited, "tenant rate limit exceeded")
	}
	return nil
}

// StartCleanup runs a background sweep that evicts tenants idle
// longer than maxIdle, until ctx is cancelled. Mirrors the teacher's
// HTTP-middleware visitor sweep, generalized from per-IP to per-tenant.
func (l *Limiter) StartCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.mu.Lock()
				for id, v := range l.visitors {
					if time.Since(v.lastSeen) > maxIdle {
						delete(l.visitors, id)
					}
				}
				l.mu.Unlock()
			}
		}
	}()
}

// Len reports the number of tenants currently tracked, for tests and
// the prometheus collector.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}
