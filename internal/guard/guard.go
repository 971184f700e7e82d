// Package guard gates trigger requests before they reach the orchestrator.
package guard

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/logiwatch/incident-orchestrator/internal/config"
	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// idleTTL is how long an unused per-incident limiter is kept.
const idleTTL = 10 * time.Minute

// Guard enforces a token-bucket rate limit per incident on handoff
// triggers. A zero PerSecond disables limiting.
type Guard struct {
	Config config.RateLimitConfig

	mu        sync.Mutex
	limiters  map[string]*bucket
	lastPrune time.Time
	now       func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGuard creates a Guard with the given limits.
func NewGuard(cfg config.RateLimitConfig) *Guard {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Guard{
		Config:   cfg,
		limiters: make(map[string]*bucket),
		now:      time.Now,
	}
}

// CheckRateLimit consumes one token for incidentID and returns
// ErrRateLimited when the bucket is empty.
func (g *Guard) CheckRateLimit(incidentID string) error {
	if g == nil || g.Config.PerSecond <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.prune(now)

	b, ok := g.limiters[incidentID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(g.Config.PerSecond), g.Config.Burst)}
		g.limiters[incidentID] = b
	}
	b.lastSeen = now
	if !b.limiter.AllowN(now, 1) {
		return domain.ErrRateLimited
	}
	return nil
}

// Tracked returns the number of incidents with a live limiter.
func (g *Guard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.limiters)
}

// prune drops idle limiters at most once a minute. Callers hold g.mu.
func (g *Guard) prune(now time.Time) {
	if now.Sub(g.lastPrune) < time.Minute {
		return
	}
	g.lastPrune = now
	for id, b := range g.limiters {
		if now.Sub(b.lastSeen) > idleTTL {
			delete(g.limiters, id)
		}
	}
}
