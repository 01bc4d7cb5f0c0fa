package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate is the throttle state shared by every caller that spends the same
// Slack token's quota. A throttled caller pushes the gate's deadline forward
// and all callers wait for it before their next call.
type Gate struct {
	limiter *rate.Limiter

	mu    sync.Mutex
	until time.Time
}

// NewGate returns a gate pacing calls at rps with the given burst. rps <= 0
// disables pacing; the gate then only enforces throttle deadlines.
func NewGate(rps float64, burst int) *Gate {
	return &Gate{limiter: rate.NewLimiter(limitFor(rps), burstFor(burst))}
}

func limitFor(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func burstFor(burst int) int {
	if burst <= 0 {
		return 1
	}
	return burst
}

// Block holds every caller of the gate until t. Earlier deadlines never
// shorten a later one.
func (g *Gate) Block(t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.After(g.until) {
		g.until = t
	}
}

// BlockedUntil reports the current deadline.
func (g *Gate) BlockedUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.until
}

// Wait blocks until the deadline has passed and the limiter admits a call.
func (g *Gate) Wait(ctx context.Context, clock Clock) error {
	for {
		d := g.BlockedUntil().Sub(clock.Now())
		if d <= 0 {
			break
		}
		// another caller may push the deadline while we sleep, so re-check
		if err := clock.Sleep(ctx, d); err != nil {
			return err
		}
	}
	return g.limiter.Wait(ctx)
}

func (g *Gate) setLimit(rps float64, burst int) {
	g.limiter.SetLimit(limitFor(rps))
	g.limiter.SetBurst(burstFor(burst))
}

// Registry hands out one Gate per token for the whole process.
type Registry struct {
	mu    sync.Mutex
	gates map[string]*Gate
	rps   float64
	burst int
}

func NewRegistry(rps float64, burst int) *Registry {
	return &Registry{gates: make(map[string]*Gate), rps: rps, burst: burst}
}

// Gate returns the gate for token, creating it on first use. Tokens are
// keyed by their SHA-256 so the raw secret is not retained.
func (r *Registry) Gate(token string) *Gate {
	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gates[key]; ok {
		return g
	}
	g := NewGate(r.rps, r.burst)
	r.gates[key] = g
	return g
}

// SetLimit changes pacing for existing and future gates.
func (r *Registry) SetLimit(rps float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rps, r.burst = rps, burst
	for _, g := range r.gates {
		g.setLimit(rps, burst)
	}
}

// Len reports how many tokens have been seen.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gates)
}
