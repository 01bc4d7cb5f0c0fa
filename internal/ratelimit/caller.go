// Package ratelimit retries remote calls that are rejected for exceeding a
// request quota, using exponential backoff bounded by a retry budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRateLimitExceeded is returned (wrapped in *ExhaustedError) once the
// retry budget is spent.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ThrottledError is the throttling signal an operation returns when the
// remote side refused the call because of its quota.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled: retry after %s", e.RetryAfter)
}

// ExhaustedError reports a call that was throttled MaxRetries times in a row.
type ExhaustedError struct {
	Method     string
	Attempts   int
	RetryAfter time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %v after %d attempts", e.Method, ErrRateLimitExceeded, e.Attempts)
}

func (e *ExhaustedError) Unwrap() error { return ErrRateLimitExceeded }

// Policy configures the backoff schedule.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

const (
	DefaultBase       = time.Second
	DefaultMax        = 30 * time.Second
	DefaultMaxRetries = 5
)

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	return p
}

// Observer receives call outcomes; the metrics package implements it.
type Observer interface {
	ObserveCall(method, outcome string)
	ObserveBackoff(method string, wait time.Duration)
}

const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeThrottled = "throttled"
	OutcomeExhausted = "exhausted"
)

type state int

const (
	stateIdle state = iota
	stateWaiting
	stateCalling
)

// Caller wraps remote operations with backoff. The backoff value belongs to
// the Caller and is shared by every goroutine using it.
type Caller struct {
	policy   Policy
	gate     *Gate
	clock    Clock
	observer Observer
	logger   *zap.Logger

	mu      sync.Mutex
	backoff time.Duration
}

type Option func(*Caller)

// WithGate shares throttle deadlines with other callers of the same token.
func WithGate(g *Gate) Option { return func(c *Caller) { c.gate = g } }

func WithClock(clock Clock) Option { return func(c *Caller) { c.clock = clock } }

func WithObserver(o Observer) Option { return func(c *Caller) { c.observer = o } }

func WithLogger(l *zap.Logger) Option { return func(c *Caller) { c.logger = l } }

func NewCaller(policy Policy, opts ...Option) *Caller {
	c := &Caller{policy: policy.normalized()}
	for _, opt := range opts {
		opt(c)
	}
	if c.gate == nil {
		c.gate = NewGate(0, 0)
	}
	if c.clock == nil {
		c.clock = RealClock()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.backoff = c.policy.Base
	return c
}

// Policy returns the effective (normalized) policy.
func (c *Caller) Policy() Policy { return c.policy }

// Backoff returns the wait the next throttling signal would start from.
func (c *Caller) Backoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff
}

// next returns the current backoff and doubles it for the following signal.
func (c *Caller) next() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.backoff
	c.backoff *= 2
	if c.backoff > c.policy.Max {
		c.backoff = c.policy.Max
	}
	return d
}

func (c *Caller) reset() {
	c.mu.Lock()
	c.backoff = c.policy.Base
	c.mu.Unlock()
}

// Do runs op until it succeeds, fails with a non-throttling error, or is
// throttled MaxRetries consecutive times. Non-throttling errors are returned
// unchanged.
func (c *Caller) Do(ctx context.Context, method string, op func(context.Context) error) error {
	attempts := 0
	st := stateIdle
	for {
		switch st {
		case stateIdle, stateWaiting:
			if err := c.gate.Wait(ctx, c.clock); err != nil {
				return err
			}
			st = stateCalling

		case stateCalling:
			err := op(ctx)
			var throttled *ThrottledError
			if !errors.As(err, &throttled) {
				c.reset()
				if err != nil {
					c.observe(method, OutcomeError)
					return err
				}
				c.observe(method, OutcomeOK)
				return nil
			}

			attempts++
			if attempts >= c.policy.MaxRetries {
				c.observe(method, OutcomeExhausted)
				c.logger.Warn("retry budget exhausted",
					zap.String("method", method),
					zap.Int("attempts", attempts),
				)
				return &ExhaustedError{Method: method, Attempts: attempts, RetryAfter: throttled.RetryAfter}
			}

			wait := c.next()
			if throttled.RetryAfter > wait {
				wait = throttled.RetryAfter
			}
			c.gate.Block(c.clock.Now().Add(wait))
			c.observe(method, OutcomeThrottled)
			if c.observer != nil {
				c.observer.ObserveBackoff(method, wait)
			}
			c.logger.Info("slack api throttled, backing off",
				zap.String("method", method),
				zap.Int("attempt", attempts),
				zap.Duration("retry_after", throttled.RetryAfter),
				zap.Duration("wait", wait),
			)
			st = stateWaiting
		}
	}
}

func (c *Caller) observe(method, outcome string) {
	if c.observer != nil {
		c.observer.ObserveCall(method, outcome)
	}
}
