package conn

import (
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Reconnect defaults.
const (
	DefaultBaseInterval = 5 * time.Second
	DefaultMaxAttempts  = 10
)

// ReconnectPolicy schedules reconnects with a linear, attempt-indexed
// delay: Base * attempt for attempts 1..MaxAttempts. Past MaxAttempts it
// refuses to schedule anything until Reset.
type ReconnectPolicy struct {
	base time.Duration
	max  int

	mu      sync.Mutex
	attempt int
	backoff retry.Backoff
}

// NewReconnectPolicy creates a policy. Non-positive values use the defaults.
func NewReconnectPolicy(base time.Duration, maxAttempts int) *ReconnectPolicy {
	if base <= 0 {
		base = DefaultBaseInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	p := &ReconnectPolicy{base: base, max: maxAttempts}
	p.backoff = p.newBackoff()
	return p
}

func (p *ReconnectPolicy) newBackoff() retry.Backoff {
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		p.attempt++
		return p.Delay(p.attempt), false
	})
	return retry.WithMaxRetries(uint64(p.max), linear)
}

// Delay returns the wait before the given attempt.
func (p *ReconnectPolicy) Delay(attempt int) time.Duration {
	return p.base * time.Duration(attempt)
}

// Next records a failed close and returns the attempt number and delay for
// the reconnect. ok is false once MaxAttempts is exhausted.
func (p *ReconnectPolicy) Next() (attempt int, delay time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delay, stop := p.backoff.Next()
	if stop {
		return p.attempt, 0, false
	}
	return p.attempt, delay, true
}

// Attempts returns the number of reconnects scheduled since the last Reset.
func (p *ReconnectPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}

// Reset zeroes the attempt counter.
func (p *ReconnectPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempt = 0
	p.backoff = p.newBackoff()
}
