package connection

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultReconnectDelay is the fixed wait between reconnect attempts.
const DefaultReconnectDelay = 5 * time.Second

// RetryPolicy decides how long to wait before reconnect attempt n (1-based)
// and whether to try at all.
type RetryPolicy interface {
	NextDelay(attempt int) (time.Duration, bool)
}

// FixedDelay waits the same delay before every attempt. MaxAttempts <= 0
// retries forever.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy retries every five seconds with no limit. A long-lived
// foreground client tolerates this; unattended callers should pass a bounded
// policy instead.
func DefaultRetryPolicy() RetryPolicy {
	return FixedDelay{Delay: DefaultReconnectDelay}
}

func (p FixedDelay) NextDelay(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return delay, true
}

// ExponentialPolicy grows the delay between attempts up to a ceiling.
type ExponentialPolicy struct {
	mu          sync.Mutex
	backoff     *backoff.ExponentialBackOff
	maxAttempts int
}

// NewExponentialPolicy builds a policy starting at initial and capped at ceiling.
// Jitter is disabled when jitter is false so delays are reproducible.
func NewExponentialPolicy(initial, ceiling time.Duration, maxAttempts int, jitter bool) *ExponentialPolicy {
	b := backoff.NewExponentialBackOff()
	if initial > 0 {
		b.InitialInterval = initial
	}
	if ceiling > 0 {
		b.MaxInterval = ceiling
	}
	b.Multiplier = 2
	if !jitter {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return &ExponentialPolicy{backoff: b, maxAttempts: maxAttempts}
}

func (p *ExponentialPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if p.maxAttempts > 0 && attempt > p.maxAttempts {
		return 0, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// attempt restarts at 1 after every successful open
	if attempt <= 1 {
		p.backoff.Reset()
	}
	delay := p.backoff.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	return delay, true
}
