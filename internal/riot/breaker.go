package riot

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker trips after consecutive transport failures so a dead or
// unreachable auth service does not burn a whole queue tick per job.
// Rejections and rate limits are not failures; only failing to complete
// the round trip counts.
type breaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int

	failures      int
	lastFailure   time.Time
	state         breakerState
	halfOpenCount int
}

func newBreaker() *breaker {
	return &breaker{
		failureThreshold: 5,
		resetTimeout:     30 * time.Second,
		halfOpenMax:      2,
		state:            breakerClosed,
	}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.lastFailure) > b.resetTimeout {
			b.state = breakerHalfOpen
			b.halfOpenCount = 0
			b.halfOpenCount++
			return true
		}
		return false
	case breakerHalfOpen:
		if b.halfOpenCount < b.halfOpenMax {
			b.halfOpenCount++
			return true
		}
		return false
	}
	return false
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == breakerHalfOpen {
		b.state = breakerClosed
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if b.state == breakerHalfOpen || b.failures >= b.failureThreshold {
		b.state = breakerOpen
		b.halfOpenCount = 0
	}
}

func (b *breaker) stateString() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
