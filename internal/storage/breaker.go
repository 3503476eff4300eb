package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned without attempting the call while the
// breaker is open or a half-open trial is already in flight.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker is a circuit breaker shared by every blob-store caller in the
// process. It opens after `threshold` consecutive failures, rejects
// calls immediately while open, and after `cooldown` admits exactly one
// trial call: success closes the circuit, failure re-opens it. All
// transitions happen under one lock, so concurrent callers always
// observe a consistent state.
type Breaker struct {
	mu sync.Mutex

	state    BreakerState
	failures int
	openedAt time.Time
	trial    bool // a half-open trial call is in flight

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewBreaker creates a closed Breaker that opens after threshold
// consecutive failures and cools down for the given duration.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op under the breaker policy. While open it fails fast
// with ErrCircuitOpen and op is never invoked.
func (b *Breaker) Execute(op func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := op()
	b.record(err)
	return err
}

// allow decides whether a call may proceed, moving open → half-open once
// the cooldown has elapsed and admitting a single trial.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.trial = true
		log.Info().Msg("Storage circuit breaker half-open — admitting trial call")
		return nil
	case StateHalfOpen:
		if b.trial {
			return ErrCircuitOpen
		}
		b.trial = true
		return nil
	}
	return ErrCircuitOpen
}

// record applies a call outcome to the breaker state.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = b.now()
			log.Warn().
				Int("consecutiveFailures", b.failures).
				Dur("cooldown", b.cooldown).
				Msg("Storage circuit breaker opened")
		}
	case StateHalfOpen:
		b.trial = false
		if err == nil {
			b.state = StateClosed
			b.failures = 0
			log.Info().Msg("Storage circuit breaker closed — trial call succeeded")
			return
		}
		b.state = StateOpen
		b.openedAt = b.now()
		log.Warn().Msg("Storage circuit breaker re-opened — trial call failed")
	}
}
