package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Resilient wraps a BlobStore with the storage resilience policy: each
// call retries with exponential backoff on transient errors, and the
// shared circuit breaker fails fast once the store has proven itself
// down. An exhausted budget or an open circuit surfaces as
// ErrStorageUnavailable; the stage that triggered the call decides
// whether that degrades one segment or the whole session.
type Resilient struct {
	inner      BlobStore
	breaker    *Breaker
	maxRetries uint64

	// initialInterval seeds the backoff schedule; shortened by tests.
	initialInterval time.Duration
}

var _ BlobStore = (*Resilient)(nil)

// NewResilient wraps inner with maxRetries retry attempts and a circuit
// breaker opening after breakerFailures consecutive failures, cooling
// down for cooldown.
func NewResilient(inner BlobStore, maxRetries, breakerFailures int, cooldown time.Duration) *Resilient {
	return &Resilient{
		inner:           inner,
		breaker:         NewBreaker(breakerFailures, cooldown),
		maxRetries:      uint64(maxRetries),
		initialInterval: 200 * time.Millisecond,
	}
}

// Breaker exposes the shared breaker for health reporting.
func (r *Resilient) Breaker() *Breaker {
	return r.breaker
}

// Fetch retrieves the source photo under the resilience policy.
func (r *Resilient) Fetch(ctx context.Context, sessionID string) ([]byte, error) {
	var out []byte
	err := r.call(ctx, "fetch", func() error {
		var err error
		out, err = r.inner.Fetch(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Upload persists an artifact under the resilience policy.
func (r *Resilient) Upload(ctx context.Context, sessionID string, kind ArtifactKind, data []byte) (string, error) {
	var ref string
	err := r.call(ctx, "upload", func() error {
		var err error
		ref, err = r.inner.Upload(ctx, sessionID, kind, data)
		return err
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

// call runs op through the breaker and the retry schedule.
func (r *Resilient) call(ctx context.Context, opName string, op func() error) error {
	attempts := 0
	wrapped := func() error {
		attempts++
		err := r.breaker.Execute(op)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			// Fail fast: retrying against an open circuit only burns
			// the cooldown the breaker is counting on.
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		log.Debug().Err(err).Str("op", opName).Int("attempt", attempts).Msg("Blob store call failed — retrying")
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initialInterval
	bo.MaxElapsedTime = 0

	err := backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, r.maxRetries), ctx))
	if err != nil {
		return fmt.Errorf("%s after %d attempts: %v: %w", opName, attempts, err, ErrStorageUnavailable)
	}
	return nil
}
