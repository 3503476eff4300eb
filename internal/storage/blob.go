// Package storage provides access to the blob store holding source
// photos and generated artifacts, wrapped in the retry and circuit
// breaker policy every caller must go through.
package storage

import (
	"context"
	"errors"
)

// ErrStorageUnavailable indicates the blob store could not be reached:
// either the circuit breaker is open or the retry budget is exhausted.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ArtifactKind names a category of generated artifact.
type ArtifactKind string

const (
	// ArtifactOverlay is the visualization overlay: the source photo
	// with detection markers drawn in full-image coordinates.
	ArtifactOverlay ArtifactKind = "overlay"

	// ArtifactResult is the serialized aggregated result.
	ArtifactResult ArtifactKind = "result"
)

// BlobStore fetches source photos and persists artifacts. All pipeline
// access goes through the Resilient wrapper, never a bare implementation.
type BlobStore interface {
	// Fetch returns the source photo bytes for a session.
	Fetch(ctx context.Context, sessionID string) ([]byte, error)

	// Upload persists an artifact and returns an opaque reference to it.
	Upload(ctx context.Context, sessionID string, kind ArtifactKind, data []byte) (string, error)
}
