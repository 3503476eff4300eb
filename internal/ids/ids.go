// Package ids generates the opaque identifiers used across the pipeline.
package ids

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// NewSession returns a fresh session identifier.
func NewSession() string {
	return uuid.NewString()
}

// New creates a cryptographically random identifier with the given prefix.
// The prefix should include a trailing dash, e.g. "seg-", "det-", "task-".
func New(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		log.Fatal().Err(err).Msgf("Failed to generate random %s id", prefix)
	}
	return prefix + hex.EncodeToString(b)
}
