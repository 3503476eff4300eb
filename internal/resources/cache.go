// Package resources owns the per-worker cache of loaded inference
// resources. Loading a model is expensive (weights, device memory), so
// each (kind, workerID) pair is loaded at most once per process and the
// handle is shared by every segment task that worker runs. The cache is
// an explicit injected component, not a package-level global, so its
// lifetime and locking are visible to the code that depends on it.
package resources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrInvalidCacheKey indicates an unknown resource kind or a negative
// worker id.
var ErrInvalidCacheKey = errors.New("invalid cache key")

// Kind identifies a class of inference resource.
type Kind string

const (
	KindDetector  Kind = "detector"
	KindSegmenter Kind = "segmenter"
)

// Valid reports whether k is a known resource kind.
func (k Kind) Valid() bool {
	return k == KindDetector || k == KindSegmenter
}

// Handle is a loaded inference resource. Release frees any device-side
// memory the resource holds; a released handle must not be used again.
type Handle interface {
	Release()
}

// Loader creates a resource of the given kind bound to a compute device.
// Called at most once per cache key unless the load fails or the cache
// is cleared.
type Loader func(ctx context.Context, kind Kind, device string) (Handle, error)

// key is the cache key: one resource per (kind, worker) pair.
type key struct {
	kind     Kind
	workerID int
}

// entry guards one loaded resource. The entry mutex serialises the load:
// the first caller for a key loads while holding it, later callers block
// on it and then find the handle already present.
type entry struct {
	mu       sync.Mutex
	handle   Handle
	lastUsed time.Time
}

// Cache is the per-process resource cache. Safe for concurrent use.
type Cache struct {
	mu          sync.Mutex
	entries     map[key]*entry
	loader      Loader
	deviceCount int
}

// New creates a Cache using the given loader. deviceCount is the number
// of accelerator devices on this host; zero selects the CPU fallback for
// every worker.
func New(loader Loader, deviceCount int) *Cache {
	return &Cache{
		entries:     make(map[key]*entry),
		loader:      loader,
		deviceCount: deviceCount,
	}
}

// DeviceFor returns the compute device assigned to a worker id:
// workerID mod deviceCount, or "cpu" when no accelerator is available.
func (c *Cache) DeviceFor(workerID int) string {
	if c.deviceCount <= 0 {
		return "cpu"
	}
	return fmt.Sprintf("cuda:%d", workerID%c.deviceCount)
}

// Get returns the resource for (kind, workerID), loading it on first use.
// Concurrent calls with the same key perform exactly one load; the rest
// wait and receive the identical handle. A failed load releases the key
// so a later call can retry.
func (c *Cache) Get(ctx context.Context, kind Kind, workerID int) (Handle, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("resource kind %q: %w", kind, ErrInvalidCacheKey)
	}
	if workerID < 0 {
		return nil, fmt.Errorf("worker id %d: %w", workerID, ErrInvalidCacheKey)
	}

	k := key{kind: kind, workerID: workerID}

	c.mu.Lock()
	e, ok := c.entries[k]
	if !ok {
		e = &entry{}
		c.entries[k] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != nil {
		e.lastUsed = time.Now()
		return e.handle, nil
	}

	device := c.DeviceFor(workerID)
	start := time.Now()
	h, err := c.loader(ctx, kind, device)
	if err != nil {
		// Leave the entry empty: the per-key lock is released on
		// return, so the next caller retries the load.
		return nil, fmt.Errorf("load %s for worker %d on %s: %w", kind, workerID, device, err)
	}

	e.handle = h
	e.lastUsed = time.Now()

	log.Info().
		Str("kind", string(kind)).
		Int("workerId", workerID).
		Str("device", device).
		Dur("loadTime", time.Since(start)).
		Msg("Inference resource loaded")

	return h, nil
}

// Clear releases every cached handle and resets the cache. Safe to call
// concurrently with Get: the map swap is atomic under the cache lock, and
// taking each entry lock waits out in-flight loads, so callers observe
// either the pre-clear handle or a fresh post-clear load — never a torn
// entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	old := c.entries
	c.entries = make(map[key]*entry)
	c.mu.Unlock()

	released := 0
	for _, e := range old {
		e.mu.Lock()
		if e.handle != nil {
			e.handle.Release()
			e.handle = nil
			released++
		}
		e.mu.Unlock()
	}

	if released > 0 {
		log.Info().Int("released", released).Msg("Resource cache cleared")
	}
}

// Len returns the number of populated cache entries. Diagnostic only.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		e.mu.Lock()
		if e.handle != nil {
			n++
		}
		e.mu.Unlock()
	}
	return n
}
