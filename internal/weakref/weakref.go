// Package weakref implements the one-shot back-reference cell described
// in spec.md §9: a module context needs a handle back to the client
// that owns its registry, but the client owns the registry which owns
// the context, so a strong reference would cycle. This package breaks
// the cycle by storing a plain pointer behind an invalidation flag
// instead of an owning reference; the pointer is set exactly once after
// construction and is cleared on shutdown, after which every holder
// gets a clean error instead of a stale pointer.
package weakref

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrInvalidated is returned by Get once the referenced value has been
// cleared, typically because the owning client shut down.
var ErrInvalidated = errors.New("weakref: reference invalidated")

// ErrUnset is returned by Get if Set has never been called.
var ErrUnset = errors.New("weakref: reference never set")

// Cell holds a one-shot back-reference to a *T. The zero Cell is usable
// and holds no value.
type Cell[T any] struct {
	mu      sync.Mutex
	once    sync.Once
	value   *T
	everSet atomic.Bool
	valid   atomic.Bool
}

// New returns an unset Cell.
func New[T any]() *Cell[T] {
	return &Cell[T]{}
}

// Set installs the back-reference. It is a programming error to call Set
// more than once; subsequent calls are no-ops, matching the one-shot
// initialization-cell contract.
func (c *Cell[T]) Set(v *T) {
	c.once.Do(func() {
		c.mu.Lock()
		c.value = v
		c.mu.Unlock()
		c.everSet.Store(true)
		c.valid.Store(true)
	})
}

// Invalidate clears the reference. Every subsequent Get returns
// ErrInvalidated. Safe to call more than once and concurrently with Get.
func (c *Cell[T]) Invalidate() {
	c.valid.Store(false)
	c.mu.Lock()
	c.value = nil
	c.mu.Unlock()
}

// Get upgrades the weak reference for the duration of a single call. The
// returned pointer must not be retained past the call that obtained it:
// a later Invalidate can clear it from under a holder that kept it
// around.
func (c *Cell[T]) Get() (*T, error) {
	if !c.valid.Load() {
		if !c.everSet.Load() {
			return nil, ErrUnset
		}
		return nil, ErrInvalidated
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil {
		return nil, ErrInvalidated
	}
	return c.value, nil
}
