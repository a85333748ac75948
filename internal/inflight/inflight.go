// Package inflight rejects duplicate concurrent submissions of the same
// mutation (a double-clicked "approve & pay", a retried webhook racing the
// original). A Guard hands out one lease per key; a second Acquire for a key
// that is still held fails fast with ErrBusy instead of queueing.
//
// Leases protect the window in which an external collaborator is called
// outside a database transaction. They are not a substitute for the guarded
// writes inside the transaction, which remain the source of truth.
package inflight

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy reports that another request currently holds the key.
var ErrBusy = errors.New("inflight: key is busy")

// Release ends a lease. It is safe to call more than once.
type Release func()

// Guard grants exclusive, non-blocking leases on string keys.
type Guard interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// MemoryGuard is a process-local Guard. Use RedisGuard when several replicas
// serve the same database.
type MemoryGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryGuard returns an empty MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{held: make(map[string]struct{})}
}

// Acquire implements Guard.
func (g *MemoryGuard) Acquire(ctx context.Context, key string) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return nil, ErrBusy
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, nil
}
