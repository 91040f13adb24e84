// Package clientpool implements the LIFO object pool the scheduler uses
// to multiplex Strava adapter handles across fetch workers (C2).
//
// Ported from original_source/tourmap/utils/objpool.py: a bounded pool is
// pre-seeded with placeholder slots so construction of the underlying
// handle is deferred to first use; an unbounded pool (maxsize == 0) never
// blocks and fabricates a new handle whenever the stack is empty.
package clientpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolEmpty is returned by Acquire when maxsize is set, the stack is
// empty, and the given timeout/context elapses before a handle is
// released back. Corresponds to spec's PoolEmpty error kind: transient,
// the caller should treat it as a retry-next-tick signal.
var ErrPoolEmpty = errors.New("clientpool: pool empty")

// Factory constructs a new handle. Called at most once per pool slot for
// a bounded pool, or once per Acquire miss for an unbounded one.
type Factory[T any] func() (T, error)

// Pool is a LIFO pool of reusable handles of type T.
type Pool[T any] struct {
	factory Factory[T]
	maxsize int

	// stack holds ready-to-use handles, LIFO (last released = first
	// acquired). placeholders counts slots that are reserved but not yet
	// materialized (bounded pools only).
	stack        []T
	placeholders int

	// tokens gates concurrent acquisition for bounded pools: one token
	// per pre-seeded slot (either an idle handle or a placeholder).
	tokens chan struct{}

	mu sync.Mutex
}

// New creates a pool. maxsize == 0 means unbounded: Acquire never blocks
// and always succeeds (fabricating a new handle when the stack is
// empty); maxsize > 0 pre-seeds that many placeholder slots.
func New[T any](factory Factory[T], maxsize int) *Pool[T] {
	p := &Pool[T]{
		factory: factory,
		maxsize: maxsize,
	}
	if maxsize > 0 {
		p.placeholders = maxsize
		p.tokens = make(chan struct{}, maxsize)
		for i := 0; i < maxsize; i++ {
			p.tokens <- struct{}{}
		}
	}
	return p
}

// Acquire returns a handle, blocking up to ctx's deadline when the pool
// is bounded and exhausted. Returns ErrPoolEmpty if ctx is done first.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	if p.maxsize == 0 {
		return p.acquireUnbounded()
	}

	select {
	case <-p.tokens:
		return p.materializeOrPop()
	case <-ctx.Done():
		return zero, ErrPoolEmpty
	}
}

func (p *Pool[T]) acquireUnbounded() (T, error) {
	p.mu.Lock()
	if n := len(p.stack); n > 0 {
		h := p.stack[n-1]
		p.stack = p.stack[:n-1]
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()
	return p.factory()
}

// materializeOrPop is called after successfully taking a token: either
// there's an idle handle on the stack (pop it), or there's a reserved
// placeholder to materialize via the factory.
func (p *Pool[T]) materializeOrPop() (T, error) {
	p.mu.Lock()
	if n := len(p.stack); n > 0 {
		h := p.stack[n-1]
		p.stack = p.stack[:n-1]
		p.mu.Unlock()
		return h, nil
	}
	p.placeholders--
	p.mu.Unlock()

	h, err := p.factory()
	if err != nil {
		// Give the token back; this slot is still a placeholder since
		// construction failed.
		p.mu.Lock()
		p.placeholders++
		p.mu.Unlock()
		p.tokens <- struct{}{}
		var zero T
		return zero, fmt.Errorf("clientpool: construct handle: %w", err)
	}
	return h, nil
}

// Release returns a handle to the pool. For a bounded pool, releasing
// more handles than were ever acquired is a programmer error and panics,
// mirroring the source's queue.Full-on-programmer-error contract.
func (p *Pool[T]) Release(h T) {
	p.mu.Lock()
	p.stack = append(p.stack, h)
	p.mu.Unlock()

	if p.maxsize > 0 {
		select {
		case p.tokens <- struct{}{}:
		default:
			panic("clientpool: release without a matching acquire")
		}
	}
}

// Size reports the number of idle handles currently sitting in the pool.
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stack)
}

// Use acquires a handle, invokes fn with it, and guarantees Release runs
// on every exit path, including a panic propagating out of fn, mirroring
// the source's context-manager `use()` idiom.
func (p *Pool[T]) Use(ctx context.Context, fn func(T) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h)
}
