// Package cancel implements the rented cancellation source pool described
// in spec section 9: a small free-list of reusable cancellation group
// objects, each carrying a generation to detect use-after-return.
package cancel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Source is one rentable cancellation group. It satisfies
// models.CancelToken directly, so a *Source can be handed around wherever
// a CancelToken is expected; identity comparison (==) on the pointer is
// exactly the "identity comparison on the cancellation token" the macro
// job protocol relies on (section 4.F).
type Source struct {
	generation uint64

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	triggered bool
	callbacks []func(background bool)
}

// newSource allocates a fresh, un-rented source.
func newSource() *Source {
	s := &Source{}
	s.reset()
	return s
}

// reset re-arms a source for a new rental, bumping its generation so any
// stale holder of the previous rental can be told apart from the new one.
func (s *Source) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.triggered = false
	s.callbacks = nil
}

// Generation returns the current rental's generation number.
func (s *Source) Generation() uint64 {
	return atomic.LoadUint64(&s.generation)
}

// Done returns a channel closed once the source is triggered.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.Done()
}

// Context returns the underlying cancellation context, for callers that
// want to pass it down as a context.Context (e.g. to a Worker).
func (s *Source) Context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Triggered reports whether Cancel has been called on this rental.
func (s *Source) Triggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered
}

// OnCancel registers a callback to run when the source is cancelled. If
// the source is already triggered, fn runs immediately on the calling
// goroutine.
func (s *Source) OnCancel(fn func(background bool)) {
	s.mu.Lock()
	if s.triggered {
		s.mu.Unlock()
		fn(true)
		return
	}
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Cancel triggers the source. Idempotent: a second call is a no-op
// (section 8, "Cancel(m) followed by Cancel(m) is equivalent to
// Cancel(m)"). When background is true, registered callbacks run on their
// own goroutines so the caller's thread is not blocked by downstream
// handlers (section 5).
func (s *Source) Cancel(background bool) {
	s.mu.Lock()
	if s.triggered {
		s.mu.Unlock()
		return
	}
	s.triggered = true
	cancel := s.cancel
	callbacks := s.callbacks
	s.callbacks = nil
	s.mu.Unlock()

	cancel()

	for _, fn := range callbacks {
		fn := fn
		if background {
			go fn(true)
		} else {
			fn(background)
		}
	}
}

// Pool is a free-list of Source objects. Renting and returning are the
// only two operations; returning a triggered source is a programmer error
// (section 5, "returning is forbidden once the source has been
// triggered").
type Pool struct {
	mu   sync.Mutex
	free []*Source
}

// NewPool constructs an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

// Rent returns a ready-to-use source, reusing a returned one if available.
func (p *Pool) Rent() *Source {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return newSource()
	}
	s := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()
	s.reset()
	return s
}

// Return releases a source back to the pool. It panics if the source is
// still triggered — per spec section 5 this must be asserted, not merely
// logged, since it indicates the pool's generation-tagging invariant has
// already been violated by the caller.
func (p *Pool) Return(s *Source) {
	if s.Triggered() {
		panic(fmt.Sprintf("cancel: returning triggered source (generation %d) to pool", s.Generation()))
	}
	p.mu.Lock()
	p.free = append(p.free, s)
	p.mu.Unlock()
}
