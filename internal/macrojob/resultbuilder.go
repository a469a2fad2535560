package macrojob

import (
	"sync"

	"github.com/bobmcallan/jobsrv/internal/models"
)

// ResultBuilder accumulates the child promises produced by a macro job's
// expansion, in order, and completes exactly once (spec.md section 3,
// "resultBuilder").
type ResultBuilder struct {
	mu       sync.Mutex
	members  []*models.Promise
	complete bool
	err      error
	token    models.CancelToken
}

// NewResultBuilder constructs an empty builder.
func NewResultBuilder() *ResultBuilder {
	return &ResultBuilder{}
}

// IsComplete reports whether TryComplete has already succeeded.
func (b *ResultBuilder) IsComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete
}

// SetMember records the child promise produced at position index,
// growing the backing slice as needed (spec.md section 4.F step 4.f).
func (b *ResultBuilder) SetMember(index int, p *models.Promise) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.members) <= index {
		b.members = append(b.members, nil)
	}
	b.members[index] = p
}

// TryComplete finalizes the builder with count members, an optional
// expansion error, and the cancellation token observed at the time
// expansion stopped. A second call is a no-op and returns false (the
// result builder may be completed exactly once, spec.md section 3).
func (b *ResultBuilder) TryComplete(count int, err error, token models.CancelToken) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.complete {
		return false
	}
	if count < len(b.members) {
		b.members = b.members[:count]
	}
	b.complete = true
	b.err = err
	b.token = token
	return true
}

// Members returns a snapshot of the accumulated child promises.
func (b *ResultBuilder) Members() []*models.Promise {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.Promise, len(b.members))
	copy(out, b.members)
	return out
}

// Err returns the error TryComplete was finalized with, if any.
func (b *ResultBuilder) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// WaitForAll blocks until every accumulated child promise has completed
// (spec.md section 3, "waitForAllPromisesAsync"). Safe to call only after
// TryComplete, once the member list is final.
func (b *ResultBuilder) WaitForAll() {
	members := b.Members()

	var wg sync.WaitGroup
	for _, p := range members {
		if p == nil {
			continue
		}
		wg.Add(1)
		p.Subscribe(func(*models.Promise) { wg.Done() })
	}
	wg.Wait()
}
