package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/models"
)

// DefaultExpiryTicks and DefaultExpiryBucketCount are the spec's defaults
// (section 5, "Timeouts"): a single periodic timer with a 60s horizon and
// a 20-bucket wheel, i.e. a tick every 3s.
const (
	DefaultExpiryTicks       = 60 * time.Second
	DefaultExpiryBucketCount = 20
)

// entry is one keyed child of a ClientQueueSystem, tracking the state the
// idle-expiry protocol needs (spec.md section 4.C).
type entry[K comparable] struct {
	key  K
	flow Flow
	idx  int

	mu            sync.Mutex
	epoch         uint64
	notExpirable  bool // true once reactivated; "recognized as not expirable"
	deactivatedAt time.Time
	inExpiryQueue bool
}

// ClientQueueSystem is component C: a keyed collection K -> Flow where
// every child carries equal scheduling weight, with idle expiry (spec.md
// section 4.C). It is itself a Flow, so it composes: a ClientQueueSystem
// of ClientQueueSystems is exactly how component D's owner layer sits
// above the name layer.
type ClientQueueSystem[K comparable] struct {
	group *Group

	mu      sync.Mutex
	entries map[K]*entry[K]
	pending []*entry[K]

	newChild    func(key K) Flow
	expiryTicks time.Duration
	log         *common.Logger
}

// NewClientQueueSystem constructs an empty system. newChild builds the
// Flow for a key on first use (a Leaf for the name layer, or a nested
// *ClientQueueSystem[string] for the owner layer).
func NewClientQueueSystem[K comparable](newChild func(key K) Flow, log *common.Logger) *ClientQueueSystem[K] {
	g := NewGroup()
	s := &ClientQueueSystem[K]{
		group:       g,
		entries:     make(map[K]*entry[K]),
		newChild:    newChild,
		expiryTicks: DefaultExpiryTicks,
		log:         log,
	}
	g.SetChildEventHandler(s.onChildEvent)
	return s
}

var _ Flow = (*ClientQueueSystem[string])(nil)
var _ node = (*ClientQueueSystem[string])(nil)

func (s *ClientQueueSystem[K]) attachTo(parent *Group, slot int) {
	s.group.attachTo(parent, slot)
}

// Enqueue is invalid on a ClientQueueSystem for the same reason it is
// invalid on a bare Group: callers enqueue on the Leaf they obtained from
// GetOrAdd, never on an aggregate.
func (s *ClientQueueSystem[K]) Enqueue(msg *models.SchedulerMessage) error {
	return s.group.Enqueue(msg)
}

// Weight/SetWeight/TryDequeue delegate to the underlying group so a
// ClientQueueSystem can itself be attached as a child of an enclosing
// Group (component D attaches owner-layer systems this way).
func (s *ClientQueueSystem[K]) Weight() int     { return s.group.Weight() }
func (s *ClientQueueSystem[K]) SetWeight(w int) { s.group.SetWeight(w) }

// TryDequeue delegates to the underlying group.
func (s *ClientQueueSystem[K]) TryDequeue() (*models.SchedulerMessage, error) {
	return s.group.TryDequeue()
}

// Dequeue blocks until a message is available or ctx is cancelled,
// delegating to the underlying group.
func (s *ClientQueueSystem[K]) Dequeue(ctx context.Context) (*models.SchedulerMessage, error) {
	return s.group.Dequeue(ctx)
}

// ActiveChildren reports how many keyed children are currently non-empty.
func (s *ClientQueueSystem[K]) ActiveChildren() int {
	return s.group.ActiveChildren()
}

// GetOrAdd returns the existing child for key, or builds one via the
// factory, attaches it into the scheduling group, and arms its expiry
// (spec.md section 4.C). A newly added entry is treated as deactivated
// now, making it eligible for expiry if it is never used.
func (s *ClientQueueSystem[K]) GetOrAdd(key K) Flow {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		s.mu.Unlock()
		return e.flow
	}
	flow := s.newChild(key)
	idx := s.group.Attach(flow)
	e := &entry[K]{key: key, flow: flow, idx: idx, deactivatedAt: time.Now()}
	s.entries[key] = e
	s.mu.Unlock()

	s.arm(e)
	return flow
}

// TryGetValue returns the existing child for key without creating one.
func (s *ClientQueueSystem[K]) TryGetValue(key K) (Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.flow, true
}

// ContainsKey reports whether key currently has an entry.
func (s *ClientQueueSystem[K]) ContainsKey(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// ListMembers returns a point-in-time snapshot of the known keys. Safe to
// call concurrently with mutation; the result may be stale by the time
// the caller inspects it (spec.md section 4.C).
func (s *ClientQueueSystem[K]) ListMembers() []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]K, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

// onChildEvent is the Group child-activation callback: it updates the
// entry's deactivation bookkeeping (spec.md section 4.C, "Race design").
// The epoch guard accepts only strictly newer counters, so an
// out-of-order delivery (possible across goroutines) is discarded rather
// than corrupting the expiry decision.
func (s *ClientQueueSystem[K]) onChildEvent(idx int, activated bool, counter uint64) {
	s.mu.Lock()
	var target *entry[K]
	for _, e := range s.entries {
		if e.idx == idx {
			target = e
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return
	}

	target.mu.Lock()
	if counter <= target.epoch {
		target.mu.Unlock()
		return
	}
	target.epoch = counter
	if activated {
		target.notExpirable = true
	} else {
		target.notExpirable = false
		target.deactivatedAt = time.Now()
	}
	alreadyQueued := target.inExpiryQueue
	if !alreadyQueued {
		target.inExpiryQueue = true
	}
	target.mu.Unlock()

	if !alreadyQueued {
		s.mu.Lock()
		s.pending = append(s.pending, target)
		s.mu.Unlock()
	}
}

// arm enqueues a freshly-added entry into the expiry sweep.
func (s *ClientQueueSystem[K]) arm(e *entry[K]) {
	e.mu.Lock()
	e.inExpiryQueue = true
	e.mu.Unlock()

	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()
}

// Sweep runs one expiry pass: every pending entry is removed iff it is
// still idle and has been idle for at least expiryTicks (spec.md section
// 4.C). Called periodically through PrioritizedQueueSystem.SweepExpiry,
// which internal/app's expiry sweeper drives on a ticker.
func (s *ClientQueueSystem[K]) Sweep(now time.Time) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	var keep []*entry[K]
	for _, e := range pending {
		e.mu.Lock()
		expirable := !e.notExpirable && now.Sub(e.deactivatedAt) >= s.expiryTicks
		if expirable {
			e.inExpiryQueue = false
			e.mu.Unlock()
			s.remove(e)
			continue
		}
		e.inExpiryQueue = false
		e.mu.Unlock()
		keep = append(keep, e)
	}

	if len(keep) > 0 {
		s.mu.Lock()
		s.pending = append(s.pending, keep...)
		s.mu.Unlock()
	}
}

// remove drops an entry from the map and detaches it from the group.
func (s *ClientQueueSystem[K]) remove(e *entry[K]) {
	s.mu.Lock()
	if cur, ok := s.entries[e.key]; ok && cur == e {
		delete(s.entries, e.key)
	} else {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.group.Detach(e.idx)
	if s.log != nil {
		s.log.Debug().Str("key", fmt.Sprintf("%v", e.key)).Msg("client queue system: idle entry expired")
	}
}
