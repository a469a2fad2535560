// Package promisestore implements component A: identity, in-memory
// caching, persistence, and re-hydration of promises (spec.md section
// 4.A).
//
// The live map holds a weak.Pointer per promise once it has been
// persisted, so the promise object can be collected the moment nothing
// else holds a strong reference to it; incomplete promises are kept
// strongly reachable through the map entry itself. This is the direct Go
// translation of the design note in spec.md section 9 ("Live-object map
// with weak values") — Go's weak package (since go1.24) is the only way
// to express a GC-cooperating weak reference; no third-party library in
// the retrieval pack offers one, so this is the one place in the core
// that intentionally has no ecosystem alternative (see DESIGN.md).
package promisestore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/interfaces"
	"github.com/bobmcallan/jobsrv/internal/models"
)

// handle is one live-map slot. Exactly one of strong/weak is meaningful
// at a time: strong is set while the promise is incomplete (or completed
// but not yet durably persisted); weak is set once persistence succeeds
// and the slot is demoted.
type handle struct {
	mu     sync.Mutex
	strong *models.Promise
	weak   weak.Pointer[models.Promise]
}

func (h *handle) load() *models.Promise {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.strong != nil {
		return h.strong
	}
	return h.weak.Value()
}

func (h *handle) demote(p *models.Promise) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.strong == p {
		h.strong = nil
		h.weak = weak.Make(p)
	}
}

// sequencer mints ids. One Store owns exactly one sequencer; serviceID
// distinguishes stores sharing one on-disk engine (e.g. multiple server
// instances pointed at the same data directory in a test).
type sequencer struct {
	serviceID uint32
	next      atomic.Uint64
}

func (s *sequencer) mint() models.PromiseId {
	return models.PromiseId{ServiceID: s.serviceID, Sequence: s.next.Add(1)}
}

// Store is the concrete promisestore.PromiseStore.
type Store struct {
	seq sequencer
	kv  interfaces.KVEngine
	log *common.Logger

	live sync.Map // models.PromiseId -> *handle

	sweepCounter atomic.Uint64
}

// Option configures a Store.
type Option func(*Store)

// WithServiceID sets the serviceId half of minted promise ids. Defaults
// to 0.
func WithServiceID(id uint32) Option {
	return func(s *Store) { s.seq.serviceID = id }
}

// NewStore constructs a promise store over the given KV engine. kv may be
// nil, in which case all promises are memory-only (useful for tests).
func NewStore(kv interfaces.KVEngine, log *common.Logger, opts ...Option) *Store {
	s := &Store{kv: kv, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ interfaces.PromiseStore = (*Store)(nil)

// Create mints a fresh promise, registers it in the live map, and
// subscribes the internal persistence handler. If output is non-nil the
// promise starts out already complete, which — per section
// 4.A — triggers an immediate persistence attempt if the payload is
// small enough.
func (s *Store) Create(input []byte, schema models.SchemaTag, output []byte) *models.Promise {
	id := s.seq.mint()
	p := models.NewPromise(id, input)

	h := &handle{strong: p}
	s.live.Store(id, h)
	p.Subscribe(func(p *models.Promise) { s.onComplete(h, p) })

	if output != nil {
		p.Complete(schema, output)
	}

	s.maybeSweep()
	return p
}

// GetByID consults the live map first; on a miss it falls back to the KV
// engine and, on a hit, rehydrates a Promise and installs it as a weak
// handle (section 4.A).
func (s *Store) GetByID(ctx context.Context, id models.PromiseId) (*models.Promise, bool) {
	if v, ok := s.live.Load(id); ok {
		h := v.(*handle)
		if p := h.load(); p != nil {
			return p, true
		}
		// Weak reference cleared: fall through to rehydrate from disk,
		// then reinstall it as a weak handle.
		s.live.Delete(id)
	}

	s.maybeSweep()

	if s.kv == nil {
		return nil, false
	}

	blob, ok, err := s.kv.Get(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("promise_id", id.String()).Msg("promise store: KV read failed, treating as miss")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	p := models.NewPromise(id, nil)
	p.Complete(blob.Schema, blob.Payload)

	h := &handle{}
	h.weak = weak.Make(p)
	s.live.Store(id, h)

	return p, true
}

// SchedulePromiseExpiry is reserved (section 4.A) and currently a no-op:
// the core has no TTL policy for promise payloads, only for idle client
// queues (section 5, "Timeouts").
func (s *Store) SchedulePromiseExpiry(_ *models.Promise, _ time.Time) {}

// onComplete is the internal update handler subscribed at creation time.
// It serializes the payload, writes it through the KV engine, and demotes
// the live handle to a weak reference on success. Failures are logged and
// treated as non-fatal: the promise stays memory-resident (section 4.A,
// "Failure"). Like every promise subscriber, it runs synchronously on the
// goroutine that calls Promise.Complete, so the write has finished by the
// time Complete returns.
func (s *Store) onComplete(h *handle, p *models.Promise) {
	payload, schema, ok := p.Output()
	if !ok {
		return
	}
	if len(payload) > models.MaxBlobSize {
		s.log.Warn().Str("promise_id", p.ID().String()).Int("size", len(payload)).
			Msg("promise store: payload exceeds size limit, staying memory-only")
		return
	}
	if s.kv == nil {
		return
	}

	blob := models.PromiseBlob{Schema: schema, Payload: payload}
	ctx := context.Background()
	if err := s.kv.Put(ctx, p.ID(), blob); err != nil {
		s.log.Warn().Err(err).Str("promise_id", p.ID().String()).Msg("promise store: persist failed, staying memory-resident")
		return
	}

	h.demote(p)
}

// maybeSweep runs the opportunistic housekeeping pass every 256th call
// (section 4.A: "rate-limited by a tick counter"), pruning live-map
// entries whose weak reference has already been cleared by the GC.
func (s *Store) maybeSweep() {
	if s.sweepCounter.Add(1)%256 != 0 {
		return
	}
	s.live.Range(func(key, value any) bool {
		h := value.(*handle)
		if h.load() == nil {
			s.live.Delete(key)
		}
		return true
	})
}
