// Package models holds the wire- and storage-level types shared across the
// promise store, scheduler, and jobs manager.
package models

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// PromiseId is an opaque pair uniquely identifying a promise within one
// server instance. It is totally ordered and round-trips through its
// textual form.
type PromiseId struct {
	ServiceID uint32
	Sequence  uint64
}

// String renders the id as "<serviceId>/<sequence>" in decimal.
func (id PromiseId) String() string {
	return fmt.Sprintf("%d/%d", id.ServiceID, id.Sequence)
}

// Less provides the total order over PromiseId required by section 3:
// service id first, then sequence.
func (id PromiseId) Less(other PromiseId) bool {
	if id.ServiceID != other.ServiceID {
		return id.ServiceID < other.ServiceID
	}
	return id.Sequence < other.Sequence
}

// ParsePromiseId parses the textual form produced by String. It is the
// exact inverse: parse(format(id)) == id for all ids.
func ParsePromiseId(s string) (PromiseId, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return PromiseId{}, fmt.Errorf("invalid promise id %q: expected \"<serviceId>/<sequence>\"", s)
	}
	serviceID, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return PromiseId{}, fmt.Errorf("invalid promise id %q: bad service id: %w", s, err)
	}
	sequence, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return PromiseId{}, fmt.Errorf("invalid promise id %q: bad sequence: %w", s, err)
	}
	return PromiseId{ServiceID: uint32(serviceID), Sequence: sequence}, nil
}

// KeyBytesLen is the fixed width of the on-disk key encoding (section 6):
// a little-endian (serviceId:u32, sequence:u64) pair.
const KeyBytesLen = 12

// KeyBytes encodes the id as the fixed 12-byte little-endian key layout
// used by the KV engine. Equality and hashing over this layout is what the
// underlying store's comparer operates on.
func (id PromiseId) KeyBytes() [KeyBytesLen]byte {
	var buf [KeyBytesLen]byte
	binary.LittleEndian.PutUint32(buf[0:4], id.ServiceID)
	binary.LittleEndian.PutUint64(buf[4:12], id.Sequence)
	return buf
}

// ParseKeyBytes decodes the fixed 12-byte key layout back into a PromiseId.
func ParseKeyBytes(b []byte) (PromiseId, error) {
	if len(b) != KeyBytesLen {
		return PromiseId{}, fmt.Errorf("invalid promise key length %d, want %d", len(b), KeyBytesLen)
	}
	return PromiseId{
		ServiceID: binary.LittleEndian.Uint32(b[0:4]),
		Sequence:  binary.LittleEndian.Uint64(b[4:12]),
	}, nil
}

// MaxBlobSize is the size cap on a serialized promise payload (16 MiB,
// section 3). Oversize promises remain memory-only and are never
// persisted.
const MaxBlobSize = 16 * 1024 * 1024

// MaxKVValueSize is the largest encoded body (2-byte schema tag plus
// payload) that EncodeBlob accepts (section 6): 2^24 bytes. The 4-byte
// length prefix itself could hold larger values.
const MaxKVValueSize = 1 << 24

// SchemaTag identifies how a PromiseBlob's payload bytes should be
// deserialized. The core treats payloads as opaque; application code
// registers decoders per tag with the promise store's schema registry.
type SchemaTag uint16

// PromiseBlob is the on-disk representation of a completed promise's
// output: a schema tag plus the serialized payload bytes. The KV value
// format additionally prefixes this with a 4-byte little-endian total
// length (handled by the storage layer, not this type).
type PromiseBlob struct {
	Schema  SchemaTag
	Payload []byte
}

// Size returns the number of payload bytes this blob carries, used to
// enforce MaxBlobSize before a write is attempted.
func (b PromiseBlob) Size() int {
	return len(b.Payload)
}

// EncodeBlob renders a PromiseBlob using the on-disk KV value format
// (section 6): a 4-byte little-endian total length, followed by a 2-byte
// little-endian schema tag and the payload bytes. The total length covers
// the schema tag and payload, not itself.
func EncodeBlob(b PromiseBlob) ([]byte, error) {
	body := len(b.Payload) + 2
	if body > MaxKVValueSize {
		return nil, fmt.Errorf("%w: encoded blob is %d bytes, limit %d", ErrOversizePromise, body, MaxKVValueSize)
	}
	out := make([]byte, 4+body)
	binary.LittleEndian.PutUint32(out[0:4], uint32(body))
	binary.LittleEndian.PutUint16(out[4:6], uint16(b.Schema))
	copy(out[6:], b.Payload)
	return out, nil
}

// DecodeBlob is the inverse of EncodeBlob.
func DecodeBlob(raw []byte) (PromiseBlob, error) {
	if len(raw) < 6 {
		return PromiseBlob{}, fmt.Errorf("invalid promise blob: %d bytes, want at least 6", len(raw))
	}
	length := binary.LittleEndian.Uint32(raw[0:4])
	if int(length)+4 != len(raw) {
		return PromiseBlob{}, fmt.Errorf("invalid promise blob: length prefix %d does not match record size %d", length, len(raw)-4)
	}
	schema := SchemaTag(binary.LittleEndian.Uint16(raw[4:6]))
	payload := make([]byte, len(raw)-6)
	copy(payload, raw[6:])
	return PromiseBlob{Schema: schema, Payload: payload}, nil
}

// Promise is the central entity of the system: an identity for a future or
// completed computation result. It is deliberately ignorant of how it is
// stored or scheduled — the promise store manages its place in the live
// map and on disk; this type only owns the input/output payload, the
// completion flag, and the subscriber list (section 3).
type Promise struct {
	id PromiseId

	mu       sync.Mutex
	input    []byte
	hasInput bool
	output   []byte
	schema   SchemaTag
	subs     []func(*Promise)

	complete atomic.Bool
}

// NewPromise constructs an incomplete promise with the given id and
// optional input payload. input may be nil if the promise carries no
// input of its own (e.g. a macro job's aggregated result promise).
func NewPromise(id PromiseId, input []byte) *Promise {
	p := &Promise{id: id}
	if input != nil {
		p.input = input
		p.hasInput = true
	}
	return p
}

// ID returns the promise's identity.
func (p *Promise) ID() PromiseId { return p.id }

// IsComplete reports whether Complete has been called. Never reverts to
// false once true (section 3 invariant).
func (p *Promise) IsComplete() bool { return p.complete.Load() }

// Input returns the promise's input payload, if it has one.
func (p *Promise) Input() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input, p.hasInput
}

// Output returns the completed payload and its schema tag. ok is false if
// the promise has not yet completed.
func (p *Promise) Output() (payload []byte, schema SchemaTag, ok bool) {
	if !p.complete.Load() {
		return nil, 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output, p.schema, true
}

// Subscribe registers fn to run exactly once, at the moment this promise
// transitions to completed (section 3: "invoked exactly once per state
// transition to completed"). If the promise is already complete, fn runs
// synchronously before Subscribe returns — a late subscriber still needs
// to observe a transition that already happened.
func (p *Promise) Subscribe(fn func(*Promise)) {
	p.mu.Lock()
	if p.complete.Load() {
		p.mu.Unlock()
		fn(p)
		return
	}
	p.subs = append(p.subs, fn)
	p.mu.Unlock()
}

// Complete marks the promise completed with the given payload and runs
// every subscriber exactly once, synchronously on the calling goroutine
// (the policy choice recorded in internal/promisestore for the spec's
// open FIXME question). A second call is a no-op, preserving the
// never-reverts invariant.
func (p *Promise) Complete(schema SchemaTag, output []byte) {
	p.mu.Lock()
	if p.complete.Load() {
		p.mu.Unlock()
		return
	}
	p.output = output
	p.schema = schema
	subs := p.subs
	p.subs = nil
	p.complete.Store(true)
	p.mu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
}

// SchedulingAccount is the minimal view of a scheduling flow's leaf
// account that a JobMessage needs in order to charge work once dispatched.
// Implemented by the leaf accounts in internal/scheduling.
type SchedulingAccount interface {
	// Charge records that n units of work were performed against this
	// account. The total is reported as a counter; child selection in
	// internal/scheduling uses weights only and does not read it.
	Charge(n int)
	// Key identifies the owning ClientJobQueue for logging and
	// observability.
	Key() JobQueueKey
}

// CancelToken is a comparable handle on a cancellation source (section
// 4.F: "identity comparison on the cancellation token"). Implemented by
// internal/cancel.Source.
type CancelToken interface {
	// Done is closed once the token is triggered.
	Done() <-chan struct{}
	// Triggered reports whether the token has fired.
	Triggered() bool
}

// PromiseRetriever obtains or creates the promise a JobMessage will
// complete. Invoked when the jobs manager builds the message (section
// 4.E), and again by the worker pool when it executes the message.
type PromiseRetriever func() (*Promise, error)

// Work is an opaque unit of execution. The core never inspects it; only
// the Worker implementation the embedding application supplies
// understands its contents (spec.md section 1: the concrete worker is out
// of scope).
type Work any

// JobMessage is an individually launchable micro-job: a scheduling
// account to charge, a promise retriever, an opaque work descriptor, and
// a cancellation token: the owning macro job's group token, or the
// client's own token for a standalone micro-job (section 3).
type JobMessage struct {
	Account   SchedulingAccount
	Retriever PromiseRetriever
	Work      Work
	Cancel    CancelToken
}
