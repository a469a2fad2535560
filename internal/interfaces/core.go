// Package interfaces defines the contracts binding the core's components
// together, so that each package depends only on the shape of its
// collaborators, never their concrete implementation.
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/jobsrv/internal/models"
)

// KVEngine is the on-disk key-value engine the promise store persists
// completed promises to (spec.md section 1: "the choice of on-disk KV
// engine... any ordered hash-indexed KV store with variable-length values
// and a per-session cache"). internal/storage/promisekv implements this
// over badgerhold/badger.
type KVEngine interface {
	Put(ctx context.Context, id models.PromiseId, blob models.PromiseBlob) error
	Get(ctx context.Context, id models.PromiseId) (models.PromiseBlob, bool, error)
	Close() error
}

// PromiseStore is component A: identity, memory caching, persistence and
// re-hydration of promises.
type PromiseStore interface {
	// Create mints a fresh promise with the given input. If output is
	// non-nil the promise is created already complete (section 4.A:
	// "if already completable-and-small, immediately persists it").
	Create(input []byte, schema models.SchemaTag, output []byte) *models.Promise
	// GetByID consults the live map, falling back to the KV store on a
	// miss. ok is false if the id is unknown to both.
	GetByID(ctx context.Context, id models.PromiseId) (p *models.Promise, ok bool)
	// SchedulePromiseExpiry is a reserved operation (section 4.A):
	// implementations may no-op but must not corrupt state.
	SchedulePromiseExpiry(p *models.Promise, when time.Time)
}

// Worker executes one unit of work described opaquely by models.Work and
// returns the promise payload it produces. The concrete implementation
// (local compute, remote RPC, an AI model call) is explicitly out of
// core scope (spec.md section 1); internal/worker and
// internal/worker/genaiworker give two concrete, exercised examples.
type Worker interface {
	Execute(ctx context.Context, work models.Work) (payload []byte, schema models.SchemaTag, err error)
}

// CancelForClienter is the narrow view of a MacroJobMessage (or any other
// client-request owner) that the jobs manager needs in order to route a
// single client's cancellation (section 4.E, "cancelJob... invokes its
// cancelForClient").
type CancelForClienter interface {
	CancelForClient(clientToken models.CancelToken, background bool)
}

// Killable is the narrow view of a MacroJob the jobs manager needs in
// order to perform an authoritative group cancellation (section 4.E,
// "kill... performs an authoritative group cancellation").
type Killable interface {
	Kill(background bool)
}

// Scheduler is the narrow view of component D (the prioritized queue
// system) the jobs manager needs in order to route a freshly-built job
// message to its ClientJobQueue leaf (spec.md section 4.D/4.E: the jobs
// manager "installs... into a specific client queue (from D->C)").
type Scheduler interface {
	GetLeaf(priority int, owner models.Owner, name string) (models.SchedulingAccount, error)
}

// JobsManager is component E: the registry of live work. It deduplicates
// client requests against shared work and routes cancellation to the
// right owner.
type JobsManager interface {
	// RegisterJobMessage obtains or creates the target promise via
	// retriever; if it is already complete, it returns a nil message (no
	// scheduling needed) and the complete promise. Otherwise it builds a
	// micro-job message scheduled against account, carrying the given
	// cancellation token, and optionally records a client-request
	// dedup entry.
	RegisterJobMessage(
		account models.SchedulingAccount,
		retriever models.PromiseRetriever,
		work models.Work,
		registerClient bool,
		clientToken models.CancelToken,
		owner models.Owner,
	) (msg *models.JobMessage, promise *models.Promise, err error)

	// TryRegisterClientRequest records (promiseID, clientToken) -> handler
	// for later cancellation routing and dedup. Returns false if the pair
	// is already registered.
	TryRegisterClientRequest(promiseID models.PromiseId, clientToken models.CancelToken, handler CancelForClienter) bool

	// UnregisterClientRequest is the symmetric removal.
	UnregisterClientRequest(promiseID models.PromiseId, clientToken models.CancelToken)

	// RegisterMacroJob records a macro job so Kill can reach it
	// authoritatively. UnregisterMacroJob is called once the macro job's
	// participant count reaches zero (section 4.F cleanup order, step 3).
	RegisterMacroJob(promiseID models.PromiseId, job Killable)
	UnregisterMacroJob(promiseID models.PromiseId)

	// CancelJob finds the owner registered for (promiseID, clientToken)
	// and invokes its CancelForClient.
	CancelJob(promiseID models.PromiseId, clientToken models.CancelToken, background bool)
	// Kill performs an authoritative group cancellation of the macro job
	// registered under promiseID, if any.
	Kill(promiseID models.PromiseId, background bool)
}
