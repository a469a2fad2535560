// Package jobsmanager implements component E: the registry of live work
// (spec.md section 4.E). It obtains or creates target promises, builds
// micro-job messages against a scheduling account, and routes
// cancellation between clients and the macro jobs or direct jobs they are
// waiting on.
package jobsmanager

import (
	"fmt"
	"sync"

	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/interfaces"
	"github.com/bobmcallan/jobsrv/internal/models"
)

// clientKey is the dedup/routing key (promiseId, clientToken) -> owner
// (spec.md section 4.E: "tryRegisterClientRequest").
type clientKey struct {
	promiseID   models.PromiseId
	clientToken models.CancelToken
}

// Manager is the concrete interfaces.JobsManager.
type Manager struct {
	log       *common.Logger
	scheduler interfaces.Scheduler

	mu         sync.Mutex
	clientReqs map[clientKey]interfaces.CancelForClienter
	macroJobs  map[models.PromiseId]interfaces.Killable
}

// NewManager constructs an empty registry. scheduler is the component D
// seam SubmitJob installs freshly-built messages into; it may be nil for
// callers (notably internal/macrojob's own tests) that only need
// RegisterJobMessage's build step and insert the result themselves.
func NewManager(log *common.Logger, scheduler interfaces.Scheduler) *Manager {
	return &Manager{
		log:        log,
		scheduler:  scheduler,
		clientReqs: make(map[clientKey]interfaces.CancelForClienter),
		macroJobs:  make(map[models.PromiseId]interfaces.Killable),
	}
}

var _ interfaces.JobsManager = (*Manager)(nil)

// RegisterJobMessage obtains or creates the target promise via retriever.
// If it is already complete, no scheduling is needed: a nil message is
// returned alongside the completed promise. Otherwise a micro-job message
// is built, scheduled against account, carrying cancelToken, and —
// optionally — a client-request dedup entry is recorded under owner
// (spec.md section 4.E).
func (m *Manager) RegisterJobMessage(
	account models.SchedulingAccount,
	retriever models.PromiseRetriever,
	work models.Work,
	registerClient bool,
	clientToken models.CancelToken,
	owner models.Owner,
) (*models.JobMessage, *models.Promise, error) {
	promise, err := retriever()
	if err != nil {
		return nil, nil, fmt.Errorf("jobsmanager: retriever failed: %w", err)
	}

	if registerClient {
		handler, ok := owner.(interfaces.CancelForClienter)
		if ok {
			m.TryRegisterClientRequest(promise.ID(), clientToken, handler)
		} else if m.log != nil {
			m.log.Warn().Str("promise_id", promise.ID().String()).
				Msg("jobsmanager: registerClient requested but owner does not implement CancelForClienter")
		}
	}

	if promise.IsComplete() {
		return nil, promise, nil
	}

	msg := &models.JobMessage{
		Account:   account,
		Retriever: retriever,
		Work:      work,
		Cancel:    clientToken,
	}
	return msg, promise, nil
}

// SubmitJob is the submission seam for a direct (non-macro) client
// request (spec.md section 2: a client's work request is installed
// "either a single micro-job message into a specific client queue (from
// D->C)"). It resolves the target ClientJobQueue leaf via the configured
// Scheduler, builds the micro-job message against it, and — unless the
// target promise was already complete — installs the message directly
// into that leaf so the root dispatcher will pick it up.
func (m *Manager) SubmitJob(
	priority int,
	owner models.Owner,
	name string,
	retriever models.PromiseRetriever,
	work models.Work,
	registerClient bool,
	clientToken models.CancelToken,
	clientOwner models.Owner,
) (*models.Promise, error) {
	if m.scheduler == nil {
		return nil, fmt.Errorf("jobsmanager: no scheduler configured for direct submission")
	}

	account, err := m.scheduler.GetLeaf(priority, owner, name)
	if err != nil {
		return nil, fmt.Errorf("jobsmanager: resolve client queue: %w", err)
	}

	msg, promise, err := m.RegisterJobMessage(account, retriever, work, registerClient, clientToken, clientOwner)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return promise, nil
	}

	target, ok := account.(models.SchedulingTarget)
	if !ok {
		return nil, fmt.Errorf("jobsmanager: client queue leaf %T does not accept direct enqueue", account)
	}
	if err := target.Enqueue(&models.SchedulerMessage{Job: msg}); err != nil {
		return nil, fmt.Errorf("jobsmanager: enqueue: %w", err)
	}
	return promise, nil
}

// TryRegisterClientRequest records (promiseID, clientToken) -> handler.
// Returns false if the pair is already registered (spec.md section 4.E).
func (m *Manager) TryRegisterClientRequest(promiseID models.PromiseId, clientToken models.CancelToken, handler interfaces.CancelForClienter) bool {
	key := clientKey{promiseID: promiseID, clientToken: clientToken}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clientReqs[key]; exists {
		return false
	}
	m.clientReqs[key] = handler
	return true
}

// UnregisterClientRequest is the symmetric removal.
func (m *Manager) UnregisterClientRequest(promiseID models.PromiseId, clientToken models.CancelToken) {
	key := clientKey{promiseID: promiseID, clientToken: clientToken}
	m.mu.Lock()
	delete(m.clientReqs, key)
	m.mu.Unlock()
}

// RegisterMacroJob records a macro job so Kill can reach it
// authoritatively.
func (m *Manager) RegisterMacroJob(promiseID models.PromiseId, job interfaces.Killable) {
	m.mu.Lock()
	m.macroJobs[promiseID] = job
	m.mu.Unlock()
}

// UnregisterMacroJob is called once the macro job's participant count
// reaches zero (spec.md section 4.F cleanup order, step 3).
func (m *Manager) UnregisterMacroJob(promiseID models.PromiseId) {
	m.mu.Lock()
	delete(m.macroJobs, promiseID)
	m.mu.Unlock()
}

// CancelJob finds the owner registered for (promiseID, clientToken) and
// invokes its CancelForClient (spec.md section 4.E, "cancellation
// routing").
func (m *Manager) CancelJob(promiseID models.PromiseId, clientToken models.CancelToken, background bool) {
	key := clientKey{promiseID: promiseID, clientToken: clientToken}
	m.mu.Lock()
	handler, ok := m.clientReqs[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	handler.CancelForClient(clientToken, background)
}

// Kill performs an authoritative group cancellation of the macro job
// registered under promiseID, if any.
func (m *Manager) Kill(promiseID models.PromiseId, background bool) {
	m.mu.Lock()
	job, ok := m.macroJobs[promiseID]
	m.mu.Unlock()
	if !ok {
		return
	}
	job.Kill(background)
}
