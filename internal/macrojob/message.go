package macrojob

import (
	"sync"
	"sync/atomic"

	"github.com/bobmcallan/jobsrv/internal/cancel"
	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/interfaces"
	"github.com/bobmcallan/jobsrv/internal/models"
)

const (
	stateFresh       int32 = 0
	stateEnumerating int32 = 1
	stateDead        int32 = -1
)

// MacroJobMessage is one participant's view of a shared MacroJob (spec.md
// section 3). It implements interfaces.CancelForClienter so the jobs
// manager can route that participant's cancellation to it directly.
type MacroJobMessage struct {
	source      *MacroJob
	account     models.SchedulingAccount
	clientToken models.CancelToken
	pool        *cancel.Pool
	jobsManager interfaces.JobsManager
	log         *common.Logger

	state int32 // atomic: fresh(0) / enumerating(1) / dead(-1)

	mu                       sync.Mutex
	jobCancelSource          *cancel.Source
	unregisterClientCallback func()
	isTrackingClientRequest  bool

	isCancelled atomic.Bool
}

var _ interfaces.CancelForClienter = (*MacroJobMessage)(nil)
var _ models.Expander = (*MacroJobMessage)(nil)

// Join constructs a MacroJobMessage over source and attempts to add it as
// a participant. ok is false if source is dead; per spec.md section 4.F
// ("Resurrection") the caller must then build a new MacroJob.
func Join(source *MacroJob, account models.SchedulingAccount, clientToken models.CancelToken, pool *cancel.Pool, jobsManager interfaces.JobsManager, log *common.Logger) (msg *MacroJobMessage, ok bool) {
	m := &MacroJobMessage{
		source:      source,
		account:     account,
		clientToken: clientToken,
		pool:        pool,
		jobsManager: jobsManager,
		log:         log,
	}
	if !source.AddParticipant(m) {
		return nil, false
	}
	return m, true
}

// TryTrackClientRequest registers (promiseId, clientToken) with the jobs
// manager so a later CancelJob call reaches this message. Must be called
// after Join succeeds, because the jobs-manager-side lookup depends on
// the shared MacroJob already existing (spec.md section 4.F, "Subscribe
// race"). The atomic load of state after publishing the registration is
// the acquire fence the spec calls out: on a weakly-ordered architecture
// a plain read would not be enough to observe a concurrent Cancel that
// raced the registration.
func (m *MacroJobMessage) TryTrackClientRequest() bool {
	if m.clientToken == nil {
		return false
	}
	if !m.jobsManager.TryRegisterClientRequest(m.source.promiseID, m.clientToken, m) {
		return false
	}

	m.mu.Lock()
	m.isTrackingClientRequest = true
	m.mu.Unlock()

	if atomic.LoadInt32(&m.state) != stateFresh {
		m.jobsManager.UnregisterClientRequest(m.source.promiseID, m.clientToken)
		m.mu.Lock()
		m.isTrackingClientRequest = false
		m.mu.Unlock()
		return false
	}
	return true
}

// currentCancelToken returns the rented job cancellation source's token
// if one has been acquired, falling back to the client's own token.
func (m *MacroJobMessage) currentCancelToken() models.CancelToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobCancelSource != nil {
		return m.jobCancelSource
	}
	return m.clientToken
}

// triggered reports whether this message's effective cancellation token
// has fired, local trigger (isCancelled) or client/group trigger alike.
func (m *MacroJobMessage) triggered() bool {
	if m.isCancelled.Load() {
		return true
	}
	tok := m.currentCancelToken()
	return tok != nil && tok.Triggered()
}

// Cancel triggers this participant's withdrawal (spec.md section 4.F,
// "Cancellation"): a single client can withdraw without affecting
// others. Idempotent.
func (m *MacroJobMessage) Cancel(background bool) {
	m.isCancelled.Store(true)

	m.mu.Lock()
	src := m.jobCancelSource
	m.mu.Unlock()
	if src != nil {
		src.Cancel(background)
	}

	// If the message never started enumerating, nothing will observe the
	// cancellation flag on its own; drive cleanup directly. If it already
	// finished or is mid-enumeration, the enumerator's own checks (or
	// finishAsync) will take it from here.
	if atomic.CompareAndSwapInt32(&m.state, stateFresh, stateDead) {
		m.failIfOnlyProducer(0, nil)
	}
}

// CancelForClient implements interfaces.CancelForClienter: the jobs
// manager's CancelJob routes here for (promiseId, clientToken) pairs
// registered via TryTrackClientRequest.
func (m *MacroJobMessage) CancelForClient(_ models.CancelToken, background bool) {
	m.Cancel(background)
}

// Expand runs the enumeration algorithm exactly once (spec.md section
// 4.F, "Enumeration algorithm"). emit is called once per produced
// micro-job message, in order, so the caller can insert it into the
// scheduling flow. Expand itself never blocks on worker execution; it
// only drives the expansion sequence and the bookkeeping around it.
func (m *MacroJobMessage) Expand(emit func(*models.JobMessage)) error {
	if !atomic.CompareAndSwapInt32(&m.state, stateFresh, stateEnumerating) {
		return models.NewInvariantError("macrojob: enumerator invoked twice, or after dispose, on promise %s", m.source.promiseID)
	}

	// Step 1: short-circuit if a sibling participant already produced the
	// full result.
	if m.source.result.IsComplete() {
		m.basicCleanUp()
		return nil
	}

	// Step 2: arm this message's own cancellation source, unless it is
	// already cancelled by either path. models.CancelToken only exposes
	// Done()/Triggered(), so "registering a callback" on the client's
	// token is a watcher goroutine rather than a direct subscription; the
	// stop channel it closes over is exactly the "callback" basicCleanUp
	// releases in its first step.
	if !m.triggered() {
		src := m.pool.Rent()
		m.mu.Lock()
		m.jobCancelSource = src
		m.mu.Unlock()
		if m.clientToken != nil {
			stop := make(chan struct{})
			go func() {
				select {
				case <-m.clientToken.Done():
					m.Cancel(true)
				case <-stop:
				}
			}()
			m.mu.Lock()
			m.unregisterClientCallback = func() { close(stop) }
			m.mu.Unlock()
		}
	}

	// Step 3: acquire the shared expansion enumerator. Losing this race
	// means some other participant is already driving expansion; behave
	// like the step 1 short-circuit.
	expansion, ok := m.source.acquireExpansion()
	if !ok {
		m.basicCleanUp()
		return nil
	}

	// Step 4: drive the expansion loop.
	count := 0
	var expErr error
loop:
	for {
		if m.triggered() {
			break
		}
		if m.source.result.IsComplete() {
			break
		}
		retriever, work, hasNext := expansion.Next()
		if !hasNext {
			break
		}
		if m.triggered() {
			break
		}

		token := m.currentCancelToken()
		msg, childPromise, err := m.jobsManager.RegisterJobMessage(m.account, retriever, work, false, token, nil)
		if err != nil {
			expErr = err
			break loop
		}
		m.source.result.SetMember(count, childPromise)
		count++
		if msg != nil {
			emit(msg)
		}
	}

	// Step 6/7: a cancellation observed with no exception hands off to the
	// shared-completion policy; otherwise this participant finalizes the
	// result builder itself and waits for every child promise.
	if m.triggered() && expErr == nil {
		m.failIfOnlyProducer(count, nil)
		return nil
	}

	token := m.currentCancelToken()
	m.source.result.TryComplete(count, expErr, token)
	go m.finishAsync()
	return expErr
}

// finishAsync waits for every accumulated child promise to complete, then
// runs final cleanup (spec.md section 4.F step 7, "schedule finishAsync()
// to wait for every child promise, then perform cleanup").
func (m *MacroJobMessage) finishAsync() {
	m.source.result.WaitForAll()
	m.basicCleanUp()
}

// failIfOnlyProducer implements the shared completion policy (spec.md
// section 4.F, "Shared completion policy"): only the last remaining
// participant is allowed to complete the result builder with
// cancellation; everyone else silently withdraws, preserving whatever run
// another participant is still driving.
func (m *MacroJobMessage) failIfOnlyProducer(count int, exception error) {
	isLast := m.basicCleanUp()
	if !isLast {
		return
	}
	token := m.currentCancelToken()
	tokenID := uint64(0)
	if src, ok := token.(*cancel.Source); ok {
		tokenID = src.Generation()
	}
	m.source.result.TryComplete(count, &models.CancellationError{TokenID: tokenID, Background: true}, token)
}

// basicCleanUp runs the three-step release order (spec.md section 4.F,
// "Cleanup order"): release the client-token callback, unregister from
// the jobs manager if tracking, then leave the participants list. Safe to
// call more than once; only the first call after construction has any
// effect on jobsManager bookkeeping.
func (m *MacroJobMessage) basicCleanUp() (isLast bool) {
	m.mu.Lock()
	cb := m.unregisterClientCallback
	m.unregisterClientCallback = nil
	wasTracking := m.isTrackingClientRequest
	m.isTrackingClientRequest = false
	src := m.jobCancelSource
	m.jobCancelSource = nil
	m.mu.Unlock()

	if cb != nil {
		cb()
	}
	if wasTracking {
		m.jobsManager.UnregisterClientRequest(m.source.promiseID, m.clientToken)
	}
	// A triggered source can never be returned (cancel.Pool.Return panics
	// on one); an untriggered source was rented but never needed to fire,
	// so it goes back for reuse.
	if src != nil && !src.Triggered() {
		m.pool.Return(src)
	}

	isLast = m.source.RemoveParticipant(m)
	if isLast {
		m.jobsManager.UnregisterMacroJob(m.source.promiseID)
	}
	atomic.StoreInt32(&m.state, stateDead)
	return isLast
}
