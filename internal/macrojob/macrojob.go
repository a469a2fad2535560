// Package macrojob implements component F: dequeue-time lazy expansion
// of a single client-visible promise into many micro-jobs, shared between
// concurrently-deduplicated clients and jointly cancellable (spec.md
// section 4.F).
package macrojob

import (
	"sync"
	"sync/atomic"

	"github.com/bobmcallan/jobsrv/internal/interfaces"
	"github.com/bobmcallan/jobsrv/internal/models"
)

// Expansion is a lazy, single-pass sequence of (promiseRetriever, work)
// pairs (spec.md section 3, "expansion"). The concrete source — reading a
// batch manifest, paging a remote list — is supplied by the embedding
// application, the same way internal/interfaces.Worker is.
type Expansion interface {
	// Next returns the next pair, or ok=false once the sequence is
	// exhausted. Not safe for concurrent use; MacroJob.acquireExpansion
	// guarantees only one goroutine ever calls it.
	Next() (retriever models.PromiseRetriever, work models.Work, ok bool)
}

// MacroJob is the shared state for every client that independently
// submitted the same batch request (spec.md section 3, "MacroJob").
type MacroJob struct {
	promiseID     models.PromiseId
	result        *ResultBuilder
	expansion     Expansion
	jobsManager   interfaces.JobsManager
	expansionUsed atomic.Bool

	mu           sync.Mutex
	participants map[*MacroJobMessage]struct{}
	count        int32 // -1 once dead
}

// NewMacroJob constructs a fresh, live MacroJob over the given expansion
// sequence, targeting the aggregated result promiseID.
func NewMacroJob(promiseID models.PromiseId, expansion Expansion, jobsManager interfaces.JobsManager) *MacroJob {
	j := &MacroJob{
		promiseID:    promiseID,
		result:       NewResultBuilder(),
		expansion:    expansion,
		jobsManager:  jobsManager,
		participants: make(map[*MacroJobMessage]struct{}),
	}
	jobsManager.RegisterMacroJob(promiseID, j)
	return j
}

var _ interfaces.Killable = (*MacroJob)(nil)

// PromiseID returns the identity of the aggregated result promise.
func (j *MacroJob) PromiseID() models.PromiseId { return j.promiseID }

// Result returns the shared result builder.
func (j *MacroJob) Result() *ResultBuilder { return j.result }

// IsDead reports whether the participant count has reached -1.
func (j *MacroJob) IsDead() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count < 0
}

// ParticipantCount returns the current live participant count, for
// observability.
func (j *MacroJob) ParticipantCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.count < 0 {
		return 0
	}
	return int(j.count)
}

// AddParticipant admits m to the participants list. Refuses while the
// macro job is dead (count = -1); per spec.md section 4.F ("Resurrection")
// the caller must treat a false return as "construct a new MacroJob for
// this request", since cancellation and participant removal are not
// atomic with respect to new participants joining.
func (j *MacroJob) AddParticipant(m *MacroJobMessage) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.count < 0 {
		return false
	}
	j.participants[m] = struct{}{}
	j.count++
	return true
}

// RemoveParticipant removes m from the participants list, decrementing
// count. If count falls to zero the macro job transitions to dead and
// isLast is true — the caller (basicCleanUp) is then responsible for
// notifying the jobs manager.
func (j *MacroJob) RemoveParticipant(m *MacroJobMessage) (isLast bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.participants[m]; !ok {
		return false
	}
	delete(j.participants, m)
	j.count--
	if j.count == 0 {
		j.count = -1
		return true
	}
	return false
}

// acquireExpansion hands the shared expansion enumerator to exactly one
// caller across the macro job's lifetime (spec.md section 4.F step 3,
// "Acquire the shared expansion enumerator"): with multiple participants
// possibly being dequeued concurrently, only the first to win this CAS
// actually drives expansion; the rest treat it like the
// already-complete short-circuit in step 1.
func (j *MacroJob) acquireExpansion() (Expansion, bool) {
	if j.expansionUsed.CompareAndSwap(false, true) {
		return j.expansion, true
	}
	return nil, false
}

// Kill performs an authoritative group cancellation of every live
// participant (spec.md section 4.E, "kill... performs an authoritative
// group cancellation").
func (j *MacroJob) Kill(background bool) {
	j.mu.Lock()
	participants := make([]*MacroJobMessage, 0, len(j.participants))
	for m := range j.participants {
		participants = append(participants, m)
	}
	j.mu.Unlock()

	for _, m := range participants {
		m.Cancel(background)
	}
}
