package macrojob

import (
	"sync"
	"testing"
	"time"

	"github.com/bobmcallan/jobsrv/internal/cancel"
	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/interfaces"
	"github.com/bobmcallan/jobsrv/internal/models"
)

// sliceExpansion is a fixed-size Expansion for tests.
type sliceExpansion struct {
	mu    sync.Mutex
	items []int
	next  int
}

func (e *sliceExpansion) Next() (models.PromiseRetriever, models.Work, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.next >= len(e.items) {
		return nil, nil, false
	}
	i := e.items[e.next]
	e.next++
	seq := uint64(i + 1)
	retriever := func() (*models.Promise, error) {
		p := models.NewPromise(models.PromiseId{Sequence: seq}, nil)
		p.Complete(0, []byte("child"))
		return p, nil
	}
	return retriever, i, true
}

// fakeJobsManager is a minimal interfaces.JobsManager for exercising the
// enumeration algorithm without the real registry.
type fakeJobsManager struct {
	mu         sync.Mutex
	clientReqs map[string]interfaces.CancelForClienter
	macroJobs  map[string]interfaces.Killable
}

func newFakeJobsManager() *fakeJobsManager {
	return &fakeJobsManager{
		clientReqs: make(map[string]interfaces.CancelForClienter),
		macroJobs:  make(map[string]interfaces.Killable),
	}
}

func (f *fakeJobsManager) RegisterJobMessage(account models.SchedulingAccount, retriever models.PromiseRetriever, work models.Work, registerClient bool, clientToken models.CancelToken, owner models.Owner) (*models.JobMessage, *models.Promise, error) {
	p, err := retriever()
	if err != nil {
		return nil, nil, err
	}
	if p.IsComplete() {
		return nil, p, nil
	}
	return &models.JobMessage{Account: account, Retriever: retriever, Work: work, Cancel: clientToken}, p, nil
}

func (f *fakeJobsManager) TryRegisterClientRequest(promiseID models.PromiseId, clientToken models.CancelToken, handler interfaces.CancelForClienter) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := promiseID.String()
	if _, ok := f.clientReqs[key]; ok {
		return false
	}
	f.clientReqs[key] = handler
	return true
}

func (f *fakeJobsManager) UnregisterClientRequest(promiseID models.PromiseId, clientToken models.CancelToken) {
	f.mu.Lock()
	delete(f.clientReqs, promiseID.String())
	f.mu.Unlock()
}

func (f *fakeJobsManager) RegisterMacroJob(promiseID models.PromiseId, job interfaces.Killable) {
	f.mu.Lock()
	f.macroJobs[promiseID.String()] = job
	f.mu.Unlock()
}

func (f *fakeJobsManager) UnregisterMacroJob(promiseID models.PromiseId) {
	f.mu.Lock()
	delete(f.macroJobs, promiseID.String())
	f.mu.Unlock()
}

func (f *fakeJobsManager) CancelJob(promiseID models.PromiseId, clientToken models.CancelToken, background bool) {
	f.mu.Lock()
	h, ok := f.clientReqs[promiseID.String()]
	f.mu.Unlock()
	if ok {
		h.CancelForClient(clientToken, background)
	}
}

func (f *fakeJobsManager) Kill(promiseID models.PromiseId, background bool) {
	f.mu.Lock()
	job, ok := f.macroJobs[promiseID.String()]
	f.mu.Unlock()
	if ok {
		job.Kill(background)
	}
}

type fakeAccount struct{}

func (fakeAccount) Charge(int)                 {}
func (fakeAccount) Key() models.JobQueueKey    { return models.JobQueueKey{} }

func TestExpandProducesAllChildren(t *testing.T) {
	jm := newFakeJobsManager()
	exp := &sliceExpansion{items: []int{0, 1, 2}}
	job := NewMacroJob(models.PromiseId{Sequence: 100}, exp, jm)
	pool := cancel.NewPool()
	msg, ok := Join(job, fakeAccount{}, nil, pool, jm, common.NewSilentLogger())
	if !ok {
		t.Fatalf("expected Join to succeed on a fresh macro job")
	}

	var emitted []*models.JobMessage
	err := msg.Expand(func(m *models.JobMessage) { emitted = append(emitted, m) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Children retrieved via sliceExpansion complete immediately, so no
	// micro-job messages are emitted, but all three must be members.
	if len(emitted) != 0 {
		t.Fatalf("expected no emitted messages for already-complete children, got %d", len(emitted))
	}
	if got := len(job.Result().Members()); got != 3 {
		t.Fatalf("expected 3 result members, got %d", got)
	}

	deadline := time.Now().Add(time.Second)
	for !job.IsDead() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !job.IsDead() {
		t.Fatalf("expected macro job to become dead after its only participant finishes")
	}
}

func TestExpandTwiceIsInvariantViolation(t *testing.T) {
	jm := newFakeJobsManager()
	job := NewMacroJob(models.PromiseId{Sequence: 101}, &sliceExpansion{}, jm)
	pool := cancel.NewPool()
	msg, _ := Join(job, fakeAccount{}, nil, pool, jm, common.NewSilentLogger())

	_ = msg.Expand(func(*models.JobMessage) {})
	err := msg.Expand(func(*models.JobMessage) {})
	if err == nil {
		t.Fatalf("expected the second Expand call to fail")
	}
	if _, ok := err.(*models.InvariantError); !ok {
		t.Fatalf("expected an InvariantError, got %T", err)
	}
}

func TestSecondParticipantShortCircuitsAfterCompletion(t *testing.T) {
	jm := newFakeJobsManager()
	job := NewMacroJob(models.PromiseId{Sequence: 102}, &sliceExpansion{items: []int{0}}, jm)
	pool := cancel.NewPool()

	first, _ := Join(job, fakeAccount{}, nil, pool, jm, common.NewSilentLogger())
	second, ok := Join(job, fakeAccount{}, nil, pool, jm, common.NewSilentLogger())
	if !ok {
		t.Fatalf("expected both participants to join while the job is still fresh")
	}

	// first drives expansion to completion synchronously (result
	// completes before Expand returns; only the final wait-for-children
	// cleanup happens asynchronously), so second deterministically
	// observes an already-complete result builder.
	_ = first.Expand(func(*models.JobMessage) {})

	err := second.Expand(func(*models.JobMessage) {})
	if err != nil {
		t.Fatalf("unexpected error from the second participant's short-circuit: %v", err)
	}
}

func TestCancelBeforeEnumerationGoesDeadWithoutDriving(t *testing.T) {
	jm := newFakeJobsManager()
	job := NewMacroJob(models.PromiseId{Sequence: 103}, &sliceExpansion{items: []int{0, 1}}, jm)
	pool := cancel.NewPool()
	msg, _ := Join(job, fakeAccount{}, nil, pool, jm, common.NewSilentLogger())

	msg.Cancel(true)

	deadline := time.Now().Add(time.Second)
	for !job.IsDead() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !job.IsDead() {
		t.Fatalf("expected the only participant's cancellation to kill the macro job")
	}

	err := msg.Expand(func(*models.JobMessage) {})
	if err == nil {
		t.Fatalf("expected Expand on a dead message to fail")
	}
}

func TestResurrectionAfterDeath(t *testing.T) {
	jm := newFakeJobsManager()
	job := NewMacroJob(models.PromiseId{Sequence: 104}, &sliceExpansion{}, jm)
	pool := cancel.NewPool()
	msg, _ := Join(job, fakeAccount{}, nil, pool, jm, common.NewSilentLogger())
	msg.Cancel(true)

	deadline := time.Now().Add(time.Second)
	for !job.IsDead() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, ok := Join(job, fakeAccount{}, nil, pool, jm, common.NewSilentLogger()); ok {
		t.Fatalf("expected Join against a dead macro job to be refused")
	}
}

func TestKillCancelsEveryParticipant(t *testing.T) {
	jm := newFakeJobsManager()
	job := NewMacroJob(models.PromiseId{Sequence: 105}, &sliceExpansion{items: []int{0, 1, 2, 3}}, jm)
	pool := cancel.NewPool()

	msg1, _ := Join(job, fakeAccount{}, nil, pool, jm, common.NewSilentLogger())
	msg2, _ := Join(job, fakeAccount{}, nil, pool, jm, common.NewSilentLogger())

	job.Kill(true)

	deadline := time.Now().Add(time.Second)
	for !job.IsDead() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !job.IsDead() {
		t.Fatalf("expected Kill to drive the macro job to dead")
	}
	_ = msg1
	_ = msg2
}
