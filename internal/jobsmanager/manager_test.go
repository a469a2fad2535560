package jobsmanager

import (
	"testing"

	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/models"
	"github.com/bobmcallan/jobsrv/internal/scheduling"
)

// fakeScheduler resolves every (priority, owner, name) to the same leaf,
// good enough to exercise SubmitJob's seam without a full
// PrioritizedQueueSystem.
type fakeScheduler struct{ leaf *scheduling.Leaf }

func (f *fakeScheduler) GetLeaf(int, models.Owner, string) (models.SchedulingAccount, error) {
	return f.leaf, nil
}

type fakeAccount struct{ key models.JobQueueKey }

func (a *fakeAccount) Charge(int)                  {}
func (a *fakeAccount) Key() models.JobQueueKey      { return a.key }

type fakeToken struct{ done chan struct{} }

func newFakeToken() *fakeToken                { return &fakeToken{done: make(chan struct{})} }
func (t *fakeToken) Done() <-chan struct{}    { return t.done }
func (t *fakeToken) Triggered() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

type fakeHandler struct {
	called      bool
	lastToken   models.CancelToken
	lastBackgnd bool
}

func (h *fakeHandler) CancelForClient(token models.CancelToken, background bool) {
	h.called = true
	h.lastToken = token
	h.lastBackgnd = background
}

func TestRegisterJobMessageIncomplete(t *testing.T) {
	m := NewManager(common.NewSilentLogger(), nil)
	p := models.NewPromise(models.PromiseId{Sequence: 1}, nil)

	msg, promise, err := m.RegisterJobMessage(&fakeAccount{}, func() (*models.Promise, error) { return p, nil }, "work", false, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg == nil {
		t.Fatalf("expected a scheduling message for an incomplete promise")
	}
	if promise != p {
		t.Fatalf("expected the retrieved promise to be returned")
	}
}

func TestRegisterJobMessageAlreadyComplete(t *testing.T) {
	m := NewManager(common.NewSilentLogger(), nil)
	p := models.NewPromise(models.PromiseId{Sequence: 2}, nil)
	p.Complete(0, []byte("done"))

	msg, promise, err := m.RegisterJobMessage(&fakeAccount{}, func() (*models.Promise, error) { return p, nil }, "work", false, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected no scheduling message for a complete promise")
	}
	if promise != p {
		t.Fatalf("expected the completed promise to be returned")
	}
}

func TestTryRegisterClientRequestDedup(t *testing.T) {
	m := NewManager(common.NewSilentLogger(), nil)
	id := models.PromiseId{Sequence: 3}
	token := newFakeToken()
	h := &fakeHandler{}

	if !m.TryRegisterClientRequest(id, token, h) {
		t.Fatalf("expected first registration to succeed")
	}
	if m.TryRegisterClientRequest(id, token, h) {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestCancelJobRoutesToHandler(t *testing.T) {
	m := NewManager(common.NewSilentLogger(), nil)
	id := models.PromiseId{Sequence: 4}
	token := newFakeToken()
	h := &fakeHandler{}
	m.TryRegisterClientRequest(id, token, h)

	m.CancelJob(id, token, true)

	if !h.called || h.lastToken != token || !h.lastBackgnd {
		t.Fatalf("expected CancelForClient to be invoked with the registered token")
	}
}

func TestCancelJobNoopWhenUnregistered(t *testing.T) {
	m := NewManager(common.NewSilentLogger(), nil)
	// Should not panic.
	m.CancelJob(models.PromiseId{Sequence: 5}, newFakeToken(), false)
}

type fakeKillable struct{ killed bool; background bool }

func (k *fakeKillable) Kill(background bool) {
	k.killed = true
	k.background = background
}

func TestKillRoutesToMacroJob(t *testing.T) {
	m := NewManager(common.NewSilentLogger(), nil)
	id := models.PromiseId{Sequence: 6}
	k := &fakeKillable{}
	m.RegisterMacroJob(id, k)

	m.Kill(id, true)
	if !k.killed || !k.background {
		t.Fatalf("expected Kill to be routed to the registered macro job")
	}

	m.UnregisterMacroJob(id)
	k.killed = false
	m.Kill(id, false) // no-op, already unregistered
	if k.killed {
		t.Fatalf("expected Kill to be a no-op once the macro job is unregistered")
	}
}

func TestSubmitJobInstallsMessageIntoLeaf(t *testing.T) {
	leaf := scheduling.NewLeaf(models.JobQueueKey{Owner: "owner", Priority: 1, Name: "ingest"})
	m := NewManager(common.NewSilentLogger(), &fakeScheduler{leaf: leaf})
	p := models.NewPromise(models.PromiseId{Sequence: 10}, nil)

	promise, err := m.SubmitJob(1, "owner", "ingest", func() (*models.Promise, error) { return p, nil }, "work", false, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if promise != p {
		t.Fatalf("expected the retrieved promise to be returned")
	}
	if leaf.Len() != 1 {
		t.Fatalf("expected SubmitJob to install exactly one message into the resolved leaf, got %d", leaf.Len())
	}
}

func TestSubmitJobSkipsEnqueueForAlreadyCompletePromise(t *testing.T) {
	leaf := scheduling.NewLeaf(models.JobQueueKey{Owner: "owner", Priority: 0, Name: "ingest"})
	m := NewManager(common.NewSilentLogger(), &fakeScheduler{leaf: leaf})
	p := models.NewPromise(models.PromiseId{Sequence: 11}, nil)
	p.Complete(0, []byte("done"))

	promise, err := m.SubmitJob(0, "owner", "ingest", func() (*models.Promise, error) { return p, nil }, "work", false, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if promise != p {
		t.Fatalf("expected the completed promise to be returned")
	}
	if leaf.Len() != 0 {
		t.Fatalf("expected no message installed for an already-complete promise")
	}
}

func TestSubmitJobFailsWithoutScheduler(t *testing.T) {
	m := NewManager(common.NewSilentLogger(), nil)
	_, err := m.SubmitJob(0, "owner", "ingest", func() (*models.Promise, error) { return nil, nil }, "work", false, nil, nil)
	if err == nil {
		t.Fatalf("expected an error when no scheduler is configured")
	}
}
