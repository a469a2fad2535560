package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/models"
)

type fakeAccount struct {
	mu      sync.Mutex
	charged int
}

func (a *fakeAccount) Charge(n int) {
	a.mu.Lock()
	a.charged += n
	a.mu.Unlock()
}
func (a *fakeAccount) Key() models.JobQueueKey { return models.JobQueueKey{Name: "test"} }

func TestPoolExecutesAndCompletesPromise(t *testing.T) {
	impl := Func(func(_ context.Context, work models.Work) ([]byte, models.SchemaTag, error) {
		return []byte(work.(string)), 1, nil
	})
	pool := NewPool(impl, common.NewSilentLogger(), 2)

	promise := models.NewPromise(models.PromiseId{Sequence: 1}, nil)
	acct := &fakeAccount{}
	msg := &models.JobMessage{
		Account:   acct,
		Retriever: func() (*models.Promise, error) { return promise, nil },
		Work:      "hello",
	}

	jobs := make(chan *models.JobMessage, 1)
	results := make(chan error, 1)
	pool.Start(context.Background(), jobs, func(_ *models.JobMessage, _ *models.Promise, err error) {
		results <- err
	})
	defer pool.Stop()

	jobs <- msg

	select {
	case err := <-results:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for worker result")
	}

	if !promise.IsComplete() {
		t.Fatalf("expected the promise to be completed by the worker")
	}
	payload, _, _ := promise.Output()
	if string(payload) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", payload)
	}
	if acct.charged != len("hello") {
		t.Fatalf("expected account charged %d, got %d", len("hello"), acct.charged)
	}
}

func TestPoolSkipsExecutionForAlreadyCompletePromise(t *testing.T) {
	var executed bool
	impl := Func(func(_ context.Context, _ models.Work) ([]byte, models.SchemaTag, error) {
		executed = true
		return nil, 0, nil
	})
	pool := NewPool(impl, common.NewSilentLogger(), 1)

	promise := models.NewPromise(models.PromiseId{Sequence: 2}, nil)
	promise.Complete(1, []byte("already done"))

	msg := &models.JobMessage{
		Account:   &fakeAccount{},
		Retriever: func() (*models.Promise, error) { return promise, nil },
		Work:      "ignored",
	}

	jobs := make(chan *models.JobMessage, 1)
	done := make(chan struct{})
	pool.Start(context.Background(), jobs, func(_ *models.JobMessage, _ *models.Promise, _ error) {
		close(done)
	})
	defer pool.Stop()

	jobs <- msg

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for worker result")
	}
	if executed {
		t.Fatalf("expected execution to be skipped for an already-complete promise")
	}
}

func TestPoolReportsWorkerExecutionError(t *testing.T) {
	wantErr := errors.New("boom")
	impl := Func(func(_ context.Context, _ models.Work) ([]byte, models.SchemaTag, error) {
		return nil, 0, wantErr
	})
	pool := NewPool(impl, common.NewSilentLogger(), 1)

	promise := models.NewPromise(models.PromiseId{Sequence: 3}, nil)
	msg := &models.JobMessage{
		Account:   &fakeAccount{},
		Retriever: func() (*models.Promise, error) { return promise, nil },
		Work:      "work",
	}

	jobs := make(chan *models.JobMessage, 1)
	results := make(chan error, 1)
	pool.Start(context.Background(), jobs, func(_ *models.JobMessage, _ *models.Promise, err error) {
		results <- err
	})
	defer pool.Stop()

	jobs <- msg

	select {
	case err := <-results:
		if err == nil {
			t.Fatalf("expected a non-nil error")
		}
		var jobErr *models.JobExecutionError
		if !errors.As(err, &jobErr) {
			t.Fatalf("expected a *models.JobExecutionError, got %T", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for worker result")
	}
	if promise.IsComplete() {
		t.Fatalf("expected the promise to remain incomplete after a worker error")
	}
}
