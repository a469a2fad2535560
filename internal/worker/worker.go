// Package worker provides the execution side of interfaces.Worker: a
// small fixed-size pool that pulls dispatched models.JobMessage values off
// a channel and runs them against a pluggable interfaces.Worker (spec.md
// section 1: "the concrete worker... is explicitly out of core scope").
// internal/worker/genaiworker is one concrete, exercised implementation;
// Func below lets tests and simple embedders supply one inline.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/interfaces"
	"github.com/bobmcallan/jobsrv/internal/models"
)

// Func adapts a plain function to interfaces.Worker.
type Func func(ctx context.Context, work models.Work) (payload []byte, schema models.SchemaTag, err error)

// Execute implements interfaces.Worker.
func (f Func) Execute(ctx context.Context, work models.Work) ([]byte, models.SchemaTag, error) {
	return f(ctx, work)
}

var _ interfaces.Worker = (Func)(nil)

// Pool runs a fixed number of goroutines, each pulling models.JobMessage
// values from jobs and executing them against impl. The root dispatcher
// (internal/app) owns jobs and feeds it from the scheduling flow; Pool
// only owns execution and promise completion.
type Pool struct {
	impl interfaces.Worker
	log  *common.Logger

	size   int
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool constructs a pool of size workers around impl. size is clamped
// to at least 1.
func NewPool(impl interfaces.Worker, log *common.Logger, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{impl: impl, log: log, size: size}
}

// safeGo launches a goroutine with panic recovery and logging, matching
// the job manager's own goroutine-launch idiom.
func (p *Pool) safeGo(name string, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in worker pool goroutine")
			}
		}()
		fn()
	}()
}

// Start launches size worker goroutines, each draining jobs until ctx is
// cancelled or jobs is closed. A successful execution completes the
// message's promise. A retriever error or a worker execution error is
// reported through onResult and leaves the promise incomplete.
func (p *Pool) Start(ctx context.Context, jobs <-chan *models.JobMessage, onResult func(msg *models.JobMessage, promise *models.Promise, err error)) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.size; i++ {
		name := fmt.Sprintf("worker-%d", i)
		p.safeGo(name, func() { p.run(runCtx, jobs, onResult) })
	}
}

func (p *Pool) run(ctx context.Context, jobs <-chan *models.JobMessage, onResult func(msg *models.JobMessage, promise *models.Promise, err error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-jobs:
			if !ok {
				return
			}
			p.execute(ctx, msg, onResult)
		}
	}
}

func (p *Pool) execute(ctx context.Context, msg *models.JobMessage, onResult func(msg *models.JobMessage, promise *models.Promise, err error)) {
	promise, err := msg.Retriever()
	if err != nil {
		p.log.Warn().Err(err).Msg("worker: retriever failed")
		if onResult != nil {
			onResult(msg, nil, err)
		}
		return
	}
	if promise.IsComplete() {
		if msg.Account != nil {
			msg.Account.Charge(0)
		}
		if onResult != nil {
			onResult(msg, promise, nil)
		}
		return
	}

	workCtx := ctx
	if msg.Cancel != nil {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-msg.Cancel.Done():
				cancel()
			case <-workCtx.Done():
			}
		}()
	}

	payload, schema, execErr := p.impl.Execute(workCtx, msg.Work)
	if execErr != nil {
		execErr = &models.JobExecutionError{PromiseID: promise.ID(), Err: execErr}
		p.log.Warn().Err(execErr).Str("promise_id", promise.ID().String()).Msg("worker: execution failed")
	} else {
		promise.Complete(schema, payload)
	}

	if msg.Account != nil {
		msg.Account.Charge(len(payload))
	}
	if onResult != nil {
		onResult(msg, promise, execErr)
	}
}

// Stop cancels every running worker and waits for them to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
