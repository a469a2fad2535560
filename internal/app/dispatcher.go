package app

import (
	"context"
	"time"

	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/eventhub"
	"github.com/bobmcallan/jobsrv/internal/models"
	"github.com/bobmcallan/jobsrv/internal/scheduling"
)

// runDispatcher is the root dispatcher loop (spec.md section 5: "The root
// dispatcher runs on a single task pulling from the prioritized root
// channel and dispatching to a worker-distribution channel"). It blocks
// on root.Dequeue until ctx is cancelled. A micro-job message is handed
// straight to jobs for the worker pool to pick up; a macro-job entry
// point is expanded in place (spec.md section 2: "driving (B) down
// through (C) to micro-job messages"), since the expansion itself, not
// worker execution, is what the dispatcher is responsible for driving.
// Adapted from the teacher's fixed-interval background-loop idiom
// (internal/app/scheduler.go in the retrieval pack), but driven by the
// scheduler's own blocking wake-up instead of a ticker, since a
// prioritized dequeue has no natural polling interval.
func runDispatcher(ctx context.Context, root *scheduling.PrioritizedQueueSystem, jobs chan<- *models.JobMessage, logger *common.Logger) {
	logger.Info().Msg("dispatcher: started")
	defer logger.Info().Msg("dispatcher: stopped")

	for {
		sched, err := root.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("dispatcher: dequeue error")
			continue
		}

		switch {
		case sched.Job != nil:
			select {
			case jobs <- sched.Job:
			case <-ctx.Done():
				return
			}
		case sched.Macro != nil:
			expandMacroJob(sched.Macro, logger)
		default:
			logger.Warn().Msg("dispatcher: dequeued an empty scheduler message")
		}
	}
}

// expandMacroJob runs one macro-job message's enumeration (spec.md
// section 4.F, component F, "the hard core") and installs each produced
// micro-job back into the scheduling tree. emit never needs to know
// which ClientJobQueue it came from: every produced JobMessage already
// carries the Account it was built against (m.account in
// internal/macrojob.MacroJobMessage.Expand), and that account is always
// a models.SchedulingTarget once it has been resolved through
// PrioritizedQueueSystem.GetLeaf, so emit can re-enqueue purely from the
// message itself.
func expandMacroJob(expander models.Expander, logger *common.Logger) {
	err := expander.Expand(func(msg *models.JobMessage) {
		target, ok := msg.Account.(models.SchedulingTarget)
		if !ok {
			logger.Warn().Str("key", msg.Account.Key().String()).
				Msg("dispatcher: macro-job child's account does not accept direct enqueue, dropping")
			return
		}
		if err := target.Enqueue(&models.SchedulerMessage{Job: msg}); err != nil {
			logger.Warn().Err(err).Msg("dispatcher: failed to enqueue macro-job child")
		}
	})
	if err != nil {
		logger.Warn().Err(err).Msg("dispatcher: macro-job expansion failed")
	}
}

// onWorkerResult is the worker pool's completion callback: it feeds the
// event hub so WebSocket clients observe promise completions and logs
// execution failures. It never re-queues: retry policy, if any, belongs
// to the embedding application, not this core (spec.md section 1's
// explicit non-goal of "automatic retry/backoff policies").
func onWorkerResult(hub *eventhub.Hub, log *common.Logger) func(msg *models.JobMessage, promise *models.Promise, err error) {
	return func(_ *models.JobMessage, promise *models.Promise, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("dispatcher: job failed")
			if hub != nil {
				hub.Broadcast(eventhub.Event{Type: "job.failed", Detail: err.Error(), Timestamp: time.Now().Unix()})
			}
			return
		}
		if promise == nil {
			return
		}
		if hub != nil {
			hub.Broadcast(eventhub.Event{Type: "promise.completed", PromiseID: promise.ID().String(), Timestamp: time.Now().Unix()})
		}
	}
}
