// Package app wires the job server's components together: configuration,
// logging, the promise store, the scheduling flow, the jobs manager, the
// cancellation pool, and the worker pool. It is the dependency-injection
// root, generalized from the teacher's finance-service composition root
// (internal/app in the retrieval pack) to a job-scheduling one.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobmcallan/jobsrv/internal/cancel"
	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/eventhub"
	"github.com/bobmcallan/jobsrv/internal/interfaces"
	"github.com/bobmcallan/jobsrv/internal/jobsmanager"
	"github.com/bobmcallan/jobsrv/internal/macrojob"
	"github.com/bobmcallan/jobsrv/internal/models"
	"github.com/bobmcallan/jobsrv/internal/promisestore"
	"github.com/bobmcallan/jobsrv/internal/scheduling"
	"github.com/bobmcallan/jobsrv/internal/storage/auditstore"
	"github.com/bobmcallan/jobsrv/internal/storage/promisekv"
	"github.com/bobmcallan/jobsrv/internal/worker"
	"github.com/bobmcallan/jobsrv/internal/worker/genaiworker"
)

// App holds every long-lived component the server needs, assembled once
// by NewApp and torn down once by Close. It is the shared core used by
// cmd/jobsrv-server.
type App struct {
	Config *common.Config
	Logger *common.Logger

	KV           *promisekv.Store
	PromiseStore interfaces.PromiseStore
	Scheduler    *scheduling.PrioritizedQueueSystem
	CancelPool   *cancel.Pool
	JobsManager  *jobsmanager.Manager
	Workers      *worker.Pool
	Hub          *eventhub.Hub
	Audit        *auditstore.Store

	StartupTime time.Time

	jobs         chan *models.JobMessage
	dispatchStop context.CancelFunc
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp loads configuration, wires every component, and starts the root
// dispatcher and worker pool. configPath may be empty, in which case the
// default resolution logic (JOBSRV_CONFIG, then a binary-relative
// jobsrv.toml) is used.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	common.LoadVersionFromFile()
	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("JOBSRV_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "jobsrv.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/jobsrv.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if !filepath.IsAbs(config.Storage.Path) {
		config.Storage.Path = filepath.Join(binDir, config.Storage.Path)
	}
	if config.Logging.FilePath != "" && !filepath.IsAbs(config.Logging.FilePath) {
		config.Logging.FilePath = filepath.Join(binDir, config.Logging.FilePath)
	}

	logger := common.NewLogger(config.Logging.Level)

	kv, err := promisekv.Open(logger, promisekv.Options{
		Path:            config.Storage.Path,
		Preallocate:     config.Storage.Preallocate,
		DeleteOnDispose: config.Storage.DeleteOnDispose,
		HashIndexSize:   config.Storage.HashIndexSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open promise store: %w", err)
	}

	ctx := context.Background()
	checkSchemaVersion(ctx, kv, logger)
	checkDevBuildChange(ctx, kv, config, logger)

	store := promisestore.NewStore(kv, logger, promisestore.WithServiceID(1))
	scheduler, err := scheduling.NewPrioritizedQueueSystem(config.Scheduling.CountPriorities, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}
	cancelPool := cancel.NewPool()
	jm := jobsmanager.NewManager(logger, scheduler)
	hub := eventhub.NewHub(logger)

	var audit *auditstore.Store
	if config.Auditing.Enabled {
		audit, err = auditstore.Open(logger, config.Auditing)
		if err != nil {
			logger.Warn().Err(err).Msg("audit store unavailable, continuing without it")
			audit = nil
		}
	}

	workerImpl, err := buildWorker(ctx, config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build worker: %w", err)
	}
	pool := worker.NewPool(workerImpl, logger, config.Worker.PoolSize)

	a := &App{
		Config:       config,
		Logger:       logger,
		KV:           kv,
		PromiseStore: store,
		Scheduler:    scheduler,
		CancelPool:   cancelPool,
		JobsManager:  jm,
		Workers:      pool,
		Hub:          hub,
		Audit:        audit,
		StartupTime:  startupStart,
		jobs:         make(chan *models.JobMessage, 256),
	}

	a.startBackground()

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("app initialized")
	return a, nil
}

// buildWorker selects the worker.Execute implementation: the genai-backed
// example worker when an API key is configured, otherwise a worker that
// fails loudly on first dispatch rather than silently dropping work.
func buildWorker(ctx context.Context, config *common.Config, logger *common.Logger) (interfaces.Worker, error) {
	if config.Worker.Genai.APIKey == "" {
		return worker.Func(func(context.Context, models.Work) ([]byte, models.SchemaTag, error) {
			return nil, 0, fmt.Errorf("no worker configured: set worker.genai.api_key or embed a custom interfaces.Worker")
		}), nil
	}
	return genaiworker.New(ctx, config.Worker.Genai.APIKey, config.Worker.Genai.Model, logger)
}

// startBackground launches the root dispatcher, the worker pool, and the
// event hub.
func (a *App) startBackground() {
	dispatchCtx, cancel := context.WithCancel(context.Background())
	a.dispatchStop = cancel

	go a.Hub.Run()
	a.Workers.Start(dispatchCtx, a.jobs, a.onResult)
	go runDispatcher(dispatchCtx, a.Scheduler, a.jobs, a.Logger)
	go a.runExpirySweeper(dispatchCtx)
}

// runExpirySweeper periodically reclaims idle owner and name entries from
// the scheduling tree (spec.md section 4.C/5: a single periodic timer
// with a bucketed horizon). The tick interval is the configured horizon
// divided into ExpiryBucketCount buckets, matching the spec's "a tick
// every horizon/bucketCount" description.
func (a *App) runExpirySweeper(ctx context.Context) {
	bucketCount := a.Config.Scheduling.ExpiryBucketCount
	if bucketCount < 1 {
		bucketCount = 1
	}
	interval := a.Config.Scheduling.GetExpiryTicks() / time.Duration(bucketCount)
	if interval <= 0 {
		interval = 3 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.Scheduler.SweepExpiry(now)
		}
	}
}

// onResult feeds the event hub and, if enabled, the audit trail for every
// dispatched job's completion.
func (a *App) onResult(msg *models.JobMessage, promise *models.Promise, err error) {
	onWorkerResult(a.Hub, a.Logger)(msg, promise, err)
	if a.Audit == nil || promise == nil {
		return
	}
	if err != nil {
		a.Audit.RecordCompletion(promise.ID(), 0, 0, true, err.Error())
		return
	}
	if payload, schema, ok := promise.Output(); ok {
		a.Audit.RecordCompletion(promise.ID(), schema, len(payload), false, "")
	}
}

// SubmitMacroJob installs a macro-job entry point into the scheduling
// tree at (priority, owner, name) so the dispatcher's macro branch drives
// its expansion at dequeue time (spec.md section 4.F). job is the shared
// MacroJob state for every client independently requesting the same
// batch (built once, the first time a given batch request is seen);
// clientToken is this particular client's cancellation handle. A nil
// MacroJobMessage with ok=false from macrojob.Join means the job died
// between being looked up and being joined — spec.md section 4.F's
// "Resurrection" rule says the caller must build a fresh MacroJob and
// retry, which is why Join's failure is surfaced rather than retried
// here: only the caller knows how to re-derive the expansion.
func (a *App) SubmitMacroJob(priority int, owner models.Owner, name string, job *macrojob.MacroJob, clientToken models.CancelToken) (*macrojob.MacroJobMessage, error) {
	account, err := a.Scheduler.GetLeaf(priority, owner, name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve client queue: %w", err)
	}

	msg, ok := macrojob.Join(job, account, clientToken, a.CancelPool, a.JobsManager, a.Logger)
	if !ok {
		return nil, fmt.Errorf("macro job %s is no longer accepting participants", job.PromiseID())
	}

	target, ok := account.(models.SchedulingTarget)
	if !ok {
		return nil, fmt.Errorf("client queue leaf %T does not accept direct enqueue", account)
	}
	if err := target.Enqueue(&models.SchedulerMessage{Macro: msg}); err != nil {
		return nil, fmt.Errorf("failed to enqueue macro job: %w", err)
	}
	return msg, nil
}

// Close releases every resource held by the App. Shutdown order: stop the
// dispatcher and worker pool, stop the event hub, close the audit store,
// close the promise store.
func (a *App) Close() error {
	if a.dispatchStop != nil {
		a.dispatchStop()
		a.dispatchStop = nil
	}
	if a.Workers != nil {
		a.Workers.Stop()
	}
	if a.Hub != nil {
		a.Hub.Stop()
	}
	if a.Audit != nil {
		if err := a.Audit.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("audit store close failed")
		}
		a.Audit = nil
	}
	if a.KV != nil {
		if err := a.KV.Close(); err != nil {
			return fmt.Errorf("failed to close promise store: %w", err)
		}
		a.KV = nil
	}
	return nil
}
