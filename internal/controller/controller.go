// Package controller drives runs: compile, admit, dispatch, completion. One
// goroutine per run owns that run's plan and ready queue, so scheduling
// decisions for a run are totally ordered.
package controller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/somatechlat/vortex/internal/arbiter"
	"github.com/somatechlat/vortex/internal/arena"
	"github.com/somatechlat/vortex/internal/config"
	"github.com/somatechlat/vortex/internal/events"
	"github.com/somatechlat/vortex/internal/graph"
	"github.com/somatechlat/vortex/internal/ipc"
	"github.com/somatechlat/vortex/internal/journal"
	"github.com/somatechlat/vortex/internal/memo"
	"github.com/somatechlat/vortex/internal/metrics"
	"github.com/somatechlat/vortex/internal/registry"
	"github.com/somatechlat/vortex/internal/vtxerr"
)

// Transport sends control messages to workers. Satisfied by *ipc.Server.
type Transport interface {
	SendToSlot(slot int, m *ipc.Message) error
}

// WorkerPool hands out idle worker slots. Satisfied by *supervisor.Supervisor.
type WorkerPool interface {
	AcquireIdle(jobID string) (int, bool)
	ReleaseToIdle(slotID int)
	CancelJob(slotID int, jobID string) error
	IdleSignal() <-chan struct{}
}

// Controller owns run orchestration. All collaborators are explicit
// dependencies; nothing here is a singleton.
type Controller struct {
	cfg   config.ControllerConfig
	arena *arena.Arena
	store *memo.Store
	reg   *registry.Registry
	arb   *arbiter.Arbiter
	pool  WorkerPool
	tx    Transport
	bus   *events.Bus
	jnl   *journal.Journal
	conv  *graph.Converters
	met   *metrics.Metrics

	mu   sync.Mutex
	runs map[string]*runState
	jobs map[string]*jobRef // job id -> owning run
}

type jobRef struct {
	run    *runState
	nodeID string
}

// New wires a controller. conv may be nil (no implicit converters).
func New(
	cfg config.ControllerConfig,
	ar *arena.Arena,
	store *memo.Store,
	reg *registry.Registry,
	arb *arbiter.Arbiter,
	pool WorkerPool,
	tx Transport,
	bus *events.Bus,
	jnl *journal.Journal,
	conv *graph.Converters,
	met *metrics.Metrics,
) *Controller {
	if met == nil {
		met = metrics.Nop()
	}
	return &Controller{
		cfg:   cfg,
		arena: ar,
		store: store,
		reg:   reg,
		arb:   arb,
		pool:  pool,
		tx:    tx,
		bus:   bus,
		jnl:   jnl,
		conv:  conv,
		met:   met,
		runs:  make(map[string]*runState),
		jobs:  make(map[string]*jobRef),
	}
}

// jobOutcome is one terminal or progress message for a dispatched job,
// routed from the transport (or the supervisor) into the run task.
type jobOutcome struct {
	jobID    string
	result   *ipc.JobResult
	failKind vtxerr.Kind // set when the worker died instead of answering
	slotID   int
}

type progressMsg struct {
	jobID    string
	fraction float64
}

// runState is owned by its run goroutine; the maps below are only touched
// there. The channels are the only cross-goroutine surface.
type runState struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	outcome chan jobOutcome
	prog    chan progressMsg

	cancelled  bool
	cancelMu   sync.Mutex
	cancelFlag chan struct{}
}

func (r *runState) markCancelled() bool {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	if r.cancelled {
		return false
	}
	r.cancelled = true
	close(r.cancelFlag)
	return true
}

func (r *runState) isCancelled() bool {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	return r.cancelled
}

// Submit parses and launches a run asynchronously, returning its id.
func (c *Controller) Submit(ctx context.Context, doc []byte) (string, error) {
	g, err := graph.ParseDocument(doc)
	if err != nil {
		return "", err
	}
	return c.Start(ctx, g)
}

// Start launches a run over an already-parsed graph.
func (c *Controller) Start(ctx context.Context, g *graph.Graph) (string, error) {
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	rs := &runState{
		id:         runID,
		ctx:        runCtx,
		cancel:     cancel,
		outcome:    make(chan jobOutcome, 64),
		prog:       make(chan progressMsg, 256),
		cancelFlag: make(chan struct{}),
	}
	c.mu.Lock()
	c.runs[runID] = rs
	c.mu.Unlock()

	go func() {
		defer cancel()
		c.runTask(rs, g)
		c.mu.Lock()
		delete(c.runs, runID)
		c.mu.Unlock()
		c.bus.ForgetRun(runID)
	}()
	return runID, nil
}

// Run executes a graph synchronously and returns the terminal record.
func (c *Controller) Run(ctx context.Context, g *graph.Graph) (*journal.RunRecord, error) {
	runID, err := c.Start(ctx, g)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, runID)
}

// Wait blocks until the run reaches a terminal status.
func (c *Controller) Wait(ctx context.Context, runID string) (*journal.RunRecord, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		rec, err := c.jnl.GetRun(runID)
		if err == nil && rec.Status.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel requests cancellation of a running run: no new dispatches, Cancel
// frames to busy slots, forcible termination after the grace period.
func (c *Controller) Cancel(runID string) error {
	c.mu.Lock()
	rs := c.runs[runID]
	c.mu.Unlock()
	if rs == nil {
		return vtxerr.Newf(vtxerr.KindInternal, "run %s is not active", runID)
	}
	if rs.markCancelled() {
		log.Printf("[CONTROLLER] run %s: cancellation requested", runID)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Transport-side entry points (called from IPC reader goroutines)
// ----------------------------------------------------------------------------

// HandleResult routes a JobResult frame to its run task.
func (c *Controller) HandleResult(slotID int, res *ipc.JobResult) {
	c.mu.Lock()
	ref := c.jobs[res.JobID]
	c.mu.Unlock()
	if ref == nil {
		log.Printf("[CONTROLLER] result for unknown job %s ignored", res.JobID)
		return
	}
	select {
	case ref.run.outcome <- jobOutcome{jobID: res.JobID, result: res, slotID: slotID}:
	case <-ref.run.ctx.Done():
	}
}

// HandleProgress routes a Progress frame; stale jobs are dropped silently.
func (c *Controller) HandleProgress(slotID int, p *ipc.Progress) {
	c.mu.Lock()
	ref := c.jobs[p.JobID]
	c.mu.Unlock()
	if ref == nil {
		return
	}
	select {
	case ref.run.prog <- progressMsg{jobID: p.JobID, fraction: p.Fraction}:
	default: // progress is sheddable
	}
}

// HandleWorkerFailure is the supervisor's job-failure callback.
func (c *Controller) HandleWorkerFailure(slotID int, jobID string, kind vtxerr.Kind) {
	c.mu.Lock()
	ref := c.jobs[jobID]
	c.mu.Unlock()
	if ref == nil {
		return
	}
	select {
	case ref.run.outcome <- jobOutcome{jobID: jobID, failKind: kind, slotID: slotID}:
	case <-ref.run.ctx.Done():
	}
}

func (c *Controller) registerJob(jobID string, rs *runState, nodeID string) {
	c.mu.Lock()
	c.jobs[jobID] = &jobRef{run: rs, nodeID: nodeID}
	c.mu.Unlock()
}

func (c *Controller) dropJob(jobID string) {
	c.mu.Lock()
	delete(c.jobs, jobID)
	c.mu.Unlock()
}

// Converters exposes the registered implicit converter table.
func (c *Controller) Converters() *graph.Converters { return c.conv }

// Registry exposes the descriptor inventory.
func (c *Controller) Registry() *registry.Registry { return c.reg }

// MemoStore exposes the memo store (inspection surfaces and tests).
func (c *Controller) MemoStore() *memo.Store { return c.store }
