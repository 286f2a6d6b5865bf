package controller

import (
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/somatechlat/vortex/internal/arena"
	"github.com/somatechlat/vortex/internal/events"
	"github.com/somatechlat/vortex/internal/graph"
	"github.com/somatechlat/vortex/internal/ipc"
	"github.com/somatechlat/vortex/internal/journal"
	"github.com/somatechlat/vortex/internal/memo"
	"github.com/somatechlat/vortex/internal/scheduler"
	"github.com/somatechlat/vortex/internal/vtxerr"
)

const (
	maxTransientRetries = 2
	maxResourceRetries  = 1
	cancelGrace         = 10 * time.Second
)

// runExec is the mutable state of one run task. Owned by the run goroutine.
//
// Reference accounting: every allocated output starts with one working
// reference held by the run. On producer completion the memo store takes its
// own reference; the working reference retires once every plan consumer of
// that output has finished (tracked in remaining), so a tensor never
// outlives its last consumer unless memoized. Each dispatched job holds one
// reference per input for its duration.
type runExec struct {
	rs   *runState
	v    *graph.Validated
	fps  map[string]memo.Fingerprint
	plan *scheduler.Plan
	q    *scheduler.ReadyQueue

	record      *journal.RunRecord
	nodeRecords map[string]*journal.NodeRecord

	produced  map[string]map[string]*arena.Handle // plan node -> port -> handle
	held      map[*arena.Handle]int               // refs this run holds
	remaining map[*arena.Handle]int               // plan consumers yet to finish
	inFlight  map[string]*flight                  // job id -> attempt

	retries      map[string]int
	resRetries   map[string]int
	waiting      []string // ready nodes waiting for an idle slot
	completed    int
	lastProgress map[string]time.Time
}

type flight struct {
	jobID   string
	nodeID  string
	slotID  int
	started time.Time
	outputs map[string]*arena.Handle
	inputs  []*arena.Handle
}

// runTask is the single goroutine owning one run from compile to terminal
// status.
func (c *Controller) runTask(rs *runState, g *graph.Graph) {
	re := &runExec{
		rs:           rs,
		nodeRecords:  make(map[string]*journal.NodeRecord),
		produced:     make(map[string]map[string]*arena.Handle),
		held:         make(map[*arena.Handle]int),
		remaining:    make(map[*arena.Handle]int),
		inFlight:     make(map[string]*flight),
		retries:      make(map[string]int),
		resRetries:   make(map[string]int),
		lastProgress: make(map[string]time.Time),
	}
	re.record = &journal.RunRecord{
		ID:      rs.id,
		Status:  journal.RunPending,
		StartMs: time.Now().UnixMilli(),
	}

	if err := c.compile(re, g); err != nil {
		c.finishRun(re, journal.RunFailed, err)
		return
	}

	// Admit.
	re.record.Status = journal.RunRunning
	c.saveRun(re)
	c.bus.Emit(rs.id, events.RunStarted, map[string]interface{}{
		"graph_fingerprint": re.record.GraphFingerprint,
		"plan_len":          re.plan.Len(),
	})

	c.dispatchLoop(re)
}

// compile validates, fingerprints, derives the dirty set, builds the plan,
// and lets the arbiter fit it under the device budget.
func (c *Controller) compile(re *runExec, g *graph.Graph) error {
	re.record.Status = journal.RunCompiling
	c.saveRun(re)

	if max := c.cfg.MaxGraphNodes; max > 0 && len(g.Nodes) > max {
		return vtxerr.Newf(vtxerr.KindGraphValidation, "graph has %d nodes, limit is %d", len(g.Nodes), max)
	}

	v, err := graph.Validate(g, c.conv)
	if err != nil {
		return err
	}

	// Descriptor-level validation: unknown ops and malformed parameters are
	// compile-time violations too.
	var problems []string
	for _, id := range v.Order {
		problems = append(problems, c.reg.ValidateNode(g.Nodes[id])...)
	}
	if len(problems) > 0 {
		return vtxerr.Newf(vtxerr.KindGraphValidation, "graph rejected with %d descriptor violation(s)", len(problems)).
			With("violations", problems)
	}

	re.v = v
	re.fps = memo.ComputeFingerprints(v)
	re.record.GraphFingerprint = memo.GraphFingerprint(v, re.fps).String()

	dirty := memo.DirtySet(v, re.fps, c.store)
	re.plan = scheduler.Build(v, dirty)
	re.q = scheduler.NewReadyQueue(v, re.plan)

	for _, item := range re.plan.Items {
		re.nodeRecords[item.NodeID] = &journal.NodeRecord{
			RunID:  re.rs.id,
			NodeID: item.NodeID,
			Status: "pending",
			SlotID: -1,
		}
	}

	if err := c.arb.Prepare(v, re.plan, re.fps); err != nil {
		return err
	}
	log.Printf("[CONTROLLER] run %s compiled: %d nodes, %d dirty, predicted peak %d bytes",
		re.rs.id, len(g.Nodes), re.plan.Len(), c.arb.PredictPeak(re.plan))
	return nil
}

// dispatchLoop runs until the plan completes, fails, or is cancelled.
func (c *Controller) dispatchLoop(re *runExec) {
	rs := re.rs
	cancelling := false
	var cancelDeadline <-chan time.Time

	for {
		if !cancelling {
			if fatal := c.pumpDispatch(re); fatal != nil {
				c.failRun(re, fatal)
				return
			}
		}

		if len(re.inFlight) == 0 {
			if cancelling || rs.isCancelled() {
				c.finishRun(re, journal.RunCancelled, nil)
				return
			}
			if re.completed == re.plan.Len() {
				c.finishRun(re, journal.RunCompleted, nil)
				return
			}
			if re.q.ReadyLen() == 0 && len(re.waiting) == 0 {
				c.failRun(re, vtxerr.Newf(vtxerr.KindInternal,
					"run stalled: %d/%d nodes complete with nothing in flight", re.completed, re.plan.Len()))
				return
			}
		}

		select {
		case out := <-rs.outcome:
			if fatal := c.handleOutcome(re, out, cancelling); fatal != nil {
				c.failRun(re, fatal)
				return
			}
		case p := <-rs.prog:
			c.emitProgress(re, p)
		case <-c.poolIdle():
			// A slot became available; loop to pump dispatch.
		case <-rs.cancelFlag:
			if !cancelling {
				cancelling = true
				cancelDeadline = time.After(cancelGrace)
				c.beginCancel(re)
			}
		case <-cancelDeadline:
			// Grace expired; the supervisor is killing stragglers.
			c.finishRun(re, journal.RunCancelled, nil)
			return
		case <-rs.ctx.Done():
			if !cancelling {
				cancelling = true
				cancelDeadline = time.After(cancelGrace)
				c.beginCancel(re)
			}
		}
	}
}

func (c *Controller) poolIdle() <-chan struct{} {
	if c.pool == nil {
		return nil
	}
	return c.pool.IdleSignal()
}

// pumpDispatch drains the ready queue into idle slots. A nil return means
// either everything ready is dispatched or a node is parked waiting for a
// slot; a non-nil return fails the run.
func (c *Controller) pumpDispatch(re *runExec) error {
	if re.rs.isCancelled() {
		return nil
	}
	for {
		var nodeID string
		if len(re.waiting) > 0 {
			nodeID = re.waiting[0]
			re.waiting = re.waiting[1:]
		} else if item, ok := re.q.Pop(); ok {
			nodeID = item.NodeID
		} else {
			return nil
		}
		dispatched, fatal := c.dispatch(re, nodeID)
		if fatal != nil {
			return fatal
		}
		if !dispatched {
			// No idle slot: park and wait for the idle signal.
			re.waiting = append([]string{nodeID}, re.waiting...)
			return nil
		}
	}
}

// dispatch sends one node to an idle worker. dispatched=false means no slot
// was available; fatal is non-nil when the failure policy gave up.
func (c *Controller) dispatch(re *runExec, nodeID string) (bool, error) {
	jobID := uuid.NewString()
	slotID, ok := c.pool.AcquireIdle(jobID)
	if !ok {
		return false, nil
	}

	f := &flight{jobID: jobID, nodeID: nodeID, slotID: slotID, started: time.Now()}

	outputs, err := c.arb.AllocateOutputs(nodeID, re.fps[nodeID])
	if err != nil {
		c.pool.ReleaseToIdle(slotID)
		return true, c.retryOrFail(re, f, vtxerr.KindOf(err), err)
	}
	f.outputs = outputs
	for _, h := range outputs {
		re.held[h]++
	}

	inputs, inputRefs, err := c.resolveInputs(re, nodeID)
	if err != nil {
		c.releaseFlightOutputs(re, f)
		c.pool.ReleaseToIdle(slotID)
		return true, c.retryOrFail(re, f, vtxerr.KindOf(err), err)
	}
	f.inputs = inputRefs

	node := re.v.Graph.Nodes[nodeID]
	submit := &ipc.JobSubmit{
		JobID:      jobID,
		NodeID:     nodeID,
		Op:         node.Op,
		Inputs:     inputs,
		Outputs:    handleRefs(outputs),
		Params:     node.Params,
		DeadlineMs: time.Now().Add(time.Duration(c.cfg.NodeTimeoutMs) * time.Millisecond).UnixMilli(),
	}
	msg, err := ipc.NewMessage(ipc.MsgJobSubmit, submit)
	if err != nil {
		c.releaseFlight(re, f)
		c.pool.ReleaseToIdle(slotID)
		return true, err
	}

	c.registerJob(jobID, re.rs, nodeID)
	re.inFlight[jobID] = f

	if err := c.tx.SendToSlot(slotID, msg); err != nil {
		// The transport tears the connection down on a stuck queue; treat as
		// a crashed worker and let the retry policy decide.
		log.Printf("[CONTROLLER] run %s: submit of %s to slot %d failed: %v", re.rs.id, nodeID, slotID, err)
		c.dropJob(jobID)
		delete(re.inFlight, jobID)
		c.releaseFlight(re, f)
		c.pool.ReleaseToIdle(slotID)
		return true, c.retryOrFail(re, f, vtxerr.KindWorkerCrashed, err)
	}

	rec := re.nodeRecords[nodeID]
	rec.Status = "running"
	rec.SlotID = slotID
	c.met.DispatchesTotal.Inc()
	c.bus.Emit(re.rs.id, events.NodeStarted, map[string]interface{}{
		"node": nodeID, "job": jobID, "slot": slotID,
	})
	return true, nil
}

// resolveInputs maps each connected input port to a handle: plan parents
// from this run's outputs, cached parents from the memo store. A reference
// is taken per input for the duration of the job.
func (c *Controller) resolveInputs(re *runExec, nodeID string) (map[string]ipc.HandleRef, []*arena.Handle, error) {
	node := re.v.Graph.Nodes[nodeID]
	refs := make(map[string]ipc.HandleRef)
	var handles []*arena.Handle
	for _, port := range node.InputPorts {
		e, ok := re.v.InEdge[nodeID][port.Name]
		if !ok {
			continue
		}
		var h *arena.Handle
		if outs, inPlan := re.produced[e.SourceNode]; inPlan {
			h = outs[e.SourcePort]
		} else if entry, ok := c.store.Lookup(re.fps[e.SourceNode]); ok {
			h = entry.Outputs[e.SourcePort]
		}
		if h == nil {
			return nil, nil, vtxerr.Newf(vtxerr.KindResourceExhausted,
				"input %s.%s of node %q is not resident", e.SourceNode, e.SourcePort, nodeID)
		}
		h.Retain()
		re.held[h]++
		handles = append(handles, h)
		refs[port.Name] = ipc.HandleRef{
			Offset: h.Offset, Length: h.Length, DType: h.DType, Shape: h.Shape, Align: h.Alignment,
		}
	}
	return refs, handles, nil
}

func handleRefs(handles map[string]*arena.Handle) map[string]ipc.HandleRef {
	out := make(map[string]ipc.HandleRef, len(handles))
	for port, h := range handles {
		out[port] = ipc.HandleRef{Offset: h.Offset, Length: h.Length, DType: h.DType, Shape: h.Shape, Align: h.Alignment}
	}
	return out
}

// handleOutcome processes one job result or worker failure. Returns a
// non-nil error when the run must fail.
func (c *Controller) handleOutcome(re *runExec, out jobOutcome, cancelling bool) error {
	f := re.inFlight[out.jobID]
	if f == nil {
		return nil
	}
	delete(re.inFlight, out.jobID)
	c.dropJob(out.jobID)

	if out.result != nil && out.result.Error == nil && !cancelling {
		c.completeNode(re, f, out.result)
		c.pool.ReleaseToIdle(f.slotID)
		return nil
	}

	// Failure or cancellation path: the attempt's outputs are garbage.
	c.releaseFlight(re, f)

	if cancelling || re.rs.isCancelled() {
		if rec := re.nodeRecords[f.nodeID]; rec != nil {
			rec.Status = "cancelled"
		}
		if out.result != nil {
			c.pool.ReleaseToIdle(f.slotID)
		}
		return nil
	}

	kind := out.failKind
	var cause error
	if out.result != nil && out.result.Error != nil {
		kind = wireKind(out.result.Error.Kind)
		cause = vtxerr.Newf(kind, "%s", out.result.Error.Message).
			With("node", f.nodeID).With("worker_context", out.result.Error.Context)
		c.pool.ReleaseToIdle(f.slotID)
	}
	// Worker-death failures leave the slot to the supervisor's respawn path.
	if cause == nil {
		cause = vtxerr.Newf(kind, "worker on slot %d lost job %s", f.slotID, f.jobID).With("node", f.nodeID)
	}
	return c.retryOrFail(re, f, kind, cause)
}

// completeNode registers outputs, adjusts references, and advances the queue.
func (c *Controller) completeNode(re *runExec, f *flight, res *ipc.JobResult) {
	nodeID := f.nodeID
	item, _ := re.plan.Item(nodeID)

	re.produced[nodeID] = f.outputs
	c.store.Put(re.fps[nodeID], f.outputs)

	// Count the plan consumers of each output; an output nobody in the plan
	// consumes retires its working reference now and lives on only through
	// the memo store.
	consumerCount := make(map[string]int)
	for _, e := range re.v.Graph.Edges {
		if e.SourceNode != nodeID {
			continue
		}
		if _, inPlan := re.plan.Index[e.TargetNode]; inPlan {
			consumerCount[e.SourcePort]++
		}
	}
	for port, h := range f.outputs {
		if n := consumerCount[port]; n > 0 {
			re.remaining[h] = n
		} else {
			c.releaseHeld(re, h)
		}
	}

	// This job's input references retire, and each plan-produced input moves
	// one consumer closer to releasing its working reference.
	for _, h := range f.inputs {
		c.releaseHeld(re, h)
		if n, tracked := re.remaining[h]; tracked {
			if n <= 1 {
				delete(re.remaining, h)
				c.releaseHeld(re, h)
			} else {
				re.remaining[h] = n - 1
			}
		}
	}

	rec := re.nodeRecords[nodeID]
	rec.Status = "completed"
	rec.DurationMs = res.Metrics.DurationMs
	if rec.DurationMs == 0 {
		rec.DurationMs = time.Since(f.started).Milliseconds()
	}
	rec.PeakDeviceBytes = res.Metrics.PeakDeviceBytes

	re.completed++
	re.q.Complete(nodeID)
	c.bus.Emit(re.rs.id, events.NodeCompleted, map[string]interface{}{
		"node": nodeID, "job": f.jobID, "slot": f.slotID,
		"duration_ms": rec.DurationMs, "pos": item.Pos,
	})
}

func (c *Controller) releaseHeld(re *runExec, h *arena.Handle) {
	if re.held[h] <= 0 {
		return
	}
	h.Release()
	re.held[h]--
	if re.held[h] == 0 {
		delete(re.held, h)
	}
}

// retryOrFail applies the node failure policy: transient worker failures get
// two retries on a fresh worker, resource exhaustion gets one retry with
// fresh eviction planning, anything else fails the run.
func (c *Controller) retryOrFail(re *runExec, f *flight, kind vtxerr.Kind, cause error) error {
	nodeID := f.nodeID
	switch {
	case vtxerr.Retryable(kind):
		if re.retries[nodeID] < maxTransientRetries {
			re.retries[nodeID]++
			c.met.RetriesTotal.Inc()
			log.Printf("[CONTROLLER] run %s: retrying node %s after %s (attempt %d)",
				re.rs.id, nodeID, kind, re.retries[nodeID]+1)
			re.waiting = append(re.waiting, nodeID)
			return nil
		}
	case kind == vtxerr.KindResourceExhausted:
		if re.resRetries[nodeID] < maxResourceRetries {
			re.resRetries[nodeID]++
			c.met.RetriesTotal.Inc()
			if err := c.arb.Prepare(re.v, re.plan, re.fps); err != nil {
				c.noteNodeFailure(re, f, vtxerr.KindResourceExhausted, err)
				return err
			}
			log.Printf("[CONTROLLER] run %s: retrying node %s after eviction replanning", re.rs.id, nodeID)
			re.waiting = append(re.waiting, nodeID)
			return nil
		}
	}
	c.noteNodeFailure(re, f, kind, cause)
	return cause
}

func (c *Controller) noteNodeFailure(re *runExec, f *flight, kind vtxerr.Kind, cause error) {
	if rec := re.nodeRecords[f.nodeID]; rec != nil {
		rec.Status = "failed"
	}
	c.bus.Emit(re.rs.id, events.NodeFailed, map[string]interface{}{
		"node": f.nodeID, "job": f.jobID, "kind": string(kind), "error": errString(cause),
	})
}

// beginCancel stops emission and asks every in-flight worker to stop.
func (c *Controller) beginCancel(re *runExec) {
	re.rs.markCancelled()
	re.q.Cancel()
	re.waiting = nil
	for _, f := range re.inFlight {
		if err := c.pool.CancelJob(f.slotID, f.jobID); err != nil {
			log.Printf("[CONTROLLER] run %s: cancel of job %s failed: %v", re.rs.id, f.jobID, err)
		}
	}
}

// failRun cancels outstanding work and finalizes the run as Failed.
func (c *Controller) failRun(re *runExec, cause error) {
	re.q.Cancel()
	re.waiting = nil
	for jobID, f := range re.inFlight {
		c.pool.CancelJob(f.slotID, f.jobID)
		c.dropJob(jobID)
		c.releaseFlight(re, f)
	}
	re.inFlight = map[string]*flight{}
	c.finishRun(re, journal.RunFailed, cause)
}

// finishRun releases everything the run still holds, persists the terminal
// record, and emits the terminal event.
func (c *Controller) finishRun(re *runExec, status journal.RunStatus, cause error) {
	for h, n := range re.held {
		for i := 0; i < n; i++ {
			h.Release()
		}
	}
	re.held = map[*arena.Handle]int{}
	re.remaining = map[*arena.Handle]int{}

	re.record.Status = status
	re.record.EndMs = time.Now().UnixMilli()
	if cause != nil {
		re.record.Error = errorPayload(cause)
	}
	c.saveRun(re)

	switch status {
	case journal.RunCompleted:
		c.bus.Emit(re.rs.id, events.RunCompleted, map[string]interface{}{
			"nodes_executed": re.completed,
		})
	case journal.RunFailed:
		c.bus.Emit(re.rs.id, events.RunFailed, map[string]interface{}{
			"error": errString(cause),
		})
	case journal.RunCancelled:
		c.bus.Emit(re.rs.id, events.RunCancelled, nil)
	}
	c.met.RunsTotal.WithLabelValues(string(status)).Inc()
	log.Printf("[CONTROLLER] run %s finished: %s", re.rs.id, status)
}

func (c *Controller) releaseFlightOutputs(re *runExec, f *flight) {
	for _, h := range f.outputs {
		c.releaseHeld(re, h)
	}
	f.outputs = nil
}

func (c *Controller) releaseFlight(re *runExec, f *flight) {
	c.releaseFlightOutputs(re, f)
	for _, h := range f.inputs {
		c.releaseHeld(re, h)
	}
	f.inputs = nil
}

func (c *Controller) saveRun(re *runExec) {
	nodes := make([]*journal.NodeRecord, 0, len(re.nodeRecords))
	for _, n := range re.nodeRecords {
		nodes = append(nodes, n)
	}
	if err := c.jnl.SaveRun(re.record, nodes); err != nil {
		log.Printf("[CONTROLLER] journal write for run %s failed: %v", re.rs.id, err)
	}
}

func (c *Controller) emitProgress(re *runExec, p progressMsg) {
	var f *flight
	for _, fl := range re.inFlight {
		if fl.jobID == p.jobID {
			f = fl
			break
		}
	}
	if f == nil {
		return
	}
	interval := time.Duration(c.cfg.ProgressIntervalMs) * time.Millisecond
	if last, ok := re.lastProgress[f.nodeID]; ok && time.Since(last) < interval {
		return
	}
	re.lastProgress[f.nodeID] = time.Now()
	c.bus.Emit(re.rs.id, events.NodeProgress, map[string]interface{}{
		"node": f.nodeID, "job": p.jobID, "fraction": p.fraction,
	})
}

// wireKind maps a worker-reported error kind onto the controller taxonomy.
// Unknown kinds are execution errors, which are fatal without retry.
func wireKind(s string) vtxerr.Kind {
	switch vtxerr.Kind(s) {
	case vtxerr.KindTransient, vtxerr.KindWorkerCrashed, vtxerr.KindWorkerUnresponsive,
		vtxerr.KindResourceExhausted, vtxerr.KindNodeExecutionError, vtxerr.KindProtocolViolation:
		return vtxerr.Kind(s)
	default:
		return vtxerr.KindNodeExecutionError
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errorPayload(err error) map[string]interface{} {
	out := map[string]interface{}{
		"kind":    string(vtxerr.KindOf(err)),
		"message": err.Error(),
	}
	var e *vtxerr.Error
	if errors.As(err, &e) && len(e.Context) > 0 {
		out["context"] = e.Context
	}
	return out
}
