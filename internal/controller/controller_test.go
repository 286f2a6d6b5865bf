package controller

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somatechlat/vortex/internal/arbiter"
	"github.com/somatechlat/vortex/internal/arena"
	"github.com/somatechlat/vortex/internal/config"
	"github.com/somatechlat/vortex/internal/events"
	"github.com/somatechlat/vortex/internal/graph"
	"github.com/somatechlat/vortex/internal/ipc"
	"github.com/somatechlat/vortex/internal/journal"
	"github.com/somatechlat/vortex/internal/memo"
	"github.com/somatechlat/vortex/internal/registry"
	"github.com/somatechlat/vortex/internal/vtxerr"
)

// ----------------------------------------------------------------------------
// Fakes: an in-process worker pool and transport standing in for the
// supervisor and the unix-socket server.
// ----------------------------------------------------------------------------

type fakePool struct {
	mu     sync.Mutex
	free   []int
	idle   chan struct{}
	cancel func(slotID int, jobID string)
}

func newFakePool(n int) *fakePool {
	p := &fakePool{idle: make(chan struct{}, 1)}
	for i := 0; i < n; i++ {
		p.free = append(p.free, i)
	}
	return p
}

func (p *fakePool) AcquireIdle(jobID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return -1, false
	}
	slot := p.free[0]
	p.free = p.free[1:]
	return slot, true
}

func (p *fakePool) ReleaseToIdle(slotID int) {
	p.mu.Lock()
	p.free = append(p.free, slotID)
	p.mu.Unlock()
	select {
	case p.idle <- struct{}{}:
	default:
	}
}

func (p *fakePool) CancelJob(slotID int, jobID string) error {
	if p.cancel != nil {
		p.cancel(slotID, jobID)
	}
	return nil
}

func (p *fakePool) IdleSignal() <-chan struct{} { return p.idle }

// fakeTx simulates workers: JobSubmit frames are answered asynchronously
// according to a per-node script.
type fakeTx struct {
	ctrl *Controller

	mu         sync.Mutex
	dispatches []string            // node ids in dispatch order
	failures   map[string][]string // node id -> error kinds for successive attempts
	hold       map[string]bool     // node id -> never answer (until cancelled)
	held       map[string]int      // job id -> slot, for cancel responses
}

func newFakeTx() *fakeTx {
	return &fakeTx{
		failures: make(map[string][]string),
		hold:     make(map[string]bool),
		held:     make(map[string]int),
	}
}

func (f *fakeTx) SendToSlot(slot int, m *ipc.Message) error {
	switch m.Type {
	case ipc.MsgJobSubmit:
		var js ipc.JobSubmit
		if err := m.DecodeBody(&js); err != nil {
			return err
		}
		f.mu.Lock()
		f.dispatches = append(f.dispatches, js.NodeID)
		if f.hold[js.NodeID] {
			f.held[js.JobID] = slot
			f.mu.Unlock()
			return nil
		}
		var kind string
		if kinds := f.failures[js.NodeID]; len(kinds) > 0 {
			kind = kinds[0]
			f.failures[js.NodeID] = kinds[1:]
		}
		f.mu.Unlock()

		go func() {
			res := &ipc.JobResult{JobID: js.JobID, Outputs: js.Outputs,
				Metrics: ipc.JobMetrics{DurationMs: 1, PeakDeviceBytes: 2048}}
			if kind != "" {
				res.Outputs = nil
				res.Error = &ipc.WireError{Kind: kind, Message: "injected failure"}
			}
			f.ctrl.HandleResult(slot, res)
		}()
	case ipc.MsgCancel:
		var cc ipc.Cancel
		if err := m.DecodeBody(&cc); err != nil {
			return err
		}
		f.answerCancel(cc.JobID)
	}
	return nil
}

func (f *fakeTx) answerCancel(jobID string) {
	f.mu.Lock()
	slot, ok := f.held[jobID]
	delete(f.held, jobID)
	f.mu.Unlock()
	if !ok {
		return
	}
	go f.ctrl.HandleResult(slot, &ipc.JobResult{
		JobID: jobID,
		Error: &ipc.WireError{Kind: string(vtxerr.KindCancelled), Message: "cancelled"},
	})
}

func (f *fakeTx) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dispatches...)
}

// ----------------------------------------------------------------------------
// Harness
// ----------------------------------------------------------------------------

type harness struct {
	ctrl  *Controller
	tx    *fakeTx
	pool  *fakePool
	store *memo.Store
	bus   *events.Bus
	jnl   *journal.Journal
}

func testRegistry() *registry.Registry {
	r := registry.New()
	cost := func(outBytes uint64) registry.CostFn {
		return func(_ map[string]registry.ShapeInfo, _ map[string]interface{}) registry.Cost {
			return registry.Cost{
				PeakBytes: outBytes * 2,
				Outputs: map[string]registry.OutputSpec{
					"out": {DType: "f32", Shape: []int64{int64(outBytes / 4)}, Bytes: outBytes},
				},
			}
		}
	}
	r.Register(&registry.Descriptor{
		Op:      "test.src",
		Outputs: []graph.Port{{Name: "out", Type: "tensor"}},
		Params:  []registry.ParamSpec{{Name: "path", Kind: registry.KindString, Required: true}},
		Cost:    cost(1024),
	})
	r.Register(&registry.Descriptor{
		Op:      "test.mid",
		Inputs:  []graph.Port{{Name: "in", Type: "tensor"}},
		Outputs: []graph.Port{{Name: "out", Type: "tensor"}},
		Cost:    cost(1024),
	})
	return r
}

func newHarness(t *testing.T, slots int) *harness {
	t.Helper()
	ar, err := arena.Create(t.TempDir(), "vtx_ctl_test", 8<<20)
	require.NoError(t, err)
	t.Cleanup(func() { ar.Close() })

	jnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	store := memo.NewStore()
	reg := testRegistry()
	bus := events.NewBus(nil)
	pool := newFakePool(slots)
	tx := newFakeTx()

	arb := arbiter.New(ar, store, reg, arbiter.Device{ID: "dev0", BudgetBytes: 1 << 20}, nil)
	cfg := config.Default().Controller
	cfg.NodeTimeoutMs = 2000

	ctrl := New(cfg, ar, store, reg, arb, pool, tx, bus, jnl, nil, nil)
	tx.ctrl = ctrl
	pool.cancel = func(slotID int, jobID string) {
		msg, _ := ipc.NewMessage(ipc.MsgCancel, &ipc.Cancel{JobID: jobID})
		tx.SendToSlot(slotID, msg)
	}
	return &harness{ctrl: ctrl, tx: tx, pool: pool, store: store, bus: bus, jnl: jnl}
}

func chainGraph(seed float64, ids ...string) *graph.Graph {
	g := &graph.Graph{SchemaVersion: 1, Nodes: map[string]*graph.Node{}}
	for i, id := range ids {
		n := &graph.Node{ID: id, Params: map[string]interface{}{},
			OutputPorts: []graph.Port{{Name: "out", Type: "tensor"}}}
		if i == 0 {
			n.Op = "test.src"
			n.Params["path"] = "img"
		} else {
			n.Op = "test.mid"
			n.InputPorts = []graph.Port{{Name: "in", Type: "tensor"}}
			g.Edges = append(g.Edges, graph.Edge{
				SourceNode: ids[i-1], SourcePort: "out", TargetNode: id, TargetPort: "in"})
		}
		if id == "B" {
			n.Params["seed"] = seed
		}
		g.Nodes[id] = n
	}
	return g
}

func runAndWait(t *testing.T, h *harness, g *graph.Graph) *journal.RunRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := h.ctrl.Run(ctx, g)
	require.NoError(t, err)
	return rec
}

// ----------------------------------------------------------------------------
// Scenarios
// ----------------------------------------------------------------------------

func TestEmptyGraphCompletesImmediately(t *testing.T) {
	h := newHarness(t, 1)
	rec := runAndWait(t, h, &graph.Graph{SchemaVersion: 1, Nodes: map[string]*graph.Node{}})
	assert.Equal(t, journal.RunCompleted, rec.Status)
	assert.Empty(t, h.tx.dispatched())
}

func TestLinearChainThenMemoHit(t *testing.T) {
	h := newHarness(t, 2)

	rec := runAndWait(t, h, chainGraph(1, "A", "B", "C"))
	assert.Equal(t, journal.RunCompleted, rec.Status)
	assert.Equal(t, []string{"A", "B", "C"}, h.tx.dispatched())
	assert.Equal(t, 3, h.store.Len(), "all three outputs memoized")

	// Second run of the unchanged graph: served entirely from the memo.
	start := time.Now()
	rec2 := runAndWait(t, h, chainGraph(1, "A", "B", "C"))
	assert.Equal(t, journal.RunCompleted, rec2.Status)
	assert.Equal(t, 3, len(h.tx.dispatched()), "zero new dispatches on the second run")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, rec.GraphFingerprint, rec2.GraphFingerprint)
}

func TestParamChangePropagation(t *testing.T) {
	h := newHarness(t, 2)
	runAndWait(t, h, chainGraph(1, "A", "B", "C"))

	// Mutating B's seed dirties exactly {B, C}; A is never re-dispatched.
	rec := runAndWait(t, h, chainGraph(2, "A", "B", "C"))
	assert.Equal(t, journal.RunCompleted, rec.Status)
	assert.Equal(t, []string{"A", "B", "C", "B", "C"}, h.tx.dispatched())
}

func TestCycleRejectedWithoutDispatch(t *testing.T) {
	h := newHarness(t, 1)
	g := chainGraph(1, "A", "B", "C")
	g.Nodes["A"].Op = "test.mid"
	g.Nodes["A"].InputPorts = []graph.Port{{Name: "in", Type: "tensor"}}
	g.Edges = append(g.Edges, graph.Edge{SourceNode: "C", SourcePort: "out", TargetNode: "A", TargetPort: "in"})

	rec := runAndWait(t, h, g)
	assert.Equal(t, journal.RunFailed, rec.Status)
	assert.Equal(t, string(vtxerr.KindCycleDetected), rec.Error["kind"])
	assert.Empty(t, h.tx.dispatched(), "no dispatch occurs for a rejected graph")
}

func TestUnknownOpFailsCompile(t *testing.T) {
	h := newHarness(t, 1)
	g := chainGraph(1, "A")
	g.Nodes["A"].Op = "no.such.op"
	rec := runAndWait(t, h, g)
	assert.Equal(t, journal.RunFailed, rec.Status)
	assert.Equal(t, string(vtxerr.KindGraphValidation), rec.Error["kind"])
}

func TestTransientFailureRetries(t *testing.T) {
	h := newHarness(t, 1)
	h.tx.failures["B"] = []string{string(vtxerr.KindTransient)}

	rec := runAndWait(t, h, chainGraph(1, "A", "B"))
	assert.Equal(t, journal.RunCompleted, rec.Status)
	assert.Equal(t, []string{"A", "B", "B"}, h.tx.dispatched(), "one retry after the transient failure")
}

func TestTransientRetriesExhausted(t *testing.T) {
	h := newHarness(t, 1)
	kinds := []string{string(vtxerr.KindTransient), string(vtxerr.KindTransient), string(vtxerr.KindTransient)}
	h.tx.failures["A"] = kinds

	rec := runAndWait(t, h, chainGraph(1, "A"))
	assert.Equal(t, journal.RunFailed, rec.Status)
	assert.Equal(t, []string{"A", "A", "A"}, h.tx.dispatched(), "initial attempt plus two retries")
}

func TestExecutionErrorIsFatalWithoutRetry(t *testing.T) {
	h := newHarness(t, 2)
	h.tx.failures["B"] = []string{string(vtxerr.KindNodeExecutionError)}

	rec := runAndWait(t, h, chainGraph(1, "A", "B", "C"))
	assert.Equal(t, journal.RunFailed, rec.Status)
	assert.Equal(t, []string{"A", "B"}, h.tx.dispatched(), "no retry, no downstream dispatch")
	assert.Equal(t, string(vtxerr.KindNodeExecutionError), rec.Error["kind"])
}

func TestWorkerDeathRetriesOnFreshWorker(t *testing.T) {
	h := newHarness(t, 1)
	h.tx.hold["B"] = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runID, err := h.ctrl.Start(ctx, chainGraph(1, "A", "B"))
	require.NoError(t, err)

	// Wait until B is dispatched, then report its worker dead.
	require.Eventually(t, func() bool {
		d := h.tx.dispatched()
		return len(d) == 2 && d[1] == "B"
	}, 2*time.Second, 5*time.Millisecond)

	h.tx.mu.Lock()
	var jobID string
	for id := range h.tx.held {
		jobID = id
	}
	delete(h.tx.held, jobID)
	h.tx.hold["B"] = false
	h.tx.mu.Unlock()
	h.pool.ReleaseToIdle(0) // the supervisor would respawn and free the slot
	h.ctrl.HandleWorkerFailure(0, jobID, vtxerr.KindWorkerCrashed)

	rec, err := h.ctrl.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, journal.RunCompleted, rec.Status)
	assert.Equal(t, []string{"A", "B", "B"}, h.tx.dispatched())
}

func TestCancelDuringRun(t *testing.T) {
	h := newHarness(t, 1)
	h.tx.hold["B"] = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runID, err := h.ctrl.Start(ctx, chainGraph(1, "A", "B", "C"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.tx.dispatched()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.ctrl.Cancel(runID))

	rec, err := h.ctrl.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, journal.RunCancelled, rec.Status)
	assert.Equal(t, []string{"A", "B"}, h.tx.dispatched(), "no dispatch beyond the cancel point")
}

func TestRunEventsEmitted(t *testing.T) {
	h := newHarness(t, 1)
	ch := h.bus.Subscribe(events.RunStarted, events.NodeStarted, events.NodeCompleted, events.RunCompleted)

	runAndWait(t, h, chainGraph(1, "A", "B"))

	var types []events.Type
	timeout := time.After(2 * time.Second)
	for len(types) < 6 {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("only saw %v", types)
		}
	}
	assert.Equal(t, []events.Type{
		events.RunStarted,
		events.NodeStarted, events.NodeCompleted,
		events.NodeStarted, events.NodeCompleted,
		events.RunCompleted,
	}, types)
}

func TestHandleReferenceBalance(t *testing.T) {
	h := newHarness(t, 2)
	runAndWait(t, h, chainGraph(1, "A", "B", "C"))

	// After completion every surviving allocation belongs to the memo store,
	// one reference each.
	for _, e := range h.store.Entries() {
		for _, handle := range e.Outputs {
			assert.Equal(t, int32(1), handle.Refs(),
				"memoized handle holds exactly the store's reference")
		}
	}
}
