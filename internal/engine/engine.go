// Package engine assembles the control plane: arena, transport, supervisor,
// memo store, arbiter, controller, event bus, journal. Everything is an
// explicit dependency of the Engine value; tests build partial assemblies
// from the same constructors.
package engine

import (
	"context"
	"log"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/somatechlat/vortex/internal/arbiter"
	"github.com/somatechlat/vortex/internal/arena"
	"github.com/somatechlat/vortex/internal/config"
	"github.com/somatechlat/vortex/internal/controller"
	"github.com/somatechlat/vortex/internal/events"
	"github.com/somatechlat/vortex/internal/graph"
	"github.com/somatechlat/vortex/internal/ipc"
	"github.com/somatechlat/vortex/internal/journal"
	"github.com/somatechlat/vortex/internal/memo"
	"github.com/somatechlat/vortex/internal/metrics"
	"github.com/somatechlat/vortex/internal/registry"
	"github.com/somatechlat/vortex/internal/supervisor"
	"github.com/somatechlat/vortex/internal/vtxerr"
)

// Engine is one controller instance and its collaborators.
type Engine struct {
	cfg *config.Config

	Arena      *arena.Arena
	Bus        *events.Bus
	Journal    *journal.Journal
	Store      *memo.Store
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	Transport  *ipc.Server
	Controller *controller.Controller
	Metrics    *metrics.Metrics

	PromRegistry *prometheus.Registry
}

// New builds a fully wired engine from configuration. The executor registry
// comes from the package manager at startup; pass nil to use the built-ins.
func New(cfg *config.Config, reg *registry.Registry) (*Engine, error) {
	if reg == nil {
		reg = registry.Default()
	}

	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)

	ar, err := arena.Create(cfg.Arena.Dir, cfg.Arena.Name, cfg.Arena.SizeBytes)
	if err != nil {
		return nil, err
	}

	jnl, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		ar.Close()
		return nil, err
	}

	bus := events.NewBus(met)
	store := memo.NewStore()
	sup := supervisor.New(cfg.Supervisor, ar, bus, met)

	e := &Engine{
		cfg:          cfg,
		Arena:        ar,
		Bus:          bus,
		Journal:      jnl,
		Store:        store,
		Registry:     reg,
		Supervisor:   sup,
		Metrics:      met,
		PromRegistry: promReg,
	}

	tx, err := ipc.NewServer(cfg.IPC.Path, ipc.ServerConfig{
		MaxFrameBytes: cfg.IPC.MaxFrameBytes,
		SendQueueLen:  cfg.IPC.SendQueueLen,
	}, e)
	if err != nil {
		jnl.Close()
		ar.Close()
		return nil, err
	}
	e.Transport = tx
	sup.SetTransport(tx)
	sup.SetIPCPath(cfg.IPC.Path)

	arb := arbiter.New(ar, store, reg, arbiter.Device{
		ID:          "cuda:0",
		BudgetBytes: uint64(cfg.Arbiter.DeviceBudgetBytes),
	}, met)

	e.Controller = controller.New(
		cfg.Controller, ar, store, reg, arb, sup, tx, bus, jnl, graphConverters(), met)
	sup.OnJobFailure(e.Controller.HandleWorkerFailure)
	return e, nil
}

// Start brings the transport and supervisor up and marks the arena ready.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		if err := e.Transport.Serve(ctx); err != nil {
			log.Printf("[ENGINE] transport stopped: %v", err)
		}
	}()
	e.Supervisor.Start(ctx)
	e.Supervisor.SetDesired(e.cfg.Supervisor.MaxWorkers)
	e.Arena.SetFlag(arena.FlagSystemReady)
	log.Printf("[ENGINE] ready: arena %s, ipc %s, %d worker slots",
		e.cfg.Arena.Name, e.cfg.IPC.Path, e.cfg.Supervisor.MaxWorkers)
}

// Stop drains workers and tears the assembly down.
func (e *Engine) Stop() {
	e.Arena.SetFlag(arena.FlagDraining)
	e.Supervisor.Stop()
	e.Transport.Close()
	e.Journal.Close()
	e.Arena.Close()
}

// ----------------------------------------------------------------------------
// ipc.Handler
// ----------------------------------------------------------------------------

// OnHandshake delegates peer verification and slot assignment to the
// supervisor.
func (e *Engine) OnHandshake(c *ipc.Conn, peerPid int32, hs *ipc.Handshake) (*ipc.HandshakeAck, error) {
	return e.Supervisor.VerifyHandshake(peerPid, hs)
}

// OnMessage routes worker frames: results and progress to the controller,
// heartbeats to the supervisor.
func (e *Engine) OnMessage(slotID int, m *ipc.Message) {
	switch m.Type {
	case ipc.MsgJobResult:
		var res ipc.JobResult
		if err := m.DecodeBody(&res); err != nil {
			log.Printf("[ENGINE] malformed result from slot %d: %v", slotID, err)
			e.Transport.DropSlot(slotID, err)
			return
		}
		e.Controller.HandleResult(slotID, &res)
	case ipc.MsgProgress:
		var p ipc.Progress
		if err := m.DecodeBody(&p); err != nil {
			return
		}
		e.Controller.HandleProgress(slotID, &p)
	case ipc.MsgHeartbeat:
		e.Supervisor.OnHeartbeat(slotID)
	default:
		log.Printf("[ENGINE] unexpected %s frame from slot %d", m.Type, slotID)
		e.Transport.DropSlot(slotID, vtxerr.Newf(vtxerr.KindProtocolViolation,
			"unexpected %s frame from worker", m.Type))
	}
}

// OnDisconnect lets the supervisor clean up the slot.
func (e *Engine) OnDisconnect(slotID int, err error) {
	e.Supervisor.OnDisconnect(slotID, err)
}

// graphConverters registers the default implicit adapters.
func graphConverters() *graph.Converters {
	conv := graph.NewConverters()
	conv.Register("image", "latent")
	conv.Register("latent", "image")
	conv.Register("mask", "image")
	return conv
}
