// Package supervisor owns the population of worker processes: spawning with
// a restricted execution profile, registration via the IPC handshake,
// heartbeat monitoring, death detection, and rate-limited respawn.
package supervisor

import (
	"context"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/somatechlat/vortex/internal/arena"
	"github.com/somatechlat/vortex/internal/config"
	"github.com/somatechlat/vortex/internal/events"
	"github.com/somatechlat/vortex/internal/ipc"
	"github.com/somatechlat/vortex/internal/metrics"
	"github.com/somatechlat/vortex/internal/vtxerr"
)

// JobFailureFunc tells the controller that a slot died while holding a job.
type JobFailureFunc func(slotID int, jobID string, kind vtxerr.Kind)

// Supervisor maintains up to MaxWorkers worker slots. Slot state lives in
// the arena header so workers and the controller read the same records.
type Supervisor struct {
	cfg config.SupervisorConfig
	ar  *arena.Arena
	bus *events.Bus
	met *metrics.Metrics

	transport *ipc.Server // set before Start
	ipcPath   string      // endpoint handed to spawned workers

	mu      sync.Mutex
	slots   []*slotInfo
	desired int
	onFail  JobFailureFunc

	idleCh chan struct{} // pulsed whenever a slot turns idle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type slotInfo struct {
	id      int
	cmd     *exec.Cmd
	pid     int
	spawned time.Time
	backoff time.Duration
	breaker *respawnBreaker
	caps    []string
	jobID   string

	cancelSent time.Time
}

func New(cfg config.SupervisorConfig, ar *arena.Arena, bus *events.Bus, met *metrics.Metrics) *Supervisor {
	if met == nil {
		met = metrics.Nop()
	}
	s := &Supervisor{
		cfg:    cfg,
		ar:     ar,
		bus:    bus,
		met:    met,
		idleCh: make(chan struct{}, 1),
	}
	n := cfg.MaxWorkers
	if n > arena.SlotCount {
		n = arena.SlotCount
	}
	s.slots = make([]*slotInfo, n)
	for i := range s.slots {
		s.slots[i] = &slotInfo{id: i, breaker: newRespawnBreaker()}
	}
	return s
}

// SetTransport wires the IPC server used to reach workers.
func (s *Supervisor) SetTransport(t *ipc.Server) { s.transport = t }

// SetIPCPath records the endpoint spawned workers connect back to.
func (s *Supervisor) SetIPCPath(path string) { s.ipcPath = path }

// OnJobFailure registers the controller callback for jobs lost to dead workers.
func (s *Supervisor) OnJobFailure(f JobFailureFunc) { s.onFail = f }

// SetDesired asks the maintain loop to keep n workers alive.
func (s *Supervisor) SetDesired(n int) {
	s.mu.Lock()
	if n > len(s.slots) {
		n = len(s.slots)
	}
	s.desired = n
	s.mu.Unlock()
}

// Start launches the monitor loop. The loop scans slots once per second:
// heartbeat timeouts, handshake deadlines, respawn backoff.
func (s *Supervisor) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.monitorLoop()
}

// Stop shuts down every worker and the monitor loop.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	for _, si := range s.slots {
		if si.cmd != nil && si.cmd.Process != nil {
			si.cmd.Process.Kill()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) monitorLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.ar.TouchTick()
			s.scan()
		}
	}
}

func (s *Supervisor) scan() {
	now := time.Now()
	hbTimeout := time.Duration(s.cfg.HeartbeatTimeoutMs) * time.Millisecond
	hsTimeout := time.Duration(s.cfg.HandshakeTimeoutMs) * time.Millisecond
	grace := time.Duration(s.cfg.CancelGraceMs) * time.Millisecond

	s.mu.Lock()
	defer s.mu.Unlock()

	alive := 0
	for _, si := range s.slots {
		slot := s.ar.Slot(si.id)
		switch slot.Status() {
		case arena.SlotBooting:
			alive++
			if now.Sub(si.spawned) > hsTimeout {
				log.Printf("[SUPERVISOR] slot %d handshake timeout (pid %d), terminating", si.id, si.pid)
				s.killLocked(si, vtxerr.KindHandshakeTimeout)
			}
		case arena.SlotIdle, arena.SlotBusy:
			alive++
			age := now.UnixMilli() - slot.Heartbeat()
			if age > hbTimeout.Milliseconds() {
				log.Printf("[SUPERVISOR] slot %d heartbeat age %dms exceeds %dms, marking DEAD", si.id, age, hbTimeout.Milliseconds())
				s.met.HeartbeatMisses.Inc()
				s.killLocked(si, vtxerr.KindWorkerUnresponsive)
				continue
			}
			if !si.cancelSent.IsZero() && now.Sub(si.cancelSent) > grace {
				log.Printf("[SUPERVISOR] slot %d ignored cancel for %s, terminating", si.id, si.jobID)
				s.killLocked(si, vtxerr.KindWorkerUnresponsive)
			}
		case arena.SlotDead:
			s.cleanupLocked(si)
		case arena.SlotEmpty:
			if alive < s.desired && now.Sub(si.spawned) >= si.backoff {
				if err := s.spawnLocked(si); err != nil {
					log.Printf("[SUPERVISOR] spawn slot %d failed: %v", si.id, err)
				} else {
					alive++
				}
			}
		}
	}
	s.publishSlotGauges()
}

// spawnLocked launches one isolated child. The execution profile is
// restricted: fresh session, minimal environment, model paths passed as an
// explicit read-only allowlist. The child gets its slot and the IPC path via
// environment and must handshake within the deadline.
func (s *Supervisor) spawnLocked(si *slotInfo) error {
	if !si.breaker.allow(time.Now()) {
		return vtxerr.Newf(vtxerr.KindRespawnExhausted, "slot %d respawn breaker open", si.id)
	}

	cmd := exec.Command(s.cfg.WorkerBinary)
	cmd.Env = []string{
		"VORTEX_SLOT_ID=" + strconv.Itoa(si.id),
		"VORTEX_ARENA_NAME=" + s.ar.Name(),
		"VORTEX_HEARTBEAT_MS=" + strconv.Itoa(s.cfg.HeartbeatMs),
		"VORTEX_MODEL_PATHS=" + strings.Join(s.cfg.ModelPathAllowlist, ":"),
		"PATH=/usr/bin:/bin",
	}
	if s.ipcPath != "" {
		cmd.Env = append(cmd.Env, "VORTEX_IPC_PATH="+s.ipcPath)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		si.spawned = time.Now()
		si.backoff = nextBackoff(si.backoff, s.cfg)
		return vtxerr.Wrap(vtxerr.KindSpawnFailed, "start worker process", err).With("slot", si.id)
	}

	si.cmd = cmd
	si.pid = cmd.Process.Pid
	si.spawned = time.Now()
	si.jobID = ""
	si.cancelSent = time.Time{}

	slot := s.ar.Slot(si.id)
	slot.SetPid(int64(si.pid))
	slot.TouchHeartbeat(time.Now().UnixMilli())
	slot.ClearJobID()
	slot.SetStatus(arena.SlotBooting)

	s.met.RespawnsTotal.Inc()
	log.Printf("[SUPERVISOR] slot %d: spawned worker pid %d", si.id, si.pid)

	// Reap the child and report its exit.
	pid := si.pid
	go func() {
		err := cmd.Wait()
		s.handleExit(si.id, pid, err)
	}()
	return nil
}

// handleExit consumes the child-exit notification.
func (s *Supervisor) handleExit(slotID, pid int, waitErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	si := s.slots[slotID]
	if si.pid != pid {
		return // a newer process owns the slot
	}
	slot := s.ar.Slot(slotID)
	st := slot.Status()
	if st != arena.SlotDead && st != arena.SlotEmpty {
		log.Printf("[SUPERVISOR] slot %d worker pid %d exited (%v)", slotID, pid, waitErr)
		slot.SetStatus(arena.SlotDead)
		s.reportLostJobLocked(si, vtxerr.KindWorkerCrashed)
		s.cleanupLocked(si)
	}
}

// killLocked terminates the slot's process and reports any outstanding job.
func (s *Supervisor) killLocked(si *slotInfo, kind vtxerr.Kind) {
	slot := s.ar.Slot(si.id)
	slot.SetStatus(arena.SlotDead)
	if si.cmd != nil && si.cmd.Process != nil {
		si.cmd.Process.Kill()
	}
	if s.transport != nil {
		s.transport.DropSlot(si.id, vtxerr.Newf(kind, "slot %d terminated", si.id))
	}
	s.reportLostJobLocked(si, kind)
	s.cleanupLocked(si)
}

func (s *Supervisor) reportLostJobLocked(si *slotInfo, kind vtxerr.Kind) {
	if si.jobID == "" {
		return
	}
	jobID := si.jobID
	si.jobID = ""
	si.cancelSent = time.Time{}
	if s.bus != nil {
		s.bus.Emit("", events.WorkerDown, map[string]interface{}{
			"slot": si.id, "job": jobID, "cause": string(kind),
		})
	}
	if s.onFail != nil {
		slotID := si.id
		cb := s.onFail
		go cb(slotID, jobID, kind)
	}
}

// cleanupLocked returns a DEAD slot to EMPTY with respawn backoff applied.
func (s *Supervisor) cleanupLocked(si *slotInfo) {
	slot := s.ar.Slot(si.id)
	slot.SetPid(0)
	slot.ClearJobID()
	slot.SetStatus(arena.SlotEmpty)
	si.cmd = nil
	si.pid = 0
	si.caps = nil
	si.breaker.recordDeath(time.Now())
	si.backoff = nextBackoff(si.backoff, s.cfg)
	si.spawned = time.Now()
}

func nextBackoff(cur time.Duration, cfg config.SupervisorConfig) time.Duration {
	base := time.Duration(cfg.RespawnBackoffMs) * time.Millisecond
	cap := time.Duration(cfg.RespawnBackoffCapMs) * time.Millisecond
	if cur < base {
		return base
	}
	next := cur * 2
	if next > cap {
		return cap
	}
	return next
}

// ----------------------------------------------------------------------------
// Transport integration
// ----------------------------------------------------------------------------

// VerifyHandshake checks peer identity and registers the worker: the
// connecting pid must be what this supervisor most recently spawned for the
// claimed slot. On success the slot transitions BOOTING -> IDLE.
func (s *Supervisor) VerifyHandshake(peerPid int32, hs *ipc.Handshake) (*ipc.HandshakeAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hs.SlotID < 0 || hs.SlotID >= len(s.slots) {
		return nil, vtxerr.Newf(vtxerr.KindProtocolViolation, "handshake claims invalid slot %d", hs.SlotID)
	}
	si := s.slots[hs.SlotID]
	if si.pid == 0 || int32(si.pid) != peerPid {
		return nil, vtxerr.Newf(vtxerr.KindPeerIdentityMismatch,
			"slot %d expects pid %d, peer is %d", hs.SlotID, si.pid, peerPid)
	}
	slot := s.ar.Slot(si.id)
	if !slot.CompareAndSwapStatus(arena.SlotBooting, arena.SlotIdle) {
		return nil, vtxerr.Newf(vtxerr.KindProtocolViolation,
			"slot %d handshake in state %s", si.id, slot.Status())
	}
	si.caps = append([]string(nil), hs.Capabilities...)
	si.breaker.recordHealthy()
	si.backoff = 0
	slot.SetCapabilities(capBits(hs.Capabilities))
	slot.TouchHeartbeat(time.Now().UnixMilli())
	log.Printf("[SUPERVISOR] slot %d: worker pid %d registered (caps %v)", si.id, peerPid, hs.Capabilities)
	s.signalIdle()
	return &ipc.HandshakeAck{SlotID: si.id, ArenaRegionName: s.ar.Name()}, nil
}

// OnHeartbeat refreshes the slot's liveness stamp.
func (s *Supervisor) OnHeartbeat(slotID int) {
	if slotID >= 0 && slotID < len(s.slots) {
		s.ar.Slot(slotID).TouchHeartbeat(time.Now().UnixMilli())
	}
}

// OnDisconnect handles a dropped worker connection.
func (s *Supervisor) OnDisconnect(slotID int, cause error) {
	if slotID < 0 || slotID >= len(s.slots) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	si := s.slots[slotID]
	slot := s.ar.Slot(slotID)
	st := slot.Status()
	if st == arena.SlotIdle || st == arena.SlotBusy || st == arena.SlotBooting {
		kind := vtxerr.KindWorkerCrashed
		if vtxerr.IsKind(cause, vtxerr.KindProtocolViolation) {
			kind = vtxerr.KindProtocolViolation
		}
		log.Printf("[SUPERVISOR] slot %d connection lost: %v", slotID, cause)
		slot.SetStatus(arena.SlotDead)
		if si.cmd != nil && si.cmd.Process != nil {
			si.cmd.Process.Kill()
		}
		s.reportLostJobLocked(si, kind)
		s.cleanupLocked(si)
	}
}

// ----------------------------------------------------------------------------
// Controller-facing slot operations
// ----------------------------------------------------------------------------

// AcquireIdle claims an IDLE slot for dispatch, transitioning it to BUSY.
func (s *Supervisor) AcquireIdle(jobID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, si := range s.slots {
		slot := s.ar.Slot(si.id)
		if slot.CompareAndSwapStatus(arena.SlotIdle, arena.SlotBusy) {
			si.jobID = jobID
			if u, err := uuid.Parse(jobID); err == nil {
				slot.SetJobID(u)
			}
			return si.id, true
		}
	}
	return -1, false
}

// ReleaseToIdle returns a BUSY slot to IDLE after its job terminates.
func (s *Supervisor) ReleaseToIdle(slotID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slotID < 0 || slotID >= len(s.slots) {
		return
	}
	si := s.slots[slotID]
	si.jobID = ""
	si.cancelSent = time.Time{}
	slot := s.ar.Slot(slotID)
	slot.ClearJobID()
	if slot.CompareAndSwapStatus(arena.SlotBusy, arena.SlotIdle) {
		s.signalIdle()
	}
}

// CancelJob sends Cancel to the slot executing jobID and starts the ack
// grace timer; a worker that ignores it is terminated by the scan loop.
func (s *Supervisor) CancelJob(slotID int, jobID string) error {
	s.mu.Lock()
	si := s.slots[slotID]
	if si.jobID == jobID {
		si.cancelSent = time.Now()
	}
	s.mu.Unlock()

	msg, err := ipc.NewMessage(ipc.MsgCancel, &ipc.Cancel{JobID: jobID})
	if err != nil {
		return err
	}
	return s.transport.SendToSlot(slotID, msg)
}

// IdleSignal pulses when a slot becomes available for dispatch.
func (s *Supervisor) IdleSignal() <-chan struct{} { return s.idleCh }

func (s *Supervisor) signalIdle() {
	select {
	case s.idleCh <- struct{}{}:
	default:
	}
}

// SlotView is a read-only snapshot of one slot for inspection surfaces.
type SlotView struct {
	ID           int
	Pid          int64
	Status       arena.SlotStatus
	HeartbeatMs  int64
	Capabilities []string
	JobID        string
}

// Snapshot returns the current state of every slot.
func (s *Supervisor) Snapshot() []SlotView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SlotView, len(s.slots))
	for i, si := range s.slots {
		slot := s.ar.Slot(i)
		out[i] = SlotView{
			ID:           i,
			Pid:          slot.Pid(),
			Status:       slot.Status(),
			HeartbeatMs:  slot.Heartbeat(),
			Capabilities: append([]string(nil), si.caps...),
			JobID:        si.jobID,
		}
	}
	return out
}

func (s *Supervisor) publishSlotGauges() {
	counts := make(map[arena.SlotStatus]int)
	for _, si := range s.slots {
		counts[s.ar.Slot(si.id).Status()]++
	}
	for _, st := range []arena.SlotStatus{arena.SlotEmpty, arena.SlotBooting, arena.SlotIdle, arena.SlotBusy, arena.SlotDead} {
		s.met.WorkerSlots.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}

func capBits(caps []string) uint32 {
	var bits uint32
	for _, c := range caps {
		switch c {
		case "cuda":
			bits |= 1 << 0
		case "fp16":
			bits |= 1 << 1
		case "bf16":
			bits |= 1 << 2
		case "video":
			bits |= 1 << 3
		}
	}
	return bits
}
