// Package arena implements the shared-memory region that carries the worker
// slot table and all tensor payloads. The controller and every worker process
// map the same region; only handles cross the IPC wire.
package arena

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/somatechlat/vortex/internal/vtxerr"
)

// Magic identifies the region: "VTX3" + version word.
const Magic uint64 = 0x5654583300000001

// CompatVersion is bumped on any layout change. Strict match is required;
// there is no cross-version negotiation.
const CompatVersion uint32 = 1

// Region layout. The header occupies the first 64 bytes, the slot table the
// next 16 KiB, and the tensor data region begins at the next 4 KiB boundary.
const (
	HeaderSize    = 64
	SlotCount     = 256
	SlotSize      = 64
	slotTableOff  = HeaderSize
	slotTableSize = SlotCount * SlotSize
	DataOffset    = 20480 // align(HeaderSize+slotTableSize, 4096)

	// AllocAlignment is the tensor allocation granularity, chosen for
	// device-memory coalescing.
	AllocAlignment = 256
)

// Header field offsets.
const (
	offMagic   = 0
	offVersion = 8
	offFlags   = 12
	offTickMs  = 16
)

// Header flag bits.
const (
	FlagSystemReady uint32 = 1 << 0
	FlagDraining    uint32 = 1 << 1
)

// Slot status values, stored atomically in the slot record.
type SlotStatus uint32

const (
	SlotEmpty SlotStatus = iota
	SlotBooting
	SlotIdle
	SlotBusy
	SlotDead
)

func (s SlotStatus) String() string {
	switch s {
	case SlotEmpty:
		return "EMPTY"
	case SlotBooting:
		return "BOOTING"
	case SlotIdle:
		return "IDLE"
	case SlotBusy:
		return "BUSY"
	case SlotDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Slot record field offsets within a 64-byte slot.
const (
	slotOffPid       = 0  // int64
	slotOffHeartbeat = 8  // int64, unix milliseconds
	slotOffStatus    = 16 // uint32
	slotOffCaps      = 20 // uint32 capability bits
	slotOffJobID     = 24 // 16 bytes, UUID of the assigned job
)

// Slot is a view over one fixed-size worker record inside the mapped region.
// Status and heartbeat use release-store / acquire-load pairs so the
// supervisor's scan and the worker's heartbeat never tear.
type Slot struct {
	buf []byte // the 64-byte slot window
}

func (s *Slot) Pid() int64 {
	return atomic.LoadInt64((*int64)(unsafe.Pointer(&s.buf[slotOffPid])))
}

func (s *Slot) SetPid(pid int64) {
	atomic.StoreInt64((*int64)(unsafe.Pointer(&s.buf[slotOffPid])), pid)
}

func (s *Slot) Heartbeat() int64 {
	return atomic.LoadInt64((*int64)(unsafe.Pointer(&s.buf[slotOffHeartbeat])))
}

// TouchHeartbeat records the worker's liveness timestamp (unix ms).
func (s *Slot) TouchHeartbeat(nowMs int64) {
	atomic.StoreInt64((*int64)(unsafe.Pointer(&s.buf[slotOffHeartbeat])), nowMs)
}

func (s *Slot) Status() SlotStatus {
	return SlotStatus(atomic.LoadUint32((*uint32)(unsafe.Pointer(&s.buf[slotOffStatus]))))
}

func (s *Slot) SetStatus(st SlotStatus) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&s.buf[slotOffStatus])), uint32(st))
}

// CompareAndSwapStatus transitions the slot only from an expected state.
func (s *Slot) CompareAndSwapStatus(from, to SlotStatus) bool {
	return atomic.CompareAndSwapUint32(
		(*uint32)(unsafe.Pointer(&s.buf[slotOffStatus])), uint32(from), uint32(to))
}

func (s *Slot) Capabilities() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&s.buf[slotOffCaps])))
}

func (s *Slot) SetCapabilities(caps uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&s.buf[slotOffCaps])), caps)
}

// JobID returns the 16-byte identifier of the currently assigned job.
// Zero means no job. Written only by the supervisor while the slot is held.
func (s *Slot) JobID() [16]byte {
	var id [16]byte
	copy(id[:], s.buf[slotOffJobID:slotOffJobID+16])
	return id
}

func (s *Slot) SetJobID(id [16]byte) {
	copy(s.buf[slotOffJobID:slotOffJobID+16], id[:])
}

func (s *Slot) ClearJobID() {
	var zero [16]byte
	s.SetJobID(zero)
}

// writeHeader initializes a freshly created region.
func writeHeader(buf []byte) {
	binary.LittleEndian.PutUint64(buf[offMagic:], Magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], CompatVersion)
	binary.LittleEndian.PutUint32(buf[offFlags:], 0)
	binary.LittleEndian.PutUint64(buf[offTickMs:], 0)
}

// verifyHeader re-checks the magic and version after mapping. Any process
// that maps the region must refuse to proceed on mismatch.
func verifyHeader(buf []byte) error {
	if len(buf) < DataOffset {
		return vtxerr.Newf(vtxerr.KindCorruptHeader, "region smaller than header layout: %d bytes", len(buf))
	}
	if got := binary.LittleEndian.Uint64(buf[offMagic:]); got != Magic {
		return vtxerr.Newf(vtxerr.KindCorruptHeader, "bad arena magic").
			With("expected", Magic).With("got", got)
	}
	if got := binary.LittleEndian.Uint32(buf[offVersion:]); got != CompatVersion {
		return vtxerr.Newf(vtxerr.KindVersionMismatch, "arena version mismatch").
			With("expected", CompatVersion).With("got", got)
	}
	return nil
}
