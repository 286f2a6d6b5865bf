package arena

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/somatechlat/vortex/internal/vtxerr"
)

// DefaultDir is where named regions live. Every worker maps the same file.
const DefaultDir = "/dev/shm"

// Arena is one mapped shared-memory region: header, slot table, tensor data.
type Arena struct {
	name string
	path string
	file *os.File
	buf  []byte
	size int64

	owner bool // created (vs. attached); owner unlinks on Close

	mu         sync.Mutex
	nextOffset uint64 // bump frontier, relative to region start
	freeList   []span
	allocs     map[uint64]*allocation
}

type span struct {
	off  uint64
	size uint64
}

type allocation struct {
	off         uint64
	size        uint64
	fingerprint [32]byte
}

// Create builds and maps a new named region of the given size. The previous
// region of the same name, if any, is replaced.
func Create(dir, name string, size int64) (*Arena, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if size < DataOffset+AllocAlignment {
		return nil, vtxerr.Newf(vtxerr.KindShmUnavailable, "arena size %d below minimum", size)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, vtxerr.Wrap(vtxerr.KindShmUnavailable, "create arena region", err).With("path", path)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, vtxerr.Wrap(vtxerr.KindShmUnavailable, "size arena region", err).With("path", path)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, vtxerr.Wrap(vtxerr.KindShmUnavailable, "map arena region", err).With("path", path)
	}
	writeHeader(buf)
	a := &Arena{
		name:       name,
		path:       path,
		file:       f,
		buf:        buf,
		size:       size,
		owner:      true,
		nextOffset: DataOffset,
		allocs:     make(map[uint64]*allocation),
	}
	log.Printf("[ARENA] created region %s (%d bytes, %d slots)", name, size, SlotCount)
	return a, nil
}

// Attach maps an existing region and verifies its header. Workers use this;
// a magic or version mismatch means the region is unusable.
func Attach(dir, name string) (*Arena, error) {
	if dir == "" {
		dir = DefaultDir
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, vtxerr.Wrap(vtxerr.KindShmUnavailable, "open arena region", err).With("path", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, vtxerr.Wrap(vtxerr.KindShmUnavailable, "stat arena region", err).With("path", path)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, vtxerr.Wrap(vtxerr.KindShmUnavailable, "map arena region", err).With("path", path)
	}
	if err := verifyHeader(buf); err != nil {
		unix.Munmap(buf)
		f.Close()
		return nil, err
	}
	return &Arena{
		name:       name,
		path:       path,
		file:       f,
		buf:        buf,
		size:       st.Size(),
		nextOffset: DataOffset,
		allocs:     make(map[uint64]*allocation),
	}, nil
}

// Name returns the region name workers receive in the handshake ack.
func (a *Arena) Name() string { return a.name }

// Size returns the total mapped size in bytes.
func (a *Arena) Size() int64 { return a.size }

// Close unmaps the region. The creating process also unlinks the backing file.
func (a *Arena) Close() error {
	if a.buf != nil {
		if err := unix.Munmap(a.buf); err != nil {
			return fmt.Errorf("unmap arena: %w", err)
		}
		a.buf = nil
	}
	if a.file != nil {
		a.file.Close()
		a.file = nil
	}
	if a.owner {
		os.Remove(a.path)
	}
	return nil
}

// Slot returns the view over slot i of the header table.
func (a *Arena) Slot(i int) *Slot {
	if i < 0 || i >= SlotCount {
		panic(fmt.Sprintf("slot index %d out of range", i))
	}
	off := slotTableOff + i*SlotSize
	return &Slot{buf: a.buf[off : off+SlotSize]}
}

// Flags returns the header flag word.
func (a *Arena) Flags() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&a.buf[offFlags])))
}

// SetFlag sets a header flag bit with release ordering.
func (a *Arena) SetFlag(flag uint32) {
	for {
		old := atomic.LoadUint32((*uint32)(unsafe.Pointer(&a.buf[offFlags])))
		if atomic.CompareAndSwapUint32((*uint32)(unsafe.Pointer(&a.buf[offFlags])), old, old|flag) {
			return
		}
	}
}

// ClearFlag clears a header flag bit.
func (a *Arena) ClearFlag(flag uint32) {
	for {
		old := atomic.LoadUint32((*uint32)(unsafe.Pointer(&a.buf[offFlags])))
		if atomic.CompareAndSwapUint32((*uint32)(unsafe.Pointer(&a.buf[offFlags])), old, old&^flag) {
			return
		}
	}
}

// TouchTick advances the monotonic millisecond tick in the header. The
// supervisor's monitor loop calls this; workers compare heartbeats against it.
func (a *Arena) TouchTick() {
	atomic.StoreInt64((*int64)(unsafe.Pointer(&a.buf[offTickMs])), time.Now().UnixMilli())
}

// Tick reads the last published tick.
func (a *Arena) Tick() int64 {
	return atomic.LoadInt64((*int64)(unsafe.Pointer(&a.buf[offTickMs])))
}

// bytesAt returns a view into the tensor region. Callers hold a Handle.
func (a *Arena) bytesAt(off, size uint64) []byte {
	return a.buf[off : off+size]
}
