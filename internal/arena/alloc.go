package arena

import (
	"log"
	"sort"
	"sync/atomic"

	"github.com/somatechlat/vortex/internal/vtxerr"
)

// Handle is an opaque reference to a tensor region inside the arena. The
// reference count gates release: the memo store holds one reference while an
// entry is cached, and every pending consumer job holds one.
type Handle struct {
	arena *Arena

	Offset    uint64
	Length    uint64
	DType     string
	Shape     []int64
	Alignment uint32

	refs int32
}

// Retain adds a reference.
func (h *Handle) Retain() {
	atomic.AddInt32(&h.refs, 1)
}

// Release drops a reference; the backing span returns to the free list when
// the count reaches zero.
func (h *Handle) Release() {
	if atomic.AddInt32(&h.refs, -1) == 0 {
		h.arena.free(h.Offset)
	}
}

// Refs returns the current reference count.
func (h *Handle) Refs() int32 {
	return atomic.LoadInt32(&h.refs)
}

// Bytes returns the mapped byte window for this handle. Producers write the
// bytes before publishing the handle; consumers read after acquiring it.
func (h *Handle) Bytes() []byte {
	return h.arena.bytesAt(h.Offset, h.Length)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// fragStallThreshold: when largest-free-block / total-free drops below this,
// allocation stalls until compaction completes.
const fragStallThreshold = 0.7

// Alloc reserves size bytes in the tensor region, 256-byte aligned, recording
// the owning fingerprint. The returned handle starts with one reference.
func (a *Arena) Alloc(size uint64, fingerprint [32]byte, dtype string, shape []int64) (*Handle, error) {
	if size == 0 {
		return nil, vtxerr.New(vtxerr.KindOutOfArena, "zero-size allocation")
	}
	need := alignUp(size, AllocAlignment)

	a.mu.Lock()
	defer a.mu.Unlock()

	if ratio, frag := a.fragmentationLocked(); frag && ratio < fragStallThreshold {
		a.compactLocked()
	}

	off, ok := a.takeLocked(need)
	if !ok {
		a.compactLocked()
		off, ok = a.takeLocked(need)
	}
	if !ok {
		return nil, vtxerr.Newf(vtxerr.KindOutOfArena, "no span of %d bytes available", need).
			With("in_use", a.inUseLocked()).With("region", a.size)
	}

	a.allocs[off] = &allocation{off: off, size: need, fingerprint: fingerprint}
	h := &Handle{
		arena:     a,
		Offset:    off,
		Length:    size,
		DType:     dtype,
		Shape:     append([]int64(nil), shape...),
		Alignment: AllocAlignment,
		refs:      1,
	}
	return h, nil
}

// HandleAt reconstructs a handle view for a region the controller already
// owns, e.g. when a worker reports output offsets it wrote into spans the
// arbiter reserved. The view is a separate Handle with its own count of one;
// it shares no count with the original handle, and releasing it frees the
// span.
func (a *Arena) HandleAt(off, length uint64, dtype string, shape []int64) *Handle {
	return &Handle{
		arena:     a,
		Offset:    off,
		Length:    length,
		DType:     dtype,
		Shape:     append([]int64(nil), shape...),
		Alignment: AllocAlignment,
		refs:      1,
	}
}

// takeLocked finds a span: first fit from the free list, else the bump frontier.
func (a *Arena) takeLocked(need uint64) (uint64, bool) {
	for i, s := range a.freeList {
		if s.size >= need {
			off := s.off
			if s.size == need {
				a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
			} else {
				a.freeList[i] = span{off: s.off + need, size: s.size - need}
			}
			return off, true
		}
	}
	if a.nextOffset+need <= uint64(a.size) {
		off := a.nextOffset
		a.nextOffset += need
		return off, true
	}
	return 0, false
}

func (a *Arena) free(off uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.allocs[off]
	if !ok {
		log.Printf("[ARENA] double free at offset %d ignored", off)
		return
	}
	delete(a.allocs, off)
	a.freeList = append(a.freeList, span{off: alloc.off, size: alloc.size})
}

// compactLocked coalesces adjacent free spans and returns trailing free space
// to the bump frontier.
func (a *Arena) compactLocked() {
	if len(a.freeList) == 0 {
		return
	}
	sort.Slice(a.freeList, func(i, j int) bool { return a.freeList[i].off < a.freeList[j].off })
	merged := a.freeList[:1]
	for _, s := range a.freeList[1:] {
		last := &merged[len(merged)-1]
		if last.off+last.size == s.off {
			last.size += s.size
		} else {
			merged = append(merged, s)
		}
	}
	// A free span that touches the bump frontier rolls the frontier back.
	if last := merged[len(merged)-1]; last.off+last.size == a.nextOffset {
		a.nextOffset = last.off
		merged = merged[:len(merged)-1]
	}
	a.freeList = append([]span(nil), merged...)
}

// Compact runs a coalescing pass. Exposed for the arbiter's opportunistic
// compaction before emergency eviction.
func (a *Arena) Compact() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.compactLocked()
}

// fragmentationLocked returns largest-free / total-free and whether any free
// space exists at all.
func (a *Arena) fragmentationLocked() (float64, bool) {
	var total, largest uint64
	for _, s := range a.freeList {
		total += s.size
		if s.size > largest {
			largest = s.size
		}
	}
	if total == 0 {
		return 1, false
	}
	return float64(largest) / float64(total), true
}

// FragmentationRatio reports largest-free-block / total-free (1.0 when no
// free list exists).
func (a *Arena) FragmentationRatio() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, _ := a.fragmentationLocked()
	return r
}

func (a *Arena) inUseLocked() uint64 {
	var total uint64
	for _, al := range a.allocs {
		total += al.size
	}
	return total
}

// BytesInUse returns the total size of live allocations.
func (a *Arena) BytesInUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUseLocked()
}

// AllocationCount returns the number of live allocations.
func (a *Arena) AllocationCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocs)
}
