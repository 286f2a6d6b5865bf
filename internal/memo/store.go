package memo

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/somatechlat/vortex/internal/arena"
	"github.com/somatechlat/vortex/internal/graph"
)

// Entry is one cached node result. The store holds one handle reference per
// output for as long as the entry lives.
type Entry struct {
	Fingerprint Fingerprint
	Outputs     map[string]*arena.Handle

	lastUseMs int64 // atomic
	useCount  int64 // atomic
	pinned    int32 // atomic
}

// LastUse returns the last access time.
func (e *Entry) LastUse() time.Time {
	return time.UnixMilli(atomic.LoadInt64(&e.lastUseMs))
}

// UseCount returns the access count.
func (e *Entry) UseCount() int64 {
	return atomic.LoadInt64(&e.useCount)
}

// Pinned entries are never evicted.
func (e *Entry) Pinned() bool {
	return atomic.LoadInt32(&e.pinned) != 0
}

// TotalBytes sums the cached output sizes.
func (e *Entry) TotalBytes() uint64 {
	var n uint64
	for _, h := range e.Outputs {
		n += h.Length
	}
	return n
}

func (e *Entry) touch() {
	atomic.StoreInt64(&e.lastUseMs, time.Now().UnixMilli())
	atomic.AddInt64(&e.useCount, 1)
}

// Store maps fingerprints to cached output handles. Reads are lock-free over
// an immutable map snapshot; writes copy and swap under a single lock, so
// readers never block a writer longer than the swap.
type Store struct {
	mu sync.Mutex
	m  atomic.Value // map[Fingerprint]*Entry
}

func NewStore() *Store {
	s := &Store{}
	s.m.Store(make(map[Fingerprint]*Entry))
	return s
}

func (s *Store) snapshot() map[Fingerprint]*Entry {
	return s.m.Load().(map[Fingerprint]*Entry)
}

// Lookup returns the entry for fp, bumping its use statistics.
func (s *Store) Lookup(fp Fingerprint) (*Entry, bool) {
	e, ok := s.snapshot()[fp]
	if ok {
		e.touch()
	}
	return e, ok
}

// Has reports presence without touching use statistics.
func (s *Store) Has(fp Fingerprint) bool {
	_, ok := s.snapshot()[fp]
	return ok
}

// Put caches outputs under fp, retaining one reference per handle. An
// existing entry for fp is replaced and its references released.
func (s *Store) Put(fp Fingerprint, outputs map[string]*arena.Handle) *Entry {
	e := &Entry{
		Fingerprint: fp,
		Outputs:     make(map[string]*arena.Handle, len(outputs)),
		lastUseMs:   time.Now().UnixMilli(),
	}
	for port, h := range outputs {
		h.Retain()
		e.Outputs[port] = h
	}

	s.mu.Lock()
	old := s.snapshot()
	next := make(map[Fingerprint]*Entry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	prev := next[fp]
	next[fp] = e
	s.m.Store(next)
	s.mu.Unlock()

	if prev != nil {
		for _, h := range prev.Outputs {
			h.Release()
		}
	}
	return e
}

// Evict removes fp and releases the store's handle references. Pinned
// entries are refused.
func (s *Store) Evict(fp Fingerprint) bool {
	s.mu.Lock()
	old := s.snapshot()
	e, ok := old[fp]
	if !ok || e.Pinned() {
		s.mu.Unlock()
		return false
	}
	next := make(map[Fingerprint]*Entry, len(old))
	for k, v := range old {
		if k != fp {
			next[k] = v
		}
	}
	s.m.Store(next)
	s.mu.Unlock()

	for _, h := range e.Outputs {
		h.Release()
	}
	return true
}

// Pin excludes fp from eviction.
func (s *Store) Pin(fp Fingerprint) {
	if e, ok := s.snapshot()[fp]; ok {
		atomic.StoreInt32(&e.pinned, 1)
	}
}

// Unpin re-admits fp to eviction.
func (s *Store) Unpin(fp Fingerprint) {
	if e, ok := s.snapshot()[fp]; ok {
		atomic.StoreInt32(&e.pinned, 0)
	}
}

// Entries returns a deterministic (fingerprint-ordered) snapshot.
func (s *Store) Entries() []*Entry {
	snap := s.snapshot()
	out := make([]*Entry, 0, len(snap))
	for _, e := range snap {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Fingerprint, out[j].Fingerprint
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return out
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	return len(s.snapshot())
}

// DirtySet returns the nodes a run must execute: every node whose
// fingerprint misses the store, plus all transitive descendants of those.
func DirtySet(v *graph.Validated, fps map[string]Fingerprint, s *Store) map[string]struct{} {
	dirty := make(map[string]struct{})
	for _, id := range v.Order {
		if _, already := dirty[id]; already {
			continue
		}
		if !s.Has(fps[id]) {
			markDirty(v, id, dirty)
		}
	}
	return dirty
}

func markDirty(v *graph.Validated, id string, dirty map[string]struct{}) {
	if _, ok := dirty[id]; ok {
		return
	}
	dirty[id] = struct{}{}
	for _, child := range v.Children[id] {
		markDirty(v, child, dirty)
	}
}
