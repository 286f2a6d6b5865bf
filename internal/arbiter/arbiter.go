// Package arbiter owns device-memory accounting for a controller instance.
// It predicts a plan's peak footprint, plans evictions from the memo store
// when the budget would be exceeded, and performs the arena allocations for
// node outputs. A single logical device is assumed; the Device value carries
// the budget so a multi-device extension is additive.
package arbiter

import (
	"log"
	"math"
	"sort"
	"sync"

	"github.com/somatechlat/vortex/internal/arena"
	"github.com/somatechlat/vortex/internal/graph"
	"github.com/somatechlat/vortex/internal/memo"
	"github.com/somatechlat/vortex/internal/metrics"
	"github.com/somatechlat/vortex/internal/registry"
	"github.com/somatechlat/vortex/internal/scheduler"
	"github.com/somatechlat/vortex/internal/vtxerr"
)

// Device is one logical compute device and its memory budget.
type Device struct {
	ID          string
	BudgetBytes uint64
}

// Arbiter arbitrates the device budget across a run's plan and the memo
// cache. One instance per controller.
type Arbiter struct {
	arena  *arena.Arena
	store  *memo.Store
	reg    *registry.Registry
	device Device
	met    *metrics.Metrics

	mu        sync.Mutex
	costs     map[string]registry.Cost // per prepared plan
	consumers map[memo.Fingerprint]int // cached fp -> earliest plan consumer pos
}

func New(a *arena.Arena, store *memo.Store, reg *registry.Registry, device Device, met *metrics.Metrics) *Arbiter {
	if met == nil {
		met = metrics.Nop()
	}
	return &Arbiter{arena: a, store: store, reg: reg, device: device, met: met}
}

// Costs returns the prepared per-node cost table.
func (ar *Arbiter) Costs() map[string]registry.Cost {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.costs
}

// Prepare computes per-node costs for the plan, predicts the peak, and
// evicts cached entries until the prediction fits the device budget. If the
// budget cannot be met even after evicting every unpinned entry, the run
// fails immediately with ResourceExhausted.
func (ar *Arbiter) Prepare(v *graph.Validated, plan *scheduler.Plan, fps map[string]memo.Fingerprint) error {
	costs := ar.computeCosts(v, plan, fps)
	consumers := consumerIndex(v, plan, fps)

	ar.mu.Lock()
	ar.costs = costs
	ar.consumers = consumers
	ar.mu.Unlock()

	high := planHighWater(plan, costs)
	ar.met.DeviceBytesPlanned.Set(float64(high))

	for {
		resident := ar.cachedResidentBytes()
		if resident+high <= ar.device.BudgetBytes {
			return nil
		}
		victim, ok := ar.pickVictim()
		if !ok {
			return vtxerr.Newf(vtxerr.KindResourceExhausted,
				"predicted peak %d + cached %d exceeds device budget %d with nothing left to evict",
				high, resident, ar.device.BudgetBytes).
				With("predicted_peak", high).With("cached", resident).With("budget", ar.device.BudgetBytes)
		}
		log.Printf("[ARBITER] evicting %s (%d bytes) to fit device budget", victim.Fingerprint, victim.TotalBytes())
		ar.store.Evict(victim.Fingerprint)
		ar.met.EvictionsTotal.Inc()
	}
}

// computeCosts resolves each plan node's cost from its descriptor, feeding
// parent output shapes forward through the plan. Non-plan parents resolve
// from the memo store.
func (ar *Arbiter) computeCosts(v *graph.Validated, plan *scheduler.Plan, fps map[string]memo.Fingerprint) map[string]registry.Cost {
	costs := make(map[string]registry.Cost, plan.Len())
	for _, item := range plan.Items {
		node := v.Graph.Nodes[item.NodeID]
		inputs := make(map[string]registry.ShapeInfo)
		for _, port := range node.InputPorts {
			e, ok := v.InEdge[item.NodeID][port.Name]
			if !ok {
				continue
			}
			if parentCost, inPlan := costs[e.SourceNode]; inPlan {
				if out, ok := parentCost.Outputs[e.SourcePort]; ok {
					inputs[port.Name] = registry.ShapeInfo{DType: out.DType, Shape: out.Shape, Bytes: out.Bytes}
				}
				continue
			}
			if entry, ok := ar.store.Lookup(fps[e.SourceNode]); ok {
				if h, ok := entry.Outputs[e.SourcePort]; ok {
					inputs[port.Name] = registry.ShapeInfo{DType: h.DType, Shape: h.Shape, Bytes: h.Length}
				}
			}
		}
		desc, ok := ar.reg.Lookup(node.Op)
		if !ok || desc.Cost == nil {
			costs[item.NodeID] = registry.Fallback(inputs)
			continue
		}
		costs[item.NodeID] = desc.Cost(inputs, node.Params)
	}
	return costs
}

// consumerIndex maps cached fingerprints to the earliest plan position that
// consumes them: a plan node whose parent sits outside the plan reads that
// parent's outputs from the cache.
func consumerIndex(v *graph.Validated, plan *scheduler.Plan, fps map[string]memo.Fingerprint) map[memo.Fingerprint]int {
	out := make(map[memo.Fingerprint]int)
	for _, item := range plan.Items {
		for _, ref := range v.Parents[item.NodeID] {
			if _, inPlan := plan.Index[ref.NodeID]; inPlan {
				continue
			}
			fp := fps[ref.NodeID]
			if cur, ok := out[fp]; !ok || item.Pos < cur {
				out[fp] = item.Pos
			}
		}
	}
	return out
}

// planHighWater simulates the plan in order: each node adds its peak, its
// transient working set retires immediately after, and each output retires
// at its last-consumer index. The maximum running sum is the prediction, an
// upper bound on concurrent-live allocations.
func planHighWater(plan *scheduler.Plan, costs map[string]registry.Cost) uint64 {
	var running, max uint64
	releases := make(map[int]uint64)
	for i, item := range plan.Items {
		c := costs[item.NodeID]
		running += c.PeakBytes
		if running > max {
			max = running
		}
		var outBytes uint64
		for _, out := range c.Outputs {
			outBytes += out.Bytes
		}
		if c.PeakBytes > outBytes {
			running -= c.PeakBytes - outBytes
		}
		for _, out := range item.Outputs {
			spec, ok := c.Outputs[out.Port]
			if !ok {
				continue
			}
			if out.LastConsumer >= i {
				releases[out.LastConsumer] += spec.Bytes
			}
			// Outputs with no consumer stay resident for memoization; they
			// are not subtracted.
		}
		if freed := releases[i]; freed > 0 && freed <= running {
			running -= freed
		}
	}
	return max
}

// PredictPeak exposes the high-water mark for the prepared plan.
func (ar *Arbiter) PredictPeak(plan *scheduler.Plan) uint64 {
	ar.mu.Lock()
	costs := ar.costs
	ar.mu.Unlock()
	return planHighWater(plan, costs)
}

func (ar *Arbiter) cachedResidentBytes() uint64 {
	var total uint64
	for _, e := range ar.store.Entries() {
		total += e.TotalBytes()
	}
	return total
}

// pickVictim selects the next eviction under the least-future-use policy:
// entries never consumed by the plan score +inf and go first; consumed
// entries score by earliest consumer position (needed sooner = kept longer).
// Ties break by older last use, then by larger size. Pinned entries are
// excluded.
func (ar *Arbiter) pickVictim() (*memo.Entry, bool) {
	ar.mu.Lock()
	consumers := ar.consumers
	ar.mu.Unlock()

	var best *memo.Entry
	var bestScore int
	for _, e := range ar.store.Entries() {
		if e.Pinned() {
			continue
		}
		score, consumed := consumers[e.Fingerprint]
		if !consumed {
			score = math.MaxInt
		}
		if best == nil || score > bestScore ||
			(score == bestScore && olderOrLarger(e, best)) {
			best = e
			bestScore = score
		}
	}
	return best, best != nil
}

func olderOrLarger(a, b *memo.Entry) bool {
	au, bu := a.LastUse(), b.LastUse()
	if !au.Equal(bu) {
		return au.Before(bu)
	}
	return a.TotalBytes() > b.TotalBytes()
}

// AllocateOutputs reserves arena spans for a node's outputs. On allocation
// failure it compacts, evicts one more unpinned entry, and retries once; a
// second failure is ResourceExhausted for the node.
func (ar *Arbiter) AllocateOutputs(nodeID string, fp memo.Fingerprint) (map[string]*arena.Handle, error) {
	ar.mu.Lock()
	cost, ok := ar.costs[nodeID]
	ar.mu.Unlock()
	if !ok {
		return nil, vtxerr.Newf(vtxerr.KindInternal, "no prepared cost for node %q", nodeID)
	}

	ports := make([]string, 0, len(cost.Outputs))
	for port := range cost.Outputs {
		ports = append(ports, port)
	}
	sort.Strings(ports)

	out := make(map[string]*arena.Handle, len(ports))
	for _, port := range ports {
		spec := cost.Outputs[port]
		h, err := ar.arena.Alloc(spec.Bytes, [32]byte(fp), spec.DType, spec.Shape)
		if err != nil {
			if !vtxerr.IsKind(err, vtxerr.KindOutOfArena) {
				releaseAll(out)
				return nil, err
			}
			// Emergency path: compact, shed one more cached entry, retry once.
			ar.arena.Compact()
			ar.evictOne()
			h, err = ar.arena.Alloc(spec.Bytes, [32]byte(fp), spec.DType, spec.Shape)
			if err != nil {
				releaseAll(out)
				return nil, vtxerr.Wrap(vtxerr.KindResourceExhausted, "arena allocation failed after emergency eviction", err).
					With("node", nodeID).With("port", port).With("bytes", spec.Bytes)
			}
		}
		out[port] = h
	}

	ar.met.ArenaBytesInUse.Set(float64(ar.arena.BytesInUse()))
	ar.met.ArenaFragmentation.Set(ar.arena.FragmentationRatio())
	return out, nil
}

// evictOne drops the current least-future-use unpinned entry, if any.
func (ar *Arbiter) evictOne() {
	if victim, ok := ar.pickVictim(); ok {
		log.Printf("[ARBITER] emergency eviction of %s (%d bytes)", victim.Fingerprint, victim.TotalBytes())
		ar.store.Evict(victim.Fingerprint)
		ar.met.EvictionsTotal.Inc()
	}
}

func releaseAll(handles map[string]*arena.Handle) {
	for _, h := range handles {
		h.Release()
	}
}
