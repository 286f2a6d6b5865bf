package scheduler

import (
	"container/heap"
	"sync"

	"github.com/somatechlat/vortex/internal/graph"
)

// ReadyQueue yields plan nodes whose dirty parents have all produced
// outputs. Concurrently ready nodes come out by plan position, then by
// identifier, so dispatch order is stable.
type ReadyQueue struct {
	mu        sync.Mutex
	plan      *Plan
	pending   map[string]int // dirty-parent count per plan node
	children  map[string][]string
	heap      itemHeap
	cancelled bool
}

// NewReadyQueue initializes pending-parent counts from the validated graph's
// adjacency, restricted to the plan.
func NewReadyQueue(v *graph.Validated, plan *Plan) *ReadyQueue {
	q := &ReadyQueue{
		plan:     plan,
		pending:  make(map[string]int, plan.Len()),
		children: make(map[string][]string, plan.Len()),
	}
	for _, item := range plan.Items {
		count := 0
		seen := make(map[string]struct{})
		for _, ref := range v.Parents[item.NodeID] {
			if _, inPlan := plan.Index[ref.NodeID]; !inPlan {
				continue
			}
			if _, dup := seen[ref.NodeID]; dup {
				continue
			}
			seen[ref.NodeID] = struct{}{}
			count++
		}
		q.pending[item.NodeID] = count
		if count == 0 {
			heap.Push(&q.heap, item)
		}
	}
	for _, item := range plan.Items {
		for _, child := range v.Children[item.NodeID] {
			if _, inPlan := plan.Index[child]; inPlan {
				q.children[item.NodeID] = append(q.children[item.NodeID], child)
			}
		}
	}
	return q
}

// Pop returns the next ready node, or false when none is ready right now.
func (q *ReadyQueue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelled || q.heap.Len() == 0 {
		return Item{}, false
	}
	return heap.Pop(&q.heap).(Item), true
}

// Complete records that a node has produced its outputs and enqueues any
// children that became ready. Returns the newly ready node ids.
func (q *ReadyQueue) Complete(nodeID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ready []string
	for _, child := range q.children[nodeID] {
		q.pending[child]--
		if q.pending[child] == 0 && !q.cancelled {
			item, _ := q.plan.Item(child)
			heap.Push(&q.heap, item)
			ready = append(ready, child)
		}
	}
	return ready
}

// Cancel drains the queue and prevents further emission.
func (q *ReadyQueue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = true
	q.heap = nil
}

// ReadyLen returns how many nodes are ready right now.
func (q *ReadyQueue) ReadyLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].Pos != h[j].Pos {
		return h[i].Pos < h[j].Pos
	}
	return h[i].NodeID < h[j].NodeID
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(Item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
