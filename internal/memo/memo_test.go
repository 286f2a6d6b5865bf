package memo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somatechlat/vortex/internal/arena"
	"github.com/somatechlat/vortex/internal/graph"
)

func testArena(t *testing.T) *arena.Arena {
	t.Helper()
	a, err := arena.Create(t.TempDir(), "vtx_memo_test", 4<<20)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func chain(params map[string]map[string]interface{}, ids ...string) *graph.Validated {
	g := &graph.Graph{SchemaVersion: 1, Nodes: map[string]*graph.Node{}}
	for i, id := range ids {
		n := &graph.Node{ID: id, Op: "op.pass", Params: map[string]interface{}{},
			OutputPorts: []graph.Port{{Name: "out", Type: "tensor"}}}
		if p, ok := params[id]; ok {
			n.Params = p
		}
		if i > 0 {
			n.InputPorts = []graph.Port{{Name: "in", Type: "tensor"}}
			g.Edges = append(g.Edges, graph.Edge{
				SourceNode: ids[i-1], SourcePort: "out", TargetNode: id, TargetPort: "in"})
		}
		g.Nodes[id] = n
	}
	v, err := graph.Validate(g, nil)
	if err != nil {
		panic(err)
	}
	return v
}

func TestFingerprintStability(t *testing.T) {
	v := chain(nil, "A", "B")
	fp1 := ComputeFingerprints(v)
	fp2 := ComputeFingerprints(v)
	assert.Equal(t, fp1, fp2)
}

func TestFingerprintChangesWithParams(t *testing.T) {
	base := chain(map[string]map[string]interface{}{
		"B": {"seed": float64(1)},
	}, "A", "B", "C")
	mutated := chain(map[string]map[string]interface{}{
		"B": {"seed": float64(2)},
	}, "A", "B", "C")

	fps1 := ComputeFingerprints(base)
	fps2 := ComputeFingerprints(mutated)

	assert.Equal(t, fps1["A"], fps2["A"], "upstream node unaffected")
	assert.NotEqual(t, fps1["B"], fps2["B"], "changed node re-fingerprints")
	assert.NotEqual(t, fps1["C"], fps2["C"], "parent change propagates downstream")
}

func TestFingerprintChangesWithOp(t *testing.T) {
	a := NodeFingerprint("op.one", nil, nil)
	b := NodeFingerprint("op.two", nil, nil)
	assert.NotEqual(t, a, b)
}

func TestCanonicalParamsKeyOrderInsensitive(t *testing.T) {
	// Maps iterate in random order; canonical form must not.
	p := map[string]interface{}{"zz": "v", "aa": float64(1), "mm": true}
	first := CanonicalParams(p)
	for i := 0; i < 16; i++ {
		assert.Equal(t, first, CanonicalParams(map[string]interface{}{
			"mm": true, "aa": float64(1), "zz": "v",
		}))
	}
}

func TestCanonicalParamsNested(t *testing.T) {
	a := CanonicalParams(map[string]interface{}{
		"cfg": map[string]interface{}{"x": float64(1), "y": "s"},
		"ls":  []interface{}{float64(1), float64(2)},
	})
	b := CanonicalParams(map[string]interface{}{
		"ls":  []interface{}{float64(1), float64(2)},
		"cfg": map[string]interface{}{"y": "s", "x": float64(1)},
	})
	assert.Equal(t, a, b)

	c := CanonicalParams(map[string]interface{}{
		"cfg": map[string]interface{}{"x": float64(2), "y": "s"},
		"ls":  []interface{}{float64(1), float64(2)},
	})
	assert.NotEqual(t, a, c)
}

func TestStorePutLookupEvict(t *testing.T) {
	ar := testArena(t)
	s := NewStore()
	var fp Fingerprint
	fp[0] = 1

	h, err := ar.Alloc(1024, [32]byte(fp), "f32", []int64{256})
	require.NoError(t, err)
	s.Put(fp, map[string]*arena.Handle{"out": h})
	assert.Equal(t, int32(2), h.Refs(), "alloc ref + memo ref")

	e, ok := s.Lookup(fp)
	require.True(t, ok)
	assert.Equal(t, uint64(1024), e.TotalBytes())
	assert.EqualValues(t, 1, e.UseCount())

	// Producer drops its working ref; the memo keeps the tensor alive.
	h.Release()
	assert.Equal(t, 1, ar.AllocationCount())

	require.True(t, s.Evict(fp))
	assert.Equal(t, 0, ar.AllocationCount(), "eviction releases the last reference")
	_, ok = s.Lookup(fp)
	assert.False(t, ok)
}

func TestStorePinnedNeverEvicted(t *testing.T) {
	ar := testArena(t)
	s := NewStore()
	var fp Fingerprint
	fp[0] = 7

	h, err := ar.Alloc(512, [32]byte(fp), "f32", nil)
	require.NoError(t, err)
	s.Put(fp, map[string]*arena.Handle{"out": h})
	h.Release()

	s.Pin(fp)
	assert.False(t, s.Evict(fp))
	_, ok := s.Lookup(fp)
	assert.True(t, ok)

	s.Unpin(fp)
	assert.True(t, s.Evict(fp))
}

func TestDirtySetPropagation(t *testing.T) {
	ar := testArena(t)
	v := chain(nil, "A", "B", "C")
	fps := ComputeFingerprints(v)
	s := NewStore()

	// Nothing cached: everything is dirty.
	dirty := DirtySet(v, fps, s)
	assert.Len(t, dirty, 3)

	// Cache all three, nothing is dirty.
	for _, id := range v.Order {
		h, err := ar.Alloc(256, [32]byte(fps[id]), "f32", nil)
		require.NoError(t, err)
		s.Put(fps[id], map[string]*arena.Handle{"out": h})
		h.Release()
	}
	dirty = DirtySet(v, fps, s)
	assert.Empty(t, dirty)

	// A seed change on B dirties B and its descendant C, never A.
	mutated := chain(map[string]map[string]interface{}{
		"B": {"seed": float64(99)},
	}, "A", "B", "C")
	mfps := ComputeFingerprints(mutated)
	dirty = DirtySet(mutated, mfps, s)
	assert.Len(t, dirty, 2)
	assert.Contains(t, dirty, "B")
	assert.Contains(t, dirty, "C")
	assert.NotContains(t, dirty, "A")
}

func TestGraphFingerprintCoversSinks(t *testing.T) {
	v1 := chain(nil, "A", "B")
	v2 := chain(map[string]map[string]interface{}{
		"B": {"seed": float64(3)},
	}, "A", "B")
	f1 := GraphFingerprint(v1, ComputeFingerprints(v1))
	f2 := GraphFingerprint(v2, ComputeFingerprints(v2))
	assert.NotEqual(t, f1, f2)
	assert.NotEmpty(t, f1.String())

	parsed, err := ParseFingerprint(f1.String())
	require.NoError(t, err)
	assert.Equal(t, f1, parsed)
}
