package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somatechlat/vortex/internal/arena"
	"github.com/somatechlat/vortex/internal/config"
	"github.com/somatechlat/vortex/internal/graph"
	"github.com/somatechlat/vortex/internal/journal"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Arena.Dir = dir
	cfg.Arena.Name = "vtx_engine_test"
	cfg.Arena.SizeBytes = 8 << 20
	cfg.IPC.Path = filepath.Join(dir, "vortex.sock")
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	cfg.Supervisor.MaxWorkers = 0 // no real worker binary in tests
	return cfg
}

func TestEngineAssembles(t *testing.T) {
	eng, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer eng.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	assert.NotZero(t, eng.Arena.Flags()&arena.FlagSystemReady)
	assert.NotNil(t, eng.Controller)
	assert.Contains(t, eng.Registry.Ops(), "sampler.k")
}

func TestEngineRejectsInvalidGraphSubmission(t *testing.T) {
	eng, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer eng.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	// A cyclic two-node document fails at compile and lands in the journal
	// as Failed without any dispatch.
	g := &graph.Graph{SchemaVersion: 1, Nodes: map[string]*graph.Node{
		"a": {ID: "a", Op: "sampler.k", Params: map[string]interface{}{"seed": float64(1)},
			InputPorts:  []graph.Port{{Name: "latent", Type: "latent"}},
			OutputPorts: []graph.Port{{Name: "latent", Type: "latent"}}},
		"b": {ID: "b", Op: "sampler.k", Params: map[string]interface{}{"seed": float64(2)},
			InputPorts:  []graph.Port{{Name: "latent", Type: "latent"}},
			OutputPorts: []graph.Port{{Name: "latent", Type: "latent"}}},
	}, Edges: []graph.Edge{
		{SourceNode: "a", SourcePort: "latent", TargetNode: "b", TargetPort: "latent"},
		{SourceNode: "b", SourcePort: "latent", TargetNode: "a", TargetPort: "latent"},
	}}

	runID, err := eng.Controller.Start(ctx, g)
	require.NoError(t, err)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	rec, err := eng.Controller.Wait(waitCtx, runID)
	require.NoError(t, err)
	assert.Equal(t, journal.RunFailed, rec.Status)
}
