// Package journal is the append-only durable record of runs and per-node
// outcomes, stored in an embedded buntdb file. Writes are transactional per
// run: a batched update either lands whole or not at all.
package journal

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/somatechlat/vortex/internal/vtxerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RunStatus is the run lifecycle state.
type RunStatus string

const (
	RunPending   RunStatus = "Pending"
	RunCompiling RunStatus = "Compiling"
	RunRunning   RunStatus = "Running"
	RunCompleted RunStatus = "Completed"
	RunFailed    RunStatus = "Failed"
	RunCancelled RunStatus = "Cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunRecord is the per-run row.
type RunRecord struct {
	ID               string                 `json:"id"`
	GraphFingerprint string                 `json:"graph_fingerprint"`
	Status           RunStatus              `json:"status"`
	StartMs          int64                  `json:"start_ms"`
	EndMs            int64                  `json:"end_ms,omitempty"`
	Error            map[string]interface{} `json:"error,omitempty"`
}

// NodeRecord is the per-node row within a run.
type NodeRecord struct {
	RunID           string `json:"run_id"`
	NodeID          string `json:"node_id"`
	Status          string `json:"status"`
	SlotID          int    `json:"slot_id"`
	DurationMs      int64  `json:"duration_ms"`
	PeakDeviceBytes uint64 `json:"peak_device_bytes"`
}

// Journal wraps the database. A single serialized writer is assumed; buntdb
// serializes Update transactions itself.
type Journal struct {
	db *buntdb.DB
}

// Open creates or opens the journal file. ":memory:" gives an ephemeral
// journal for tests.
func Open(path string) (*Journal, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// Durability over throughput: every commit fsyncs.
	if err := db.SetConfig(buntdb.Config{SyncPolicy: buntdb.Always}); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.CreateIndex("run_start", "run:*", buntdb.IndexJSON("start_ms")); err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func runKey(id string) string             { return "run:" + id }
func nodeKey(runID, nodeID string) string { return "runnode:" + runID + ":" + nodeID }
func nodePrefix(runID string) string      { return "runnode:" + runID + ":" }

// SaveRun upserts the run row and any node rows in one transaction, so a run
// is never observable in a partial state.
func (j *Journal) SaveRun(run *RunRecord, nodes []*NodeRecord) error {
	return j.db.Update(func(tx *buntdb.Tx) error {
		raw, err := json.MarshalToString(run)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(runKey(run.ID), raw, nil); err != nil {
			return err
		}
		for _, n := range nodes {
			nraw, err := json.MarshalToString(n)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(nodeKey(n.RunID, n.NodeID), nraw, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRun returns one run row.
func (j *Journal) GetRun(id string) (*RunRecord, error) {
	var rec RunRecord
	err := j.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(runKey(id))
		if err != nil {
			return err
		}
		return json.UnmarshalFromString(raw, &rec)
	})
	if err == buntdb.ErrNotFound {
		return nil, vtxerr.Newf(vtxerr.KindInternal, "run %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetNodes returns the node rows of a run, unordered.
func (j *Journal) GetNodes(runID string) ([]*NodeRecord, error) {
	var out []*NodeRecord
	err := j.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(nodePrefix(runID)+"*", func(key, raw string) bool {
			if !strings.HasPrefix(key, nodePrefix(runID)) {
				return false
			}
			var n NodeRecord
			if json.UnmarshalFromString(raw, &n) == nil {
				out = append(out, &n)
			}
			return true
		})
	})
	return out, err
}

// RunsBetween returns runs whose start time falls in [from, to], ascending.
func (j *Journal) RunsBetween(from, to time.Time) ([]*RunRecord, error) {
	fromMs, toMs := from.UnixMilli(), to.UnixMilli()
	var out []*RunRecord
	err := j.db.View(func(tx *buntdb.Tx) error {
		pivot := fmt.Sprintf(`{"start_ms":%d}`, fromMs)
		return tx.AscendGreaterOrEqual("run_start", pivot, func(key, raw string) bool {
			var rec RunRecord
			if json.UnmarshalFromString(raw, &rec) != nil {
				return true
			}
			if rec.StartMs > toMs {
				return false
			}
			out = append(out, &rec)
			return true
		})
	})
	return out, err
}
