// Package memo computes content-addressed node fingerprints and caches the
// output handles of executed nodes. A node's fingerprint covers its
// operation, its canonically serialized parameters, and its parents'
// fingerprints in declared input-port order, so any upstream change
// invalidates the whole downstream cone.
package memo

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/somatechlat/vortex/internal/graph"
)

// Fingerprint is the 256-bit content identity of a node.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ParseFingerprint decodes the hex form.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(f) {
		return f, fmt.Errorf("bad fingerprint %q", s)
	}
	copy(f[:], raw)
	return f, nil
}

// value type tags for canonical parameter serialization.
const (
	tagNil    byte = 'n'
	tagBool   byte = 'b'
	tagNumber byte = 'f'
	tagString byte = 's'
	tagMap    byte = 'm'
	tagList   byte = 'l'
)

// appendCanonical serializes a scalar parameter value in the fixed canonical
// form: little-endian numerics, length-prefixed UTF-8 text, recursive
// key-sorted maps. Keys compare bytewise, never by locale.
func appendCanonical(buf []byte, v interface{}) []byte {
	switch val := v.(type) {
	case nil:
		return append(buf, tagNil)
	case bool:
		buf = append(buf, tagBool)
		if val {
			return append(buf, 1)
		}
		return append(buf, 0)
	case float64:
		buf = append(buf, tagNumber)
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(val))
	case int:
		return appendCanonical(buf, float64(val))
	case int64:
		return appendCanonical(buf, float64(val))
	case string:
		buf = append(buf, tagString)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(val)))
		return append(buf, val...)
	case []interface{}:
		buf = append(buf, tagList)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(val)))
		for _, item := range val {
			buf = appendCanonical(buf, item)
		}
		return buf
	case map[string]interface{}:
		buf = append(buf, tagMap)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(val)))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(k)))
			buf = append(buf, k...)
			buf = appendCanonical(buf, val[k])
		}
		return buf
	default:
		// Unknown kinds hash their printed form. Documents decoded from JSON
		// only carry the kinds above; the validators do not reject other
		// kinds in parameters that no descriptor declares.
		return appendCanonical(buf, fmt.Sprintf("%v", val))
	}
}

// CanonicalParams returns the canonical byte form of a parameter map.
func CanonicalParams(params map[string]interface{}) []byte {
	return appendCanonical(nil, params)
}

// NodeFingerprint hashes op ‖ canonical params ‖ parent fingerprints.
func NodeFingerprint(op string, params map[string]interface{}, parents []Fingerprint) Fingerprint {
	h := sha256.New()
	h.Write([]byte(op))
	h.Write(CanonicalParams(params))
	for _, p := range parents {
		h.Write(p[:])
	}
	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}

// ComputeFingerprints walks the topological order and fingerprints every
// node. Parents contribute in declared input-port order.
func ComputeFingerprints(v *graph.Validated) map[string]Fingerprint {
	fps := make(map[string]Fingerprint, len(v.Order))
	for _, id := range v.Order {
		n := v.Graph.Nodes[id]
		var parents []Fingerprint
		for _, ref := range v.Parents[id] {
			parents = append(parents, fps[ref.NodeID])
		}
		fps[id] = NodeFingerprint(n.Op, n.Params, parents)
	}
	return fps
}

// GraphFingerprint hashes the fingerprints of the graph's sinks (nodes with
// no children), identifying the run's root output set.
func GraphFingerprint(v *graph.Validated, fps map[string]Fingerprint) Fingerprint {
	var sinks []string
	for _, id := range v.Order {
		if len(v.Children[id]) == 0 {
			sinks = append(sinks, id)
		}
	}
	sort.Strings(sinks)
	h := sha256.New()
	for _, id := range sinks {
		fp := fps[id]
		h.Write(fp[:])
	}
	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}
