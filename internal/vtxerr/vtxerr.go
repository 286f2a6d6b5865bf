// Package vtxerr defines the structured error taxonomy of the control plane.
// Every failure that crosses a component boundary carries a Kind, a human
// message, and a structured context blob; callers dispatch on Kind via
// errors.Is rather than string matching.
package vtxerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a control-plane failure.
type Kind string

const (
	// Arena
	KindShmUnavailable  Kind = "SHM_UNAVAILABLE"
	KindVersionMismatch Kind = "VERSION_MISMATCH"
	KindOutOfArena      Kind = "OUT_OF_ARENA"
	KindCorruptHeader   Kind = "CORRUPT_HEADER"
	KindArenaCorruption Kind = "ARENA_CORRUPTION"

	// Transport
	KindFrameTooLarge        Kind = "FRAME_TOO_LARGE"
	KindPeerIdentityMismatch Kind = "PEER_IDENTITY_MISMATCH"
	KindProtocolViolation    Kind = "PROTOCOL_VIOLATION"
	KindConnectionClosed     Kind = "CONNECTION_CLOSED"

	// Supervisor
	KindSpawnFailed        Kind = "SPAWN_FAILED"
	KindHandshakeTimeout   Kind = "HANDSHAKE_TIMEOUT"
	KindWorkerUnresponsive Kind = "WORKER_UNRESPONSIVE"
	KindWorkerCrashed      Kind = "WORKER_CRASHED"
	KindRespawnExhausted   Kind = "RESPAWN_EXHAUSTED"

	// Compile
	KindGraphValidation Kind = "GRAPH_VALIDATION"
	KindCycleDetected   Kind = "CYCLE_DETECTED"

	// Runtime
	KindResourceExhausted  Kind = "RESOURCE_EXHAUSTED"
	KindNodeExecutionError Kind = "NODE_EXECUTION_ERROR"
	KindTransient          Kind = "TRANSIENT"
	KindCancelled          Kind = "CANCELLED"

	KindInternal Kind = "INTERNAL"
)

// Error is the one error type that crosses component boundaries.
type Error struct {
	Kind    Kind
	Msg     string
	Context map[string]interface{}
	wrapped error
}

// New creates an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, wrapped: err}
}

// With attaches a context key/value and returns the same error for chaining.
func (e *Error) With(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.wrapped != nil {
		b.WriteString(": ")
		b.WriteString(e.wrapped.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches any *Error with the same Kind, so sentinel values like
// vtxerr.New(KindOutOfArena, "") work with errors.Is.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// KindOf extracts the Kind from any error, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a node failure of this kind is eligible for the
// transient retry path (respawn worker, dispatch again).
func Retryable(kind Kind) bool {
	switch kind {
	case KindWorkerUnresponsive, KindWorkerCrashed, KindTransient:
		return true
	}
	return false
}
