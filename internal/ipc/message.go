// Package ipc implements the framed control channel between the controller
// and each worker process. Frames are a 4-byte little-endian length prefix
// followed by a fixed binary envelope and a JSON-encoded body; tensor
// payloads never cross this channel, only arena handles.
package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/somatechlat/vortex/internal/vtxerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProtocolVersion must match exactly on both ends; there is no negotiation.
const ProtocolVersion uint32 = 1

// MsgType identifies the single body a message carries.
type MsgType uint8

const (
	MsgHandshake MsgType = iota + 1
	MsgHandshakeAck
	MsgJobSubmit
	MsgJobResult
	MsgProgress
	MsgHeartbeat
	MsgCancel
	MsgShutdown
)

func (t MsgType) String() string {
	switch t {
	case MsgHandshake:
		return "HANDSHAKE"
	case MsgHandshakeAck:
		return "HANDSHAKE_ACK"
	case MsgJobSubmit:
		return "JOB_SUBMIT"
	case MsgJobResult:
		return "JOB_RESULT"
	case MsgProgress:
		return "PROGRESS"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgCancel:
		return "CANCEL"
	case MsgShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// critical reports whether a frame may never be silently dropped.
func (t MsgType) critical() bool {
	return t != MsgProgress && t != MsgHeartbeat
}

// TraceContext propagates the distributed trace across the worker boundary.
type TraceContext struct {
	TraceID      [16]byte
	SpanID       [8]byte
	ParentSpanID [8]byte
}

// envelopeSize is the fixed binary prefix inside every frame:
// type(1) + request id(16) + timestamp ms(8) + trace(16+8+8).
const envelopeSize = 1 + 16 + 8 + 16 + 8 + 8

// Message is one control frame: envelope plus exactly one body.
type Message struct {
	Type        MsgType
	RequestID   uuid.UUID
	TimestampMs int64
	Trace       TraceContext
	Body        []byte // JSON-encoded body, type-dependent
}

// NewMessage builds a message with a fresh request id and current timestamp.
func NewMessage(t MsgType, body interface{}) (*Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", t, err)
	}
	return &Message{
		Type:        t,
		RequestID:   uuid.New(),
		TimestampMs: time.Now().UnixMilli(),
		Body:        raw,
	}, nil
}

// Marshal serializes envelope and body.
func (m *Message) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(envelopeSize + len(m.Body))
	buf.WriteByte(byte(m.Type))
	buf.Write(m.RequestID[:])
	if err := binary.Write(buf, binary.LittleEndian, m.TimestampMs); err != nil {
		return nil, err
	}
	buf.Write(m.Trace.TraceID[:])
	buf.Write(m.Trace.SpanID[:])
	buf.Write(m.Trace.ParentSpanID[:])
	buf.Write(m.Body)
	return buf.Bytes(), nil
}

// Unmarshal parses envelope and body from a raw frame payload.
func (m *Message) Unmarshal(data []byte) error {
	if len(data) < envelopeSize {
		return vtxerr.Newf(vtxerr.KindProtocolViolation, "frame shorter than envelope: %d bytes", len(data))
	}
	m.Type = MsgType(data[0])
	copy(m.RequestID[:], data[1:17])
	m.TimestampMs = int64(binary.LittleEndian.Uint64(data[17:25]))
	copy(m.Trace.TraceID[:], data[25:41])
	copy(m.Trace.SpanID[:], data[41:49])
	copy(m.Trace.ParentSpanID[:], data[49:57])
	m.Body = append([]byte(nil), data[envelopeSize:]...)
	return nil
}

// DecodeBody unmarshals the JSON body into v.
func (m *Message) DecodeBody(v interface{}) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return vtxerr.Wrap(vtxerr.KindProtocolViolation, "malformed message body", err).
			With("type", m.Type.String())
	}
	return nil
}

// ----------------------------------------------------------------------------
// Message bodies
// ----------------------------------------------------------------------------

// HandleRef describes an arena tensor region on the wire.
type HandleRef struct {
	Offset uint64  `json:"offset"`
	Length uint64  `json:"length"`
	DType  string  `json:"dtype"`
	Shape  []int64 `json:"shape"`
	Align  uint32  `json:"align"`
}

// Handshake is the first frame a worker sends after connecting.
type Handshake struct {
	ProtocolVersion uint32   `json:"protocol_version"`
	SlotID          int      `json:"slot_id"`
	Capabilities    []string `json:"capabilities"`
}

// HandshakeAck confirms registration and tells the worker where the arena is.
type HandshakeAck struct {
	SlotID          int    `json:"slot_id"`
	ArenaRegionName string `json:"arena_region_name"`
}

// JobSubmit dispatches one node execution to a worker.
type JobSubmit struct {
	JobID      string                 `json:"job_id"`
	NodeID     string                 `json:"node_id"`
	Op         string                 `json:"op"`
	Inputs     map[string]HandleRef   `json:"inputs"`
	Outputs    map[string]HandleRef   `json:"outputs"`
	Params     map[string]interface{} `json:"params"`
	DeadlineMs int64                  `json:"deadline_ms"`
}

// WireError is a structured failure reported by a worker.
type WireError struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// JobMetrics accompanies a result.
type JobMetrics struct {
	DurationMs      int64  `json:"duration_ms"`
	PeakDeviceBytes uint64 `json:"peak_device_bytes"`
}

// JobResult is the terminal frame for a job: outputs or a structured error.
type JobResult struct {
	JobID   string               `json:"job_id"`
	Outputs map[string]HandleRef `json:"outputs,omitempty"`
	Error   *WireError           `json:"error,omitempty"`
	Metrics JobMetrics           `json:"metrics"`
}

// Progress reports fractional completion of a running job.
type Progress struct {
	JobID    string  `json:"job_id"`
	Fraction float64 `json:"fraction"`
}

// Heartbeat is a liveness frame; workers also stamp their arena slot.
type Heartbeat struct {
	SlotID int `json:"slot_id"`
}

// Cancel asks a worker to abandon a job.
type Cancel struct {
	JobID string `json:"job_id"`
}

// Shutdown asks a worker to exit cleanly.
type Shutdown struct {
	Reason string `json:"reason,omitempty"`
}
