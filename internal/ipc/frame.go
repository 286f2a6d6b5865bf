package ipc

import (
	"encoding/binary"
	"io"

	"github.com/somatechlat/vortex/internal/vtxerr"
)

// DefaultMaxFrameBytes bounds a single frame (prefix excluded).
const DefaultMaxFrameBytes uint32 = 16 << 20

// ReadFrame reads one length-prefixed message from r. A frame whose declared
// length exceeds max is rejected without consuming the payload.
func ReadFrame(r io.Reader, max uint32) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, vtxerr.Wrap(vtxerr.KindConnectionClosed, "read frame prefix", err)
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if n > max {
		return nil, vtxerr.Newf(vtxerr.KindFrameTooLarge, "frame of %d bytes exceeds limit %d", n, max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, vtxerr.Wrap(vtxerr.KindConnectionClosed, "read frame payload", err)
	}
	m := &Message{}
	if err := m.Unmarshal(payload); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteFrame writes one length-prefixed message to w.
func WriteFrame(w io.Writer, m *Message, max uint32) error {
	payload, err := m.Marshal()
	if err != nil {
		return err
	}
	if uint32(len(payload)) > max {
		return vtxerr.Newf(vtxerr.KindFrameTooLarge, "outbound frame of %d bytes exceeds limit %d", len(payload), max)
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return vtxerr.Wrap(vtxerr.KindConnectionClosed, "write frame prefix", err)
	}
	if _, err := w.Write(payload); err != nil {
		return vtxerr.Wrap(vtxerr.KindConnectionClosed, "write frame payload", err)
	}
	return nil
}
