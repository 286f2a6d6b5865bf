package vtxerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindDispatch(t *testing.T) {
	err := Newf(KindOutOfArena, "no span of %d bytes", 1024).With("region", 1<<20)
	assert.True(t, IsKind(err, KindOutOfArena))
	assert.Equal(t, KindOutOfArena, KindOf(err))
	assert.True(t, errors.Is(err, New(KindOutOfArena, "")))
	assert.False(t, errors.Is(err, New(KindCorruptHeader, "")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("mmap: cannot allocate memory")
	err := Wrap(KindShmUnavailable, "map arena region", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "SHM_UNAVAILABLE")
	assert.Contains(t, err.Error(), "cannot allocate memory")
}

func TestContextInMessage(t *testing.T) {
	err := New(KindPeerIdentityMismatch, "pid mismatch").With("slot", 3).With("expected", 100)
	s := err.Error()
	assert.Contains(t, s, "slot=3")
	assert.Contains(t, s, "expected=100")
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("plain")))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindWorkerCrashed))
	assert.True(t, Retryable(KindWorkerUnresponsive))
	assert.True(t, Retryable(KindTransient))
	assert.False(t, Retryable(KindResourceExhausted))
	assert.False(t, Retryable(KindNodeExecutionError))
	assert.False(t, Retryable(KindProtocolViolation))
}
