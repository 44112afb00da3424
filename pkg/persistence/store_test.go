package persistence

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/pkg/proto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordReadyAttempt(t *testing.T) {
	s := openTestStore(t)

	id, err := s.RecordStart("job-17", 1)
	require.NoError(t, err)
	require.NoError(t, s.RecordReady(id, "https://x"))

	history, err := s.History("job-17")
	require.NoError(t, err)
	require.Len(t, history, 1)

	a := history[0]
	assert.Equal(t, OutcomeReady, a.Outcome)
	assert.Equal(t, "https://x", a.ReadyURL)
	assert.Equal(t, uint64(1), a.Generation)
	assert.NotNil(t, a.FinishedAt)
	assert.Empty(t, a.ErrorKind)
}

func TestRecordFailureKeepsErrorDetail(t *testing.T) {
	s := openTestStore(t)

	id, err := s.RecordStart("job-17", 1)
	require.NoError(t, err)
	require.NoError(t, s.RecordFailure(id, &proto.ErrorDetail{
		Kind:    proto.ErrorPollTimeout,
		Message: "readiness not observed within 5m0s",
	}))

	history, err := s.History("job-17")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, OutcomeFailed, history[0].Outcome)
	assert.Equal(t, string(proto.ErrorPollTimeout), history[0].ErrorKind)
	assert.Contains(t, history[0].ErrorMessage, "5m0s")
}

func TestHistorySpansRetries(t *testing.T) {
	s := openTestStore(t)

	first, err := s.RecordStart("job-17", 1)
	require.NoError(t, err)
	require.NoError(t, s.RecordFailure(first, &proto.ErrorDetail{
		Kind: proto.ErrorTerminal, Message: "ssh handshake failed",
	}))

	second, err := s.RecordStart("job-17", 2)
	require.NoError(t, err)
	require.NoError(t, s.RecordReady(second, "https://x"))

	// An unrelated session should not appear.
	other, err := s.RecordStart("job-99", 1)
	require.NoError(t, err)
	require.NoError(t, s.RecordCancelled(other))

	history, err := s.History("job-17")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, OutcomeFailed, history[0].Outcome)
	assert.Equal(t, OutcomeReady, history[1].Outcome)
	assert.Equal(t, uint64(2), history[1].Generation)
}

func TestFinishUnknownAttempt(t *testing.T) {
	s := openTestStore(t)
	err := s.RecordReady("no-such-attempt", "https://x")
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestHistoryEmptySession(t *testing.T) {
	s := openTestStore(t)
	history, err := s.History("job-never-seen")
	require.NoError(t, err)
	assert.Empty(t, history)
}
