package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/pkg/proto"
)

func TestAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close() //nolint:errcheck // Test cleanup

	recs := []Record{
		NewRecord("job-17", 1, proto.StageTriggering, 5, "provisioning requested", ""),
		NewRecord("job-17", 1, proto.StageForwarderSetup, 50, "tunnel up", ""),
		NewRecord("job-17", 1, proto.StageReady, 100, "endpoint ready", "https://x"),
	}
	for _, rec := range recs {
		require.NoError(t, w.Append(rec))
	}

	got, err := ReadRecords(w.CurrentFile())
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, proto.StageTriggering, got[0].Stage)
	assert.Equal(t, proto.StageReady, got[2].Stage)
	assert.Equal(t, "https://x", got[2].Detail)
	assert.Equal(t, uint64(1), got[0].Generation)
	assert.NotEmpty(t, got[0].ID)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	require.NoError(t, w.Append(NewRecord("job-1", 1, proto.StageIdle, 0, "", "")))
	require.NoError(t, w.Close())

	files, err := ListFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestReadRecordsMissingFile(t *testing.T) {
	_, err := ReadRecords("/nonexistent/sessions-2026-01-01.jsonl")
	require.Error(t, err)
}
