package testkit

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/pkg/proto"
)

func TestMockBackendTriggerAndStatus(t *testing.T) {
	b := NewMockBackend()
	defer b.Close()

	resp, err := http.Post(b.URL()+"/sessions/job-1/provision", "", http.NoBody)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck // Test teardown
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, b.TriggerCount("job-1"))
	assert.Equal(t, 0, b.TriggerCount("job-2"))

	b.SetStatus(proto.Status{Ready: true, URL: "https://x"})
	resp, err = http.Get(b.URL() + "/sessions/job-1/status")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // Test teardown

	var st proto.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Ready)
	assert.Equal(t, "https://x", st.URL)
}

func TestMockBackendRejection(t *testing.T) {
	b := NewMockBackend()
	defer b.Close()
	b.RejectTriggers(http.StatusConflict, "already provisioning")

	resp, err := http.Post(b.URL()+"/sessions/job-1/provision", "", http.NoBody)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // Test teardown
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMockBackendEventStream(t *testing.T) {
	b := NewMockBackend()
	defer b.Close()
	b.ScriptEvents(
		proto.Event{Kind: proto.EventStageUpdate, Stage: proto.StageTunnelNegotiating},
		proto.Event{Kind: proto.EventSetupComplete, URL: "https://x"},
	)

	wsURL := "ws" + strings.TrimPrefix(b.URL(), "http") + "/sessions/job-1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // Test teardown
	}
	defer conn.Close() //nolint:errcheck // Test teardown

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := proto.ParseEvent(data)
	require.NoError(t, err)
	assert.Equal(t, proto.StageTunnelNegotiating, ev.Stage)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	ev, err = proto.ParseEvent(data)
	require.NoError(t, err)
	assert.True(t, ev.TerminalSuccess())
	assert.Equal(t, "https://x", ev.URL)
}
