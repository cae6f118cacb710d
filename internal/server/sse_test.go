package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arture/agentstream/internal/provider"
	"github.com/arture/agentstream/pkg/types"
)

func TestSSEWriterRecordFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	sse, err := newSSEWriter(rec)
	require.NoError(t, err)

	evt := types.StreamEvent{
		ID:        "evt_1",
		Type:      types.EventChunk,
		SessionID: "sess_1",
		Timestamp: 1700000000000,
		Sequence:  3,
		Data:      json.RawMessage(`{"text":"hi"}`),
	}
	require.NoError(t, sse.writeEvent(evt))
	require.NoError(t, sse.writeDone())

	body := rec.Body.String()
	assert.Contains(t, body, "id: evt_1\n")
	assert.Contains(t, body, "event: chunk\n")
	assert.Contains(t, body, `"sequence":3`)
	assert.Contains(t, body, `"data":{"text":"hi"}`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestSSEWriterHeartbeat(t *testing.T) {
	rec := httptest.NewRecorder()
	sse, err := newSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, sse.writeHeartbeat("sess_1"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: heartbeat\n")
	assert.Contains(t, body, `"sessionId":"sess_1"`)
	// Heartbeats never carry an id line.
	assert.NotContains(t, body, "id: ")
}

func TestLiveSessionEventsReplaysAndFollows(t *testing.T) {
	srv, store := newTestServer(t, provider.NewScriptedProvider("gemini", "m"))
	sess := store.Create("user_1", "", "")

	_, err := store.AppendEvent(sess.ID, types.EventChunk, types.ChunkData{Text: "early"})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/streaming/sessions/" + sess.ID + "/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Append live events once the observer is attached.
	go func() {
		time.Sleep(50 * time.Millisecond)
		store.AppendEvent(sess.ID, types.EventChunk, types.ChunkData{Text: "late"})
		store.AppendEvent(sess.ID, types.EventComplete, types.CompleteData{Success: true})
	}()

	var events []string
	var sawDone bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, line[len("event: "):])
		}
		if line == "data: [DONE]" {
			sawDone = true
			break
		}
	}

	assert.True(t, sawDone)
	assert.Equal(t, []string{"chunk", "chunk", "complete"}, events)
}

func TestLiveSessionEventsTerminalSessionEndsImmediately(t *testing.T) {
	srv, store := newTestServer(t, provider.NewScriptedProvider("gemini", "m"))
	sess := store.Create("user_1", "", "")
	_, err := store.AppendEvent(sess.ID, types.EventComplete, types.CompleteData{Success: true})
	require.NoError(t, err)
	require.NoError(t, store.SetState(sess.ID, types.SessionCompleted, ""))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/streaming/sessions/"+sess.ID+"/live", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "event: complete\n")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}
