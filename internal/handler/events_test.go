package handler

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

	"github.com/salescrm/pairing-server/internal/middleware"
	"github.com/salescrm/pairing-server/internal/model"
	"github.com/salescrm/pairing-server/internal/service"
	"github.com/salescrm/pairing-server/internal/sse"
)

type sseFrame struct {
	Event string
	Data  string
}

// readFrames parses an event stream into frames until the body ends.
func readFrames(body *bufio.Reader, frames chan<- sseFrame) {
	defer close(frames)
	var current sseFrame
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && current.Event != "":
			frames <- current
			current = sseFrame{}
		}
	}
}

func nextFrame(t *testing.T, frames <-chan sseFrame) sseFrame {
	t.Helper()
	select {
	case frame, ok := <-frames:
		require.True(t, ok, "stream ended")
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseFrame{}
	}
}

func TestEventsHandler_StreamsUntilConnected(t *testing.T) {
	srv := newTestServer(t)
	created := srv.createSession(t, "owner-1")

	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/pairing/"+created.SessionID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(middleware.OwnerHeader, "owner-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan sseFrame, 16)
	go readFrames(bufio.NewReader(resp.Body), frames)

	assert.Equal(t, "connected", nextFrame(t, frames).Event)

	first := nextFrame(t, frames)
	require.Equal(t, "status", first.Event)
	var update service.StatusUpdate
	require.NoError(t, json.Unmarshal([]byte(first.Data), &update))
	assert.Equal(t, service.AttemptDisplaying, update.State)
	assert.Equal(t, model.SessionStatusWaitingQR, update.Status)
	require.NotNil(t, update.Artifact)

	srv.connect(t, created.SessionName, "4915112345678")

	final := nextFrame(t, frames)
	require.Equal(t, "status", final.Event)
	require.NoError(t, json.Unmarshal([]byte(final.Data), &update))
	assert.Equal(t, service.AttemptConnected, update.State)
	require.NotNil(t, update.ChannelIdentifier)
	assert.Equal(t, "4915112345678", *update.ChannelIdentifier)

	end := nextFrame(t, frames)
	assert.Equal(t, "end", end.Event)
	assert.Contains(t, end.Data, `"state":"connected"`)
}

func TestEventsHandler_UnknownSession(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/v1/pairing/00000000-0000-4000-8000-000000000000/events", "owner-1", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsHandler_sendRawEvent(t *testing.T) {
	handler := &EventsHandler{}
	rec := httptest.NewRecorder()

	err := handler.sendRawEvent(rec, rec, sse.Event{
		Type: "status",
		Data: json.RawMessage(`{"state":"displaying"}`),
	})

	assert.NoError(t, err)
	body := rec.Body.String()
	assert.Contains(t, body, "event: status\n")
	assert.Contains(t, body, `data: {"state":"displaying"}`)
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}
