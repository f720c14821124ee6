package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/opsloop/internal/broadcast"
	"github.com/opsloop/opsloop/internal/channel"
	"github.com/opsloop/opsloop/internal/models"
	"github.com/opsloop/opsloop/internal/providers"
)

func newTestServer(t *testing.T) (*Server, *providers.PendingPromptRegistry) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	queue := channel.NewMessageQueue(0)
	hub := broadcast.NewManager(queue, logrus.NewEntry(log))
	registry := providers.NewPendingPromptRegistry()
	return New(hub, registry, nil, nil, logrus.NewEntry(log)), registry
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestQuestionAnswerRoundTrip(t *testing.T) {
	s, registry := newTestServer(t)

	rec := postJSON(t, s.Handler(), "/api/v1/messages", map[string]any{
		"channel":     "test",
		"sender_type": "AGENT",
		"content":     map[string]any{"type": "question", "text": "Name?", "timeout_seconds": 30},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var posted struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &posted))
	require.NotEmpty(t, posted.ID)
	assert.Equal(t, 1, registry.Len())

	rec = postJSON(t, s.Handler(), "/api/v1/messages/"+posted.ID+"/response", map[string]any{
		"answer":        "Alice",
		"response_type": "text",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var replied struct {
		Matched bool `json:"matched"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replied))
	assert.True(t, replied.Matched)
	assert.Equal(t, 0, registry.Len())

	req := httptest.NewRequest(http.MethodGet, "/api/channels/test/messages?limit=10", nil)
	getRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(getRec, req)
	require.Equal(t, http.StatusOK, getRec.Code)

	var history struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &history))
	require.Len(t, history.Messages, 2)

	question := history.Messages[0]
	reply := history.Messages[1]
	assert.Equal(t, posted.ID, question.ID.String())
	assert.Nil(t, question.CorrelationID)
	require.NotNil(t, reply.CorrelationID)
	assert.Equal(t, posted.ID, reply.CorrelationID.String())
	assert.Equal(t, models.SenderHuman, reply.SenderType)

	resp, ok := reply.Content.(models.Response)
	require.True(t, ok)
	require.NotNil(t, resp.Answer)
	assert.Equal(t, "Alice", *resp.Answer)
}

func TestPostMessageRejectsInvalidChannel(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postJSON(t, s.Handler(), "/api/v1/messages", map[string]any{
		"channel":     "-bad",
		"sender_type": "AGENT",
		"content":     map[string]any{"type": "notification", "text": "hi", "priority": "normal"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostMessageRejectsDirectResponses(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postJSON(t, s.Handler(), "/api/v1/messages", map[string]any{
		"channel":     "test",
		"sender_type": "HUMAN",
		"content":     map[string]any{"type": "response", "response_type": "text"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationDoesNotRegisterPrompt(t *testing.T) {
	s, registry := newTestServer(t)
	rec := postJSON(t, s.Handler(), "/api/v1/messages", map[string]any{
		"channel":     "test",
		"sender_type": "AGENT",
		"content":     map[string]any{"type": "notification", "text": "deploy done", "priority": "high"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, registry.Len())
}

func TestResponseToUnknownMessageIs404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postJSON(t, s.Handler(), "/api/v1/messages/2a3fbb9f-7d51-4f4b-9f3c-111111111111/response", map[string]any{
		"answer": "yes",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChannelHistoryLimit(t *testing.T) {
	s, _ := newTestServer(t)
	for i := 0; i < 5; i++ {
		rec := postJSON(t, s.Handler(), "/api/v1/messages", map[string]any{
			"channel":     "test",
			"sender_type": "AGENT",
			"content":     map[string]any{"type": "notification", "text": fmt.Sprintf("n%d", i), "priority": "low"},
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/channels/test/messages?limit=2", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var history struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Messages, 2)
	// Newest last.
	n3, ok := history.Messages[0].Content.(models.Notification)
	require.True(t, ok)
	assert.Equal(t, "n3", n3.Text)
	n4, ok := history.Messages[1].Content.(models.Notification)
	require.True(t, ok)
	assert.Equal(t, "n4", n4.Text)
}

func TestWebSocketSubscriberReceivesChannelBroadcasts(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"channel": "test"}))
	// Give the server a moment to register the subscription before
	// broadcasting.
	time.Sleep(50 * time.Millisecond)

	rec := postJSON(t, s.Handler(), "/api/v1/messages", map[string]any{
		"channel":     "test",
		"sender_type": "AGENT",
		"content":     map[string]any{"type": "notification", "text": "ping", "priority": "normal"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.Message
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "test", got.Channel)
	n, ok := got.Content.(models.Notification)
	require.True(t, ok)
	assert.Equal(t, "ping", n.Text)
}

func TestWebSocketInboundReplyMatchesPendingPrompt(t *testing.T) {
	s, registry := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	rec := postJSON(t, s.Handler(), "/api/v1/messages", map[string]any{
		"channel":     "test",
		"sender_type": "AGENT",
		"content":     map[string]any{"type": "authorization", "action": "rm -rf /tmp/x", "timeout_seconds": 30},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var posted struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &posted))
	require.Equal(t, 1, registry.Len())

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(map[string]string{"channel": "test"}))

	answer := "approve"
	reply := models.NewResponseMessage("test", models.Response{
		Answer:       &answer,
		ResponseType: models.ResponseAuthorizationApprove,
	}, uuid.MustParse(posted.ID))
	require.NoError(t, conn.WriteJSON(reply))

	require.Eventually(t, func() bool { return registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
