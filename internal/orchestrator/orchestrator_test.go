package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testRequest() Request {
	return Request{
		CampaignID:   uuid.New(),
		PlayerAction: PlayerAction{UserID: uuid.New(), Text: "I search the room"},
		Snapshot:     map[string]any{"mode": "exploration"},
	}
}

func TestProposeStructuredReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orchestrate", r.URL.Path)
		assert.Equal(t, "s3cret", r.Header.Get("x-internal-secret"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "I search the room", req.PlayerAction.Text)

		json.NewEncoder(w).Encode(map[string]any{
			"narration": map[string]any{
				"text":    "Dust motes swirl as you pry the drawer open.",
				"options": []string{"Take the key", "Leave it"},
			},
			"tool_calls": []map[string]any{
				{"tool": "roll", "args": map[string]any{"formula": "1d20", "reason": "perception"}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret", time.Second, testLogger())
	reply := c.Propose(context.Background(), testRequest())

	assert.False(t, reply.Fallback)
	assert.Equal(t, "Dust motes swirl as you pry the drawer open.", reply.Narration.Text)
	assert.Equal(t, []string{"Take the key", "Leave it"}, reply.Narration.Options)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "roll", reply.ToolCalls[0].Tool)
}

func TestProposeLegacyStringNarration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"narration": "The innkeep eyes you warily.", "tool_calls": []}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret", time.Second, testLogger())
	reply := c.Propose(context.Background(), testRequest())

	assert.False(t, reply.Fallback)
	assert.Equal(t, "The innkeep eyes you warily.", reply.Narration.Text)
	assert.Empty(t, reply.ToolCalls)
}

func TestProposeFallsBackOnConnectionFailure(t *testing.T) {
	// Nothing listens on this port.
	c := NewClient("http://127.0.0.1:1", "s3cret", time.Second, testLogger())
	reply := c.Propose(context.Background(), testRequest())

	assert.True(t, reply.Fallback)
	assert.Equal(t, FallbackText, reply.Narration.Text)
	assert.Empty(t, reply.ToolCalls)
}

func TestProposeFallsBackOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret", time.Second, testLogger())
	reply := c.Propose(context.Background(), testRequest())
	assert.True(t, reply.Fallback)
}

func TestProposeFallsBackOnMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"narration": {`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret", time.Second, testLogger())
	reply := c.Propose(context.Background(), testRequest())
	assert.True(t, reply.Fallback)
}

func TestProposeFallsBackOnEmptyNarration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"narration": {"text": ""}, "tool_calls": []}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret", time.Second, testLogger())
	reply := c.Propose(context.Background(), testRequest())
	assert.True(t, reply.Fallback)
}

func TestProposeCampaignCallCap(t *testing.T) {
	var served int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.Write([]byte(`{"narration": "ok", "tool_calls": []}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret", time.Second, testLogger())
	req := testRequest()

	for i := 0; i < 30; i++ {
		reply := c.Propose(context.Background(), req)
		assert.False(t, reply.Fallback, "call %d should be within the cap", i)
	}
	reply := c.Propose(context.Background(), req)
	assert.True(t, reply.Fallback)
	assert.Equal(t, 30, served)

	// Other campaigns are unaffected.
	other := testRequest()
	assert.False(t, c.Propose(context.Background(), other).Fallback)
}
