package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"besedka/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// loginServer accepts any credentials and answers the roster request.
func loginServer(t *testing.T) string {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req models.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			frame := map[string]any{"event": req.Data.Event, "status": models.StatusSuccess}
			switch req.Data.Event {
			case models.EventLogin:
				frame["data"] = map[string]string{"RE_LOGIN_CODE": "abc"}
			case models.EventGetUserList:
				frame["data"] = []models.User{{Name: "bob"}}
			}
			_ = conn.WriteJSON(frame)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRun(t *testing.T) {
	t.Setenv("CHAT_SERVER_URL", loginServer(t))
	t.Setenv("CHAT_SESSION_DB", filepath.Join(t.TempDir(), "session.db"))
	t.Setenv("CHAT_LOG_LEVEL", "error")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in := strings.NewReader("/login alice secret\n/users\n/nope\n")
	out := &syncBuffer{}

	// Input ends after the last command, which stops run.
	err := run(ctx, in, out)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "connected, /login or /register to begin")
	assert.Contains(t, text, "logged in as alice")
	assert.Contains(t, text, "people bob")
	assert.Contains(t, text, `error: unknown command "/nope"`)
}

func TestRequestEnvelope(t *testing.T) {
	data, err := json.Marshal(models.NewRequest(models.EventLogin, map[string]string{"user": "alice"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"onchat","data":{"event":"LOGIN","data":{"user":"alice"}}}`, string(data))
}
