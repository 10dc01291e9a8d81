// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devsync-ai/devsync/services/collab/datatypes"
	"github.com/devsync-ai/devsync/services/collab/filetree"
	"github.com/devsync-ai/devsync/services/collab/middleware"
	"github.com/devsync-ai/devsync/services/collab/registry"
	"github.com/devsync-ai/devsync/services/collab/relay"
	"github.com/devsync-ai/devsync/services/collab/store"
	"github.com/devsync-ai/devsync/services/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// stubVerifier accepts tokens of the form "uid|email".
type stubVerifier struct{}

func (stubVerifier) Verify(token string) (middleware.Identity, error) {
	parts := strings.SplitN(token, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return middleware.Identity{}, middleware.ErrUnauthorized
	}
	return middleware.Identity{UserID: parts[0], Email: parts[1]}, nil
}

// echoStreamer completes every turn with a fixed reply.
type echoStreamer struct{}

func (echoStreamer) Stream(_ context.Context, _ llm.Prompt, onChunk llm.ChunkCallback) (string, error) {
	onChunk("ok")
	return "ok", nil
}

type socketFixture struct {
	server *httptest.Server
	roomID string
}

func newSocketFixture(t *testing.T) *socketFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	memStore := store.NewMemoryStore()
	roomID := memStore.AddProject(store.Project{Name: "demo"})

	var sy *filetree.Synchronizer
	reg := registry.NewRegistry(func(ctx context.Context, id string) (datatypes.FileTreeSnapshot, error) {
		return sy.Hydrate(ctx, id)
	}, testLogger())
	sy = filetree.NewSynchronizer(memStore, reg, time.Hour, testLogger())
	reg.SetEvictHandler(sy.Evict)

	assistant, err := memStore.EnsureAssistantUser(context.Background())
	require.NoError(t, err)
	rel := relay.NewRelay(memStore, reg, sy, echoStreamer{}, assistant, "@ai", testLogger())

	h := NewSocketHandler(memStore, reg, sy, rel, stubVerifier{}, SocketConfig{}, testLogger())

	router := gin.New()
	router.GET("/ws", h.Handle)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &socketFixture{server: server, roomID: roomID}
}

func (f *socketFixture) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
}

func (f *socketFixture) dial(t *testing.T, userID, email string) *websocket.Conn {
	t.Helper()
	url := f.wsURL(fmt.Sprintf("?projectId=%s&token=%s|%s", f.roomID, userID, email))
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) datatypes.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env datatypes.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	env, err := datatypes.NewEnvelope(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

// =============================================================================
// Admission Tests
// =============================================================================

func TestAdmission_MissingRoomRejectedFirst(t *testing.T) {
	f := newSocketFixture(t)

	// Neither room nor token: the missing room wins the precedence.
	resp, err := http.Get(f.server.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdmission_MalformedRoomIDRejected(t *testing.T) {
	f := newSocketFixture(t)

	// Ill-formed ids never reach the store lookup; they are treated the
	// same as an absent id, not as an unknown room.
	for _, projectID := range []string{"%20", "a+b", "x%09z", strings.Repeat("q", 80)} {
		resp, err := http.Get(f.server.URL + "/ws?projectId=" + projectID)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "projectId %q", projectID)
	}
}

func TestAdmission_RoomNotFoundBeforeAuth(t *testing.T) {
	f := newSocketFixture(t)

	// Unknown room with a bad token: room existence is checked first.
	resp, err := http.Get(f.server.URL + "/ws?projectId=ghost&token=bad")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmission_Unauthenticated(t *testing.T) {
	f := newSocketFixture(t)

	resp, err := http.Get(f.server.URL + "/ws?projectId=" + f.roomID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2, err := http.Get(f.server.URL + "/ws?projectId=" + f.roomID + "&token=malformed")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

// =============================================================================
// Socket Flow Tests
// =============================================================================

func TestSocket_MessageRoundTrip(t *testing.T) {
	f := newSocketFixture(t)

	alice := f.dial(t, "u1", "alice@example.com")
	bob := f.dial(t, "u2", "bob@example.com")

	sendEnvelope(t, alice, datatypes.EventProjectMessage, datatypes.ChatMessagePayload{
		ProjectID: f.roomID,
		Body:      "hello from alice",
	})

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		env := readEnvelope(t, conn)
		require.Equal(t, datatypes.EventProjectMessage, env.Event, "client %s", name)
		var msg datatypes.Message
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		assert.Equal(t, "hello from alice", msg.Body)
		assert.NotEmpty(t, msg.ID, "broadcast carries the durable id")
		assert.Equal(t, "alice@example.com", msg.Sender.Email, "sender comes from the credential")
	}
}

func TestSocket_AssistantTurnStreamsToRoom(t *testing.T) {
	f := newSocketFixture(t)

	alice := f.dial(t, "u1", "alice@example.com")

	sendEnvelope(t, alice, datatypes.EventProjectMessage, datatypes.ChatMessagePayload{
		ProjectID: f.roomID,
		Body:      "@ai ping",
	})

	var events []string
	for len(events) < 4 {
		env := readEnvelope(t, alice)
		events = append(events, env.Event)
	}
	assert.Equal(t, []string{
		datatypes.EventProjectMessage, // the user's own message
		datatypes.EventProjectMessage, // the assistant placeholder
		datatypes.EventAIMessageChunk,
		datatypes.EventAIMessageEnd,
	}, events)
}

func TestSocket_UpdateFilesFansOutExcludingSender(t *testing.T) {
	f := newSocketFixture(t)

	alice := f.dial(t, "u1", "alice@example.com")
	bob := f.dial(t, "u2", "bob@example.com")

	sendEnvelope(t, alice, datatypes.EventUpdateFiles, datatypes.UpdateFilesPayload{
		ProjectID: f.roomID,
		FileTree:  datatypes.FileTreeSnapshot{"a.js": {Content: "let x = 1"}},
	})

	env := readEnvelope(t, bob)
	require.Equal(t, datatypes.EventFilesUpdated, env.Event)
	var tree datatypes.FileTreeSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &tree))
	assert.Equal(t, "let x = 1", tree["a.js"].Content)

	// The sender gets nothing back for its own update.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var stray datatypes.Envelope
	err := alice.ReadJSON(&stray)
	assert.Error(t, err, "sender must not receive its own files-updated")
}

func TestSocket_InvalidFramesAreDroppedNotFatal(t *testing.T) {
	f := newSocketFixture(t)

	alice := f.dial(t, "u1", "alice@example.com")

	// Garbage, unknown event, invalid payload: connection survives all.
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	sendEnvelope(t, alice, "mystery-event", gin.H{"x": 1})
	sendEnvelope(t, alice, datatypes.EventProjectMessage, datatypes.ChatMessagePayload{
		ProjectID: f.roomID,
		Body:      "", // fails validation
	})

	sendEnvelope(t, alice, datatypes.EventProjectMessage, datatypes.ChatMessagePayload{
		ProjectID: f.roomID,
		Body:      "still alive",
	})
	env := readEnvelope(t, alice)
	require.Equal(t, datatypes.EventProjectMessage, env.Event)
	var msg datatypes.Message
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "still alive", msg.Body)
}
