// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devsync-ai/devsync/pkg/logging"
	"github.com/devsync-ai/devsync/services/collab/datatypes"
	"github.com/devsync-ai/devsync/services/collab/filetree"
	"github.com/devsync-ai/devsync/services/collab/handlers"
	"github.com/devsync-ai/devsync/services/collab/middleware"
	"github.com/devsync-ai/devsync/services/collab/registry"
	"github.com/devsync-ai/devsync/services/collab/relay"
	"github.com/devsync-ai/devsync/services/collab/store"
	"github.com/devsync-ai/devsync/services/llm"
)

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

type noopVerifier struct{}

func (noopVerifier) Verify(token string) (middleware.Identity, error) {
	if token == "" {
		return middleware.Identity{}, middleware.ErrUnauthorized
	}
	return middleware.Identity{UserID: "u1", Email: "a@example.com"}, nil
}

type noopStreamer struct{}

func (noopStreamer) Stream(_ context.Context, _ llm.Prompt, _ llm.ChunkCallback) (string, error) {
	return "", nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	logger := logging.Default().Slog()
	memStore := store.NewMemoryStore()

	var sy *filetree.Synchronizer
	reg := registry.NewRegistry(func(ctx context.Context, id string) (datatypes.FileTreeSnapshot, error) {
		return sy.Hydrate(ctx, id)
	}, logger)
	sy = filetree.NewSynchronizer(memStore, reg, time.Hour, logger)

	assistant, err := memStore.EnsureAssistantUser(context.Background())
	require.NoError(t, err)
	rel := relay.NewRelay(memStore, reg, sy, noopStreamer{}, assistant, "", logger)

	socket := handlers.NewSocketHandler(memStore, reg, sy, rel, noopVerifier{}, handlers.SocketConfig{}, logger)

	router := gin.New()
	SetupRoutes(router, Deps{Socket: socket, Verifier: noopVerifier{}})
	return router
}

func TestSetupRoutes_CoreRoutesRegistered(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Socket route exists: a plain GET without a room gets the admission
	// rejection, not a 404.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/collab/ws", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetupRoutes_RunEndpointAbsentWithoutSandbox(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/code/run", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetupRoutes_RequiresSocketHandler(t *testing.T) {
	assert.Panics(t, func() {
		SetupRoutes(gin.New(), Deps{Verifier: noopVerifier{}})
	})
}
