// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devsync-ai/devsync/services/collab/sandbox"
)

func newExecuteRouter(t *testing.T, judge0 http.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(judge0)
	t.Cleanup(upstream.Close)

	client, err := sandbox.NewClient(sandbox.Config{BaseURL: upstream.URL, APIKey: "k"})
	require.NoError(t, err)

	router := gin.New()
	router.POST("/v1/code/run", NewExecuteHandler(client).Run)
	return router
}

func TestRun_ForwardsFullJudge0Response(t *testing.T) {
	router := newExecuteRouter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stdout":"hi\n","status":{"id":3,"description":"Accepted"}}`))
	})

	body := `{"source_code":"print('hi')","language":"python","stdin":""}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/code/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"stdout":"hi\n"`)
	assert.Contains(t, w.Body.String(), `"description":"Accepted"`)
}

func TestRun_BadRequests(t *testing.T) {
	router := newExecuteRouter(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{{"},
		{"missing source", `{"language":"python"}`},
		{"missing language", `{"source_code":"x"}`},
		{"unsupported language", `{"source_code":"x","language":"brainfuck"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/code/run", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRun_UpstreamFailure(t *testing.T) {
	router := newExecuteRouter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	body := `{"source_code":"x","language":"c"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/code/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
