// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/devsync-ai/devsync/services/collab/sandbox"
)

// ExecuteHandler runs user code through the sandbox and forwards the full
// result, status included, so clients render compile errors and runtime
// output the same way.
type ExecuteHandler struct {
	sandbox *sandbox.Client
}

// NewExecuteHandler creates the code execution handler.
func NewExecuteHandler(client *sandbox.Client) *ExecuteHandler {
	if client == nil {
		panic("handlers: sandbox client cannot be nil")
	}
	return &ExecuteHandler{sandbox: client}
}

// Run handles POST /v1/code/run.
func (h *ExecuteHandler) Run(c *gin.Context) {
	var req sandbox.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SourceCode == "" || req.Language == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_code and language are required"})
		return
	}

	result, err := h.sandbox.Run(c.Request.Context(), req)
	if err != nil {
		var unsupported *sandbox.UnsupportedLanguageError
		if errors.As(err, &unsupported) {
			c.JSON(http.StatusBadRequest, gin.H{"error": unsupported.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "code execution failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}
