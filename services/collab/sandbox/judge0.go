// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox runs user code through the external Judge0 execution
// service. The engine only models the submission contract; sandboxing
// itself is Judge0's concern.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("devsync.collab.sandbox")

// DefaultBaseURL is the hosted Judge0 CE endpoint.
const DefaultBaseURL = "https://judge0-ce.p.rapidapi.com"

// DefaultHost is the RapidAPI host header for the hosted endpoint.
const DefaultHost = "judge0-ce.p.rapidapi.com"

const defaultTimeout = 60 * time.Second

// languageIDs maps friendly language names to Judge0 language ids.
var languageIDs = map[string]int{
	"cpp":        54, // C++ (GCC 9.2.0)
	"c":          50, // C (GCC 9.2.0)
	"java":       62, // Java (OpenJDK 13.0.1)
	"python":     71, // Python (3.8.1)
	"javascript": 63, // Node.js (12.14.0)
}

// UnsupportedLanguageError indicates a language with no Judge0 mapping.
type UnsupportedLanguageError struct {
	Language string
}

func (e *UnsupportedLanguageError) Error() string {
	return fmt.Sprintf("unsupported language: %s", e.Language)
}

// LanguageID resolves a friendly language name (or a raw numeric Judge0 id)
// to a language id.
func LanguageID(language string) (int, error) {
	if id, ok := languageIDs[language]; ok {
		return id, nil
	}
	if id, err := strconv.Atoi(language); err == nil && id > 0 {
		return id, nil
	}
	return 0, &UnsupportedLanguageError{Language: language}
}

// =============================================================================
// Wire Types
// =============================================================================

// RunRequest is one code execution submission.
type RunRequest struct {
	SourceCode string `json:"source_code"`
	Language   string `json:"language"`
	Stdin      string `json:"stdin"`
}

// RunStatus is Judge0's terminal status for a submission.
type RunStatus struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

// RunResult is the full Judge0 response, forwarded to the client as-is.
type RunResult struct {
	Stdout        string    `json:"stdout"`
	Stderr        string    `json:"stderr"`
	CompileOutput string    `json:"compile_output"`
	Message       string    `json:"message"`
	Time          string    `json:"time"`
	Memory        int       `json:"memory"`
	Status        RunStatus `json:"status"`
}

type submission struct {
	SourceCode string `json:"source_code"`
	LanguageID int    `json:"language_id"`
	Stdin      string `json:"stdin"`
}

// =============================================================================
// Client
// =============================================================================

// Config holds Judge0 connection settings.
type Config struct {
	BaseURL string
	Host    string
	APIKey  string
	Timeout time.Duration
}

// Client submits code to Judge0 and waits for the result synchronously
// (wait=true), matching the interactive run-button flow.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL    string
	host       string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Judge0 client. APIKey is required; BaseURL, Host and
// Timeout default when empty.
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("judge0 API key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Host == "" {
		config.Host = DefaultHost
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	return &Client{
		baseURL:    config.BaseURL,
		host:       config.Host,
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// Run executes one submission and returns Judge0's full response.
//
// # Outputs
//
//   - *RunResult: stdout/stderr/compile output plus terminal status.
//   - error: *UnsupportedLanguageError for unknown languages, otherwise
//     transport or upstream failures.
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "sandbox.Run")
	defer span.End()
	span.SetAttributes(attribute.String("sandbox.language", req.Language))

	languageID, err := LanguageID(req.Language)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	body, err := json.Marshal(submission{
		SourceCode: req.SourceCode,
		LanguageID: languageID,
		Stdin:      req.Stdin,
	})
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}

	url := c.baseURL + "/submissions?base64_encoded=false&wait=true"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-RapidAPI-Host", c.host)
	httpReq.Header.Set("X-RapidAPI-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("submit to judge0: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("judge0 returned status %d: %s", resp.StatusCode, string(snippet))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var result RunResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode judge0 response: %w", err)
	}
	span.SetAttributes(attribute.Int("sandbox.status_id", result.Status.ID))
	return &result, nil
}
