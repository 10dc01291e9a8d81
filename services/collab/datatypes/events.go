// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Socket Event Names
// =============================================================================

// Event names on the socket wire. These are contract; changing one breaks
// every deployed client.
const (
	EventProjectMessage = "project-message"
	EventAIMessageChunk = "ai-message-chunk"
	EventAIMessageEnd   = "ai-message-end"
	EventAIMessageError = "ai-message-error"
	EventUpdateFiles    = "update-files"
	EventFilesUpdated   = "files-updated"
	EventDeleteFile     = "delete-file"
)

// =============================================================================
// Envelope
// =============================================================================

// Envelope frames every socket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals data into a framed event.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// =============================================================================
// Outbound Event Payloads
// =============================================================================

// ChunkPayload is one streamed fragment of an assistant reply.
type ChunkPayload struct {
	ID    string `json:"_id"`
	Chunk string `json:"chunk"`
}

// EndPayload terminates a successful assistant turn. Timestamp is ISO-8601.
type EndPayload struct {
	ID        string `json:"_id"`
	Timestamp string `json:"timestamp"`
}

// ErrorPayload terminates a failed assistant turn.
type ErrorPayload struct {
	ID   string `json:"_id"`
	Body string `json:"Message"`
}

// The "files-updated" event carries the full merged FileTreeSnapshot as
// its data, with no wrapper object. There is deliberately no payload
// struct for it.
