// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the collab service.
//
// This file contains chat message types and inbound wire payload
// validation. For file tree types, see filetree.go; for socket event
// envelopes, see events.go.
//
// JSON field names follow the established client wire contract and must
// not be renamed: clients key on "_id", "Message", "isAIMessage" and
// friends exactly as written here.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single chat message
	// body. Oversized payloads are rejected before they reach the relay.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxFileTreeBytes is the maximum serialized size of a file tree
	// accepted from a client in one update.
	MaxFileTreeBytes = 512 * 1024 // 512KB

	// AssistantEmail is the well-known identity the engine uses as the
	// sender of assistant messages. The backing user record is created
	// lazily on first use.
	AssistantEmail = "ai-assistant@system.internal"

	// AssistantErrorBody is the fixed body broadcast when every model in
	// the fallback chain failed. Clients key on this exact string.
	AssistantErrorBody = "⚠️ AI Error."

	// DefaultFileEditBody is the chat body used when a file-edit reply
	// carries no accompanying text.
	DefaultFileEditBody = "I've updated the files for you."
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// collabValidate is the validator instance for collab datatypes.
// Initialized in init() with custom validators.
var collabValidate *validator.Validate

func init() {
	collabValidate = validator.New()

	_ = collabValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on string fields.
// Checks byte length, not rune count, to bound memory use.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Core Types
// =============================================================================

// UserRef identifies a message sender on the wire.
//
// # Fields
//
//   - ID: Opaque user identifier, serialized as "_id".
//   - Email: User email; for assistant messages this is AssistantEmail.
type UserRef struct {
	ID    string `json:"_id"`
	Email string `json:"email"`
}

// Message is a durable chat message as persisted and broadcast.
//
// # Description
//
// Message is the canonical form of one chat entry: user-authored or
// assistant-authored. The engine assigns ID and Timestamp at persistence
// time; clients never supply them. Assistant placeholders carry
// IsAIMessage and IsLoading until the turn finalizes or errors.
//
// # Fields
//
//   - ID: Engine-assigned identifier (UUID), serialized as "_id".
//   - Sender: The authoring identity.
//   - Body: The message text, serialized as "Message" per the wire contract.
//   - Timestamp: Server-assigned creation time (UTC).
//   - IsAIMessage: True for assistant-authored messages.
//   - IsLoading: True while the assistant body is still streaming.
type Message struct {
	ID          string    `json:"_id"`
	Sender      UserRef   `json:"sender"`
	Body        string    `json:"Message"`
	Timestamp   time.Time `json:"timestamp"`
	IsAIMessage bool      `json:"isAIMessage"`
	IsLoading   bool      `json:"isLoading"`
}

// =============================================================================
// Inbound Wire Payloads
// =============================================================================

// ChatMessagePayload is the client payload for a "project-message" event.
//
// # Description
//
// Carries one user chat message into the room. FileTree is accepted for
// wire compatibility with older clients but is not authoritative; the
// server-side snapshot is (see the filetree package).
//
// # Validation
//
//   - Body: required, max 32KB
//   - Sender.ID and Sender.Email: required
type ChatMessagePayload struct {
	ProjectID string           `json:"projectId"`
	Body      string           `json:"Message" validate:"required,maxbytes"`
	Sender    UserRef          `json:"sender"`
	FileTree  FileTreeSnapshot `json:"fileTree,omitempty"`
}

// Validate checks the payload against the wire contract rules.
func (p *ChatMessagePayload) Validate() error {
	if err := collabValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid chat message payload: %w", err)
	}
	if p.Sender.ID == "" || p.Sender.Email == "" {
		return fmt.Errorf("invalid chat message payload: sender incomplete")
	}
	return nil
}

// UpdateFilesPayload is the client payload for an "update-files" event.
type UpdateFilesPayload struct {
	ProjectID string           `json:"projectId"`
	FileTree  FileTreeSnapshot `json:"fileTree"`
}

// Validate rejects empty trees and oversized updates.
func (p *UpdateFilesPayload) Validate() error {
	if len(p.FileTree) == 0 {
		return fmt.Errorf("invalid update-files payload: empty fileTree")
	}
	serialized, err := p.FileTree.Serialize()
	if err != nil {
		return fmt.Errorf("invalid update-files payload: %w", err)
	}
	if len(serialized) > MaxFileTreeBytes {
		return fmt.Errorf("invalid update-files payload: fileTree exceeds %d bytes", MaxFileTreeBytes)
	}
	return nil
}

// DeleteFilePayload is the client payload for a "delete-file" event.
type DeleteFilePayload struct {
	ProjectID string `json:"projectId"`
	Path      string `json:"path" validate:"required"`
}

// Validate checks that a target path is present.
func (p *DeleteFilePayload) Validate() error {
	if err := collabValidate.Struct(p); err != nil {
		return fmt.Errorf("invalid delete-file payload: %w", err)
	}
	return nil
}
