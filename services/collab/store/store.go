// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists projects, chat history, and file trees.
//
// The engine talks to a ProjectStore interface; the concrete backend is
// chosen at startup (MongoDB in production, in-memory for tests and
// storeless development). Persistence failures surface as
// *PersistenceError and are never fatal to a room: callers log and
// continue.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/devsync-ai/devsync/services/collab/datatypes"
)

// =============================================================================
// Errors
// =============================================================================

// ErrNotFound is returned when a project does not exist.
var ErrNotFound = errors.New("project not found")

// PersistenceError wraps a failed store operation with its context.
//
// Callers categorize with errors.As and keep the session alive; a broken
// store degrades durability, not connectivity.
type PersistenceError struct {
	Op        string
	ProjectID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s failed for project %s: %v", e.Op, e.ProjectID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Types
// =============================================================================

// Project is the durable record backing one room.
type Project struct {
	ID       string
	Name     string
	Users    []string
	Messages []datatypes.Message
	FileTree string // serialized FileTreeSnapshot, "" when never written
}

// =============================================================================
// Interface Definition
// =============================================================================

// ProjectStore is the persistence collaborator for the session engine.
//
// # Description
//
// Four mutations and one lookup, matching exactly what the engine needs:
// admission checks projects exist, the relay appends and patches
// messages, the synchronizer writes file trees. Message and project IDs
// are opaque strings; the engine assigns message IDs, the backend owns
// project IDs.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ProjectStore interface {
	// FindProject returns the project or ErrNotFound (wrapped in a
	// *PersistenceError only for backend failures, not absence).
	FindProject(ctx context.Context, projectID string) (*Project, error)

	// AppendMessage appends one chat message to the project history.
	AppendMessage(ctx context.Context, projectID string, msg datatypes.Message) error

	// UpdateMessageBody replaces the body of an existing message and
	// clears its loading flag. Used to finalize assistant placeholders.
	UpdateMessageBody(ctx context.Context, projectID, messageID, body string) error

	// SetFileTree stores the serialized file tree for the project.
	SetFileTree(ctx context.Context, projectID, serialized string) error

	// EnsureAssistantUser lazily creates the well-known assistant
	// identity and returns it. Idempotent.
	EnsureAssistantUser(ctx context.Context) (datatypes.UserRef, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// =============================================================================
// Helper Functions
// =============================================================================

// MaxProjectIDLength bounds inbound project identifiers.
const MaxProjectIDLength = 64

// ValidateProjectID checks that an inbound project identifier is
// well-formed: non-empty, bounded, and free of whitespace and control
// characters. Existence is a separate, later check.
func ValidateProjectID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("project id is empty")
	}
	if len(id) > MaxProjectIDLength {
		return fmt.Errorf("project id exceeds %d characters", MaxProjectIDLength)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("project id contains illegal character")
		}
	}
	return nil
}
