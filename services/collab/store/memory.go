// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/devsync-ai/devsync/services/collab/datatypes"
)

// =============================================================================
// Struct Definition
// =============================================================================

// MemoryStore is an in-process ProjectStore for tests and storeless
// development mode.
//
// # Thread Safety
//
// Safe for concurrent use. All state is behind one mutex.
type MemoryStore struct {
	mu            sync.Mutex
	projects      map[string]*Project
	assistant     datatypes.UserRef
	fileTreeSaves map[string]int
}

// =============================================================================
// Constructor
// =============================================================================

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:      make(map[string]*Project),
		fileTreeSaves: make(map[string]int),
	}
}

// =============================================================================
// Methods
// =============================================================================

// AddProject seeds a project. Returns the generated id when p.ID is empty.
func (s *MemoryStore) AddProject(p Project) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	cp := p
	s.projects[p.ID] = &cp
	return p.ID
}

func (s *MemoryStore) FindProject(ctx context.Context, projectID string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *p
	cp.Messages = append([]datatypes.Message(nil), p.Messages...)
	cp.Users = append([]string(nil), p.Users...)
	return &cp, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, projectID string, msg datatypes.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return &PersistenceError{Op: "appendMessage", ProjectID: projectID, Err: ErrNotFound}
	}
	p.Messages = append(p.Messages, msg)
	return nil
}

func (s *MemoryStore) UpdateMessageBody(ctx context.Context, projectID, messageID, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return &PersistenceError{Op: "updateMessageBody", ProjectID: projectID, Err: ErrNotFound}
	}
	for i := range p.Messages {
		if p.Messages[i].ID == messageID {
			p.Messages[i].Body = body
			p.Messages[i].IsLoading = false
			return nil
		}
	}
	return &PersistenceError{Op: "updateMessageBody", ProjectID: projectID,
		Err: fmt.Errorf("message %s not found", messageID)}
}

func (s *MemoryStore) SetFileTree(ctx context.Context, projectID, serialized string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return &PersistenceError{Op: "setFileTree", ProjectID: projectID, Err: ErrNotFound}
	}
	p.FileTree = serialized
	s.fileTreeSaves[projectID]++
	return nil
}

func (s *MemoryStore) EnsureAssistantUser(ctx context.Context) (datatypes.UserRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.assistant.ID == "" {
		s.assistant = datatypes.UserRef{
			ID:    uuid.New().String(),
			Email: datatypes.AssistantEmail,
		}
	}
	return s.assistant, nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// FileTreeWrites reports how many times SetFileTree ran for a project.
// Test hook for debounce coverage.
func (s *MemoryStore) FileTreeWrites(projectID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileTreeSaves[projectID]
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ ProjectStore = (*MemoryStore)(nil)
