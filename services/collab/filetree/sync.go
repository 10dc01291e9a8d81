// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filetree coordinates in-memory file tree state with durable storage.
//
// # Description
//
// Each live room owns one authoritative FileTreeSnapshot (held by the
// registry's Room). This package merges incoming updates into that snapshot,
// rebroadcasts the merged result to collaborators immediately, and coalesces
// durable writes: a burst of updates inside the quiet window produces exactly
// one store write of the final merged tree.
//
// Rebroadcast is never debounced; only persistence is. A participant typing
// rapidly generates many merged broadcasts but a single database write once
// the room goes quiet.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package filetree

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/devsync-ai/devsync/services/collab/datatypes"
	"github.com/devsync-ai/devsync/services/collab/observability"
	"github.com/devsync-ai/devsync/services/collab/registry"
	"github.com/devsync-ai/devsync/services/collab/store"
)

// DefaultQuietWindow is how long a room must stay quiet before its merged
// tree is written durably.
const DefaultQuietWindow = 1500 * time.Millisecond

// How long a single durable write may take before being abandoned.
const flushTimeout = 10 * time.Second

// =============================================================================
// Struct Definition
// =============================================================================

// Synchronizer debounces durable persistence of room file trees and fans
// merged updates out to room members.
//
// # Description
//
// ApplyUpdate and DeleteFile mutate the room's in-memory snapshot via the
// registry, broadcast the merged result, and (re)arm a per-room timer. When
// the timer fires the latest merged tree is serialized and written through
// the ProjectStore. Evict flushes immediately, so a room being torn down
// never loses a pending write.
//
// # Thread Safety
//
// Safe for concurrent use.
type Synchronizer struct {
	store  store.ProjectStore
	rooms  registry.Broadcaster
	quiet  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingWrite
}

// pendingWrite is the latest merged tree awaiting its quiet window.
type pendingWrite struct {
	tree  datatypes.FileTreeSnapshot
	timer *time.Timer
}

// =============================================================================
// Constructor
// =============================================================================

// NewSynchronizer creates a synchronizer.
//
// # Inputs
//
//   - projectStore: durable storage for serialized trees. Must not be nil.
//   - rooms: the live room surface used for merge and fan-out. Must not be nil.
//   - quiet: debounce window; <= 0 selects DefaultQuietWindow.
//   - logger: structured logger. Must not be nil.
func NewSynchronizer(projectStore store.ProjectStore, rooms registry.Broadcaster, quiet time.Duration, logger *slog.Logger) *Synchronizer {
	if projectStore == nil {
		panic("filetree: store cannot be nil")
	}
	if rooms == nil {
		panic("filetree: room registry cannot be nil")
	}
	if logger == nil {
		panic("filetree: logger cannot be nil")
	}
	if quiet <= 0 {
		quiet = DefaultQuietWindow
	}
	return &Synchronizer{
		store:   projectStore,
		rooms:   rooms,
		quiet:   quiet,
		logger:  logger,
		pending: make(map[string]*pendingWrite),
	}
}

// =============================================================================
// Methods
// =============================================================================

// Hydrate loads a room's durable tree. Shaped to serve as the registry's
// HydrateFunc.
func (s *Synchronizer) Hydrate(ctx context.Context, roomID string) (datatypes.FileTreeSnapshot, error) {
	project, err := s.store.FindProject(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return datatypes.DeserializeFileTree(project.FileTree)
}

// ApplyUpdate merges a participant's tree update into the room snapshot,
// rebroadcasts the merged tree to every other member immediately, and
// schedules a debounced durable write.
//
// # Inputs
//
//   - roomID: the room holding the tree.
//   - update: partial or full tree; merged key-wise, absent keys survive.
//   - senderConnID: connection to exclude from the rebroadcast, or "" to
//     include the whole room (assistant-originated merges).
//
// # Outputs
//
//   - datatypes.FileTreeSnapshot: the merged tree after the update.
//   - bool: false when the room is not live, in which case nothing happened.
func (s *Synchronizer) ApplyUpdate(roomID string, update datatypes.FileTreeSnapshot, senderConnID string) (datatypes.FileTreeSnapshot, bool) {
	room, ok := s.rooms.Room(roomID)
	if !ok {
		return nil, false
	}

	merged := room.MergeTree(update)
	if err := s.rooms.Broadcast(roomID, datatypes.EventFilesUpdated, merged, senderConnID); err != nil {
		s.logger.Error("failed to broadcast merged tree", "room_id", roomID, "error", err)
	}

	s.schedule(roomID, merged)
	return merged, true
}

// DeleteFile removes a single path from the room snapshot, rebroadcasts the
// result, and schedules a durable write. Deleting an absent path still
// rebroadcasts so clients converge.
func (s *Synchronizer) DeleteFile(roomID, path, senderConnID string) (datatypes.FileTreeSnapshot, bool) {
	room, ok := s.rooms.Room(roomID)
	if !ok {
		return nil, false
	}

	merged, existed := room.DeleteFile(path)
	if !existed {
		s.logger.Warn("delete for absent path", "room_id", roomID, "path", path)
	}
	if err := s.rooms.Broadcast(roomID, datatypes.EventFilesUpdated, merged, senderConnID); err != nil {
		s.logger.Error("failed to broadcast merged tree", "room_id", roomID, "error", err)
	}

	s.schedule(roomID, merged)
	return merged, true
}

// CurrentSnapshot returns a copy of the room's live tree.
func (s *Synchronizer) CurrentSnapshot(roomID string) (datatypes.FileTreeSnapshot, bool) {
	room, ok := s.rooms.Room(roomID)
	if !ok {
		return nil, false
	}
	return room.Snapshot(), true
}

// Evict flushes any pending write for a room being torn down. Shaped to
// serve as the registry's EvictFunc. The tree argument is the room's final
// snapshot; it wins over whatever the debounce captured earlier.
func (s *Synchronizer) Evict(roomID string, tree datatypes.FileTreeSnapshot) {
	s.mu.Lock()
	pending, ok := s.pending[roomID]
	if ok {
		pending.timer.Stop()
		delete(s.pending, roomID)
	}
	s.mu.Unlock()

	if !ok {
		// No writes owed for this room.
		return
	}
	s.write(roomID, tree)
}

// Shutdown flushes every pending write. Called during graceful shutdown
// after the socket listeners have stopped.
func (s *Synchronizer) Shutdown() {
	s.mu.Lock()
	flushes := make(map[string]datatypes.FileTreeSnapshot, len(s.pending))
	for roomID, pending := range s.pending {
		pending.timer.Stop()
		flushes[roomID] = pending.tree
	}
	s.pending = make(map[string]*pendingWrite)
	s.mu.Unlock()

	for roomID, tree := range flushes {
		s.write(roomID, tree)
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// schedule arms (or re-arms) the quiet-window timer with the latest merged
// tree. Each call pushes the deadline out; only the final tree of a burst
// is written.
func (s *Synchronizer) schedule(roomID string, merged datatypes.FileTreeSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pending, ok := s.pending[roomID]; ok {
		pending.tree = merged
		pending.timer.Reset(s.quiet)
		return
	}

	pending := &pendingWrite{tree: merged}
	pending.timer = time.AfterFunc(s.quiet, func() { s.flush(roomID) })
	s.pending[roomID] = pending
}

// flush is the timer callback: takes the pending tree and writes it.
func (s *Synchronizer) flush(roomID string) {
	s.mu.Lock()
	pending, ok := s.pending[roomID]
	if ok {
		delete(s.pending, roomID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.write(roomID, pending.tree)
}

// write performs one durable write. Failures are logged and abandoned; the
// in-memory tree remains authoritative and the next update reschedules.
func (s *Synchronizer) write(roomID string, tree datatypes.FileTreeSnapshot) {
	serialized, err := tree.Serialize()
	if err != nil {
		s.logger.Error("failed to serialize file tree", "room_id", roomID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.store.SetFileTree(ctx, roomID, serialized); err != nil {
		s.logger.Error("failed to persist file tree", "room_id", roomID, "error", err)
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.FileTreeWritesTotal.Inc()
	}
	s.logger.Debug("file tree persisted", "room_id", roomID, "files", len(tree))
}
