// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks live rooms and their connected participants.
//
// # Description
//
// The registry is the in-memory source of truth for which participants are
// connected to which rooms. A room exists only while it has members: the
// first join materializes it (hydrating its file tree from durable storage)
// and the last leave evicts it, handing the final tree to an eviction hook
// for a flush of any pending writes.
//
// Fan-out is ordered per room: Broadcast serializes the payload once and
// enqueues the frame to every member under the room lock, so two broadcasts
// to the same room are observed in the same order by every member.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/devsync-ai/devsync/services/collab/datatypes"
	"github.com/devsync-ai/devsync/services/collab/observability"
)

// =============================================================================
// Participant
// =============================================================================

// Default capacity of a participant's outbound frame buffer.
const defaultSendBuffer = 64

// Participant is one live connection to a room.
//
// Frames enqueued for the participant are consumed by its connection's write
// pump via Frames(). A participant whose buffer is full has frames dropped
// rather than blocking the room; the connection layer decides whether that
// warrants disconnecting.
type Participant struct {
	// ConnID uniquely identifies this connection, not the user. The same
	// user joining twice yields two participants.
	ConnID string

	// UserID and Email identify the authenticated user behind the
	// connection. Used as sender identity for relayed messages.
	UserID string
	Email  string

	send      chan []byte
	closeOnce sync.Once
}

// NewParticipant creates a participant for an authenticated user.
func NewParticipant(userID, email string) *Participant {
	return &Participant{
		ConnID: uuid.New().String(),
		UserID: userID,
		Email:  email,
		send:   make(chan []byte, defaultSendBuffer),
	}
}

// Frames returns the channel of serialized outbound frames. The channel is
// closed when the participant leaves its room.
func (p *Participant) Frames() <-chan []byte {
	return p.send
}

// enqueue offers a frame without blocking. Returns false when the buffer is
// full or the participant is closed.
func (p *Participant) enqueue(frame []byte) (ok bool) {
	defer func() {
		// Send on a closed channel after a racing Leave.
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

func (p *Participant) close() {
	p.closeOnce.Do(func() { close(p.send) })
}

// =============================================================================
// Room
// =============================================================================

// Room is a live collaboration room: its members and the authoritative
// in-memory file tree snapshot.
type Room struct {
	id string

	mu      sync.Mutex
	members map[string]*Participant
	tree    datatypes.FileTreeSnapshot

	// gate serializes assistant turns. Capacity 1: one slot running, no
	// queue beyond what callers block on.
	gate chan struct{}
}

func newRoom(id string, tree datatypes.FileTreeSnapshot) *Room {
	if tree == nil {
		tree = datatypes.NewFileTreeSnapshot()
	}
	return &Room{
		id:      id,
		members: make(map[string]*Participant),
		tree:    tree,
		gate:    make(chan struct{}, 1),
	}
}

// ID returns the room identifier (the project id).
func (r *Room) ID() string {
	return r.id
}

// MemberCount returns the number of live connections in the room.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Snapshot returns an independent copy of the room's current file tree.
func (r *Room) Snapshot() datatypes.FileTreeSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Clone()
}

// MergeTree applies an incoming partial tree to the room's snapshot and
// returns a copy of the merged result. Keys present in the update overwrite;
// absent keys survive.
func (r *Room) MergeTree(update datatypes.FileTreeSnapshot) datatypes.FileTreeSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.Merge(update)
	if m := observability.DefaultMetrics; m != nil {
		m.FileTreeUpdatesTotal.Inc()
	}
	return r.tree.Clone()
}

// DeleteFile removes a path from the room's snapshot. Returns the merged
// tree copy and whether the path existed.
func (r *Room) DeleteFile(path string) (datatypes.FileTreeSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existed := r.tree.Delete(path)
	return r.tree.Clone(), existed
}

// BeginTurn acquires the room's assistant turn slot, blocking until the
// current turn (if any) finishes or ctx is done.
func (r *Room) BeginTurn(ctx context.Context) error {
	select {
	case r.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EndTurn releases the turn slot acquired by BeginTurn.
func (r *Room) EndTurn() {
	select {
	case <-r.gate:
	default:
	}
}

func (r *Room) addMember(p *Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[p.ConnID] = p
}

func (r *Room) removeMember(p *Participant) (removed bool, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[p.ConnID]; !ok {
		return false, len(r.members)
	}
	delete(r.members, p.ConnID)
	return true, len(r.members)
}

// =============================================================================
// Registry
// =============================================================================

// HydrateFunc loads a room's durable file tree when the room is first
// materialized. A nil HydrateFunc yields an empty tree.
type HydrateFunc func(ctx context.Context, roomID string) (datatypes.FileTreeSnapshot, error)

// EvictFunc observes a room being torn down after its last member left,
// receiving the final in-memory tree so pending writes can be flushed.
type EvictFunc func(roomID string, tree datatypes.FileTreeSnapshot)

// Registry owns the set of live rooms.
//
// # Description
//
// Join materializes rooms on demand, Leave tears them down when empty, and
// Broadcast fans an event out to a room's members. Room hydration for
// concurrent first-joins is deduplicated with singleflight so the store is
// read once per materialization.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	hydrate HydrateFunc
	group   singleflight.Group

	onEvict EvictFunc

	logger *slog.Logger
}

// NewRegistry creates a registry. hydrate may be nil; logger must not be.
func NewRegistry(hydrate HydrateFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		panic("registry: logger cannot be nil")
	}
	return &Registry{
		rooms:   make(map[string]*Room),
		hydrate: hydrate,
		logger:  logger,
	}
}

// SetEvictHandler installs the eviction hook. Must be called before the
// registry starts serving joins.
func (reg *Registry) SetEvictHandler(fn EvictFunc) {
	reg.onEvict = fn
}

// Room returns the live room for id, if one is materialized.
func (reg *Registry) Room(roomID string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[roomID]
	return room, ok
}

// RoomCount returns the number of live rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// Join adds a participant to a room, materializing the room (and hydrating
// its file tree) if this is the first member.
//
// # Inputs
//
//   - ctx: bounds the hydration read.
//   - roomID: the project id acting as room key.
//   - p: the joining participant.
//
// # Outputs
//
//   - *Room: the live room the participant joined.
//   - error: hydration failure. The participant is not registered on error.
func (reg *Registry) Join(ctx context.Context, roomID string, p *Participant) (*Room, error) {
	if p == nil {
		panic("registry: participant cannot be nil")
	}

	room, err := reg.getOrCreate(ctx, roomID)
	if err != nil {
		return nil, err
	}

	room.addMember(p)
	if m := observability.DefaultMetrics; m != nil {
		m.ActiveParticipants.Inc()
	}
	reg.logger.Info("participant joined",
		"room_id", roomID,
		"conn_id", p.ConnID,
		"user_email", p.Email,
		"members", room.MemberCount(),
	)
	return room, nil
}

func (reg *Registry) getOrCreate(ctx context.Context, roomID string) (*Room, error) {
	reg.mu.RLock()
	room, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if ok {
		return room, nil
	}

	v, err, _ := reg.group.Do(roomID, func() (any, error) {
		// Re-check: another join may have materialized the room between
		// the read-lock miss and entering the flight.
		reg.mu.RLock()
		existing, ok := reg.rooms[roomID]
		reg.mu.RUnlock()
		if ok {
			return existing, nil
		}

		var tree datatypes.FileTreeSnapshot
		if reg.hydrate != nil {
			loaded, err := reg.hydrate(ctx, roomID)
			if err != nil {
				return nil, fmt.Errorf("hydrate room %s: %w", roomID, err)
			}
			tree = loaded
		}

		created := newRoom(roomID, tree)
		reg.mu.Lock()
		reg.rooms[roomID] = created
		reg.mu.Unlock()

		if m := observability.DefaultMetrics; m != nil {
			m.ActiveRooms.Inc()
		}
		reg.logger.Info("room materialized", "room_id", roomID, "files", len(created.Snapshot()))
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// Leave removes a participant from a room and closes its frame channel.
// Idempotent: leaving twice, or leaving a room never joined, is a no-op.
// When the last member leaves, the room is evicted and the eviction hook
// receives the final tree.
func (reg *Registry) Leave(roomID string, p *Participant) {
	if p == nil {
		return
	}

	reg.mu.RLock()
	room, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		p.close()
		return
	}

	removed, remaining := room.removeMember(p)
	p.close()
	if !removed {
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.ActiveParticipants.Dec()
	}
	reg.logger.Info("participant left",
		"room_id", roomID,
		"conn_id", p.ConnID,
		"members", remaining,
	)

	if remaining > 0 {
		return
	}

	// Last member gone: drop the room unless someone joined in between.
	reg.mu.Lock()
	if current, ok := reg.rooms[roomID]; ok && current == room && room.MemberCount() == 0 {
		delete(reg.rooms, roomID)
		reg.mu.Unlock()
		if m := observability.DefaultMetrics; m != nil {
			m.ActiveRooms.Dec()
		}
		reg.logger.Info("room evicted", "room_id", roomID)
		if reg.onEvict != nil {
			reg.onEvict(roomID, room.Snapshot())
		}
		return
	}
	reg.mu.Unlock()
}

// Broadcast fans an event out to every member of a room, optionally
// excluding one connection (the sender of the triggering message).
//
// # Description
//
// The payload is serialized exactly once. Enqueueing happens under the room
// lock, so every member observes broadcasts to the same room in the same
// order. A member whose buffer is full has the frame dropped with a warning
// rather than stalling the room.
//
// # Inputs
//
//   - roomID: target room. Broadcasting to an unknown room is a no-op.
//   - event: socket event name.
//   - payload: event data, marshaled into the envelope.
//   - excludeConnID: connection to skip, or "" for the whole room.
func (reg *Registry) Broadcast(roomID, event string, payload any, excludeConnID string) error {
	env, err := datatypes.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}

	reg.mu.RLock()
	room, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		return nil
	}

	room.mu.Lock()
	for connID, member := range room.members {
		if connID == excludeConnID {
			continue
		}
		if !member.enqueue(frame) {
			reg.logger.Warn("dropping frame for slow participant",
				"room_id", roomID,
				"conn_id", connID,
				"event", event,
			)
		}
	}
	room.mu.Unlock()

	if m := observability.DefaultMetrics; m != nil {
		m.EventsRelayed.WithLabelValues(event).Inc()
	}
	return nil
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

// Broadcaster is the fan-out surface consumed by the relay and file tree
// layers.
type Broadcaster interface {
	Broadcast(roomID, event string, payload any, excludeConnID string) error
	Room(roomID string) (*Room, bool)
}

var _ Broadcaster = (*Registry)(nil)
