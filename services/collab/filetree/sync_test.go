// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package filetree

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devsync-ai/devsync/services/collab/datatypes"
	"github.com/devsync-ai/devsync/services/collab/registry"
	"github.com/devsync-ai/devsync/services/collab/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// harness wires a memory store, a registry, and a synchronizer with a short
// quiet window, plus one joined observer so rooms stay live.
type harness struct {
	store    *store.MemoryStore
	registry *registry.Registry
	sync     *Synchronizer
	roomID   string
	sender   *registry.Participant
	observer *registry.Participant
}

func newHarness(t *testing.T, quiet time.Duration, initialTree string) *harness {
	t.Helper()

	memStore := store.NewMemoryStore()
	roomID := memStore.AddProject(store.Project{Name: "demo", FileTree: initialTree})

	var sy *Synchronizer
	reg := registry.NewRegistry(func(ctx context.Context, id string) (datatypes.FileTreeSnapshot, error) {
		return sy.Hydrate(ctx, id)
	}, testLogger())
	sy = NewSynchronizer(memStore, reg, quiet, testLogger())
	reg.SetEvictHandler(sy.Evict)

	sender := registry.NewParticipant("u1", "a@example.com")
	observer := registry.NewParticipant("u2", "b@example.com")
	_, err := reg.Join(context.Background(), roomID, sender)
	require.NoError(t, err)
	_, err = reg.Join(context.Background(), roomID, observer)
	require.NoError(t, err)

	return &harness{
		store:    memStore,
		registry: reg,
		sync:     sy,
		roomID:   roomID,
		sender:   sender,
		observer: observer,
	}
}

func drainTrees(t *testing.T, p *registry.Participant) []datatypes.FileTreeSnapshot {
	t.Helper()
	var out []datatypes.FileTreeSnapshot
	for {
		select {
		case frame, ok := <-p.Frames():
			if !ok {
				return out
			}
			var env datatypes.Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			require.Equal(t, datatypes.EventFilesUpdated, env.Event)
			var tree datatypes.FileTreeSnapshot
			require.NoError(t, json.Unmarshal(env.Data, &tree))
			out = append(out, tree)
		default:
			return out
		}
	}
}

func TestHydrate_LoadsDurableTree(t *testing.T) {
	h := newHarness(t, time.Hour, `{"main.go":{"content":"package main"}}`)

	tree, ok := h.sync.CurrentSnapshot(h.roomID)
	require.True(t, ok)
	assert.Equal(t, "package main", tree["main.go"].Content)
}

func TestApplyUpdate_RebroadcastsImmediatelyExcludingSender(t *testing.T) {
	h := newHarness(t, time.Hour, "")

	merged, ok := h.sync.ApplyUpdate(h.roomID, datatypes.FileTreeSnapshot{
		"a.js": {Content: "1"},
	}, h.sender.ConnID)
	require.True(t, ok)
	assert.Equal(t, "1", merged["a.js"].Content)

	assert.Empty(t, drainTrees(t, h.sender), "sender must not receive its own update")

	got := drainTrees(t, h.observer)
	require.Len(t, got, 1, "rebroadcast must not be debounced")
	assert.Equal(t, "1", got[0]["a.js"].Content)

	// Durable write still pending inside the quiet window.
	assert.Equal(t, 0, h.store.FileTreeWrites(h.roomID))
}

func TestApplyUpdate_EmptySenderReachesWholeRoom(t *testing.T) {
	h := newHarness(t, time.Hour, "")

	_, ok := h.sync.ApplyUpdate(h.roomID, datatypes.FileTreeSnapshot{
		"a.js": {Content: "1"},
	}, "")
	require.True(t, ok)

	assert.Len(t, drainTrees(t, h.sender), 1)
	assert.Len(t, drainTrees(t, h.observer), 1)
}

func TestApplyUpdate_BurstCoalescesToOneDurableWrite(t *testing.T) {
	h := newHarness(t, 80*time.Millisecond, "")

	// Five rapid updates, well inside the quiet window.
	for i := 1; i <= 5; i++ {
		_, ok := h.sync.ApplyUpdate(h.roomID, datatypes.FileTreeSnapshot{
			fmt.Sprintf("f%d.js", i): {Content: fmt.Sprintf("v%d", i)},
			"shared.js":              {Content: fmt.Sprintf("rev%d", i)},
		}, h.sender.ConnID)
		require.True(t, ok)
	}

	// Every update rebroadcast immediately.
	assert.Len(t, drainTrees(t, h.observer), 5)

	require.Eventually(t, func() bool {
		return h.store.FileTreeWrites(h.roomID) > 0
	}, 2*time.Second, 10*time.Millisecond)

	// Exactly one write, carrying the fully merged burst.
	assert.Equal(t, 1, h.store.FileTreeWrites(h.roomID))
	project, err := h.store.FindProject(context.Background(), h.roomID)
	require.NoError(t, err)
	persisted, err := datatypes.DeserializeFileTree(project.FileTree)
	require.NoError(t, err)
	assert.Len(t, persisted, 6)
	assert.Equal(t, "rev5", persisted["shared.js"].Content)
	assert.Equal(t, "v1", persisted["f1.js"].Content)
}

func TestApplyUpdate_SeparateBurstsWriteSeparately(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond, "")

	_, ok := h.sync.ApplyUpdate(h.roomID, datatypes.FileTreeSnapshot{"a.js": {Content: "1"}}, "")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return h.store.FileTreeWrites(h.roomID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, ok = h.sync.ApplyUpdate(h.roomID, datatypes.FileTreeSnapshot{"b.js": {Content: "2"}}, "")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return h.store.FileTreeWrites(h.roomID) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeleteFile_RemovesKeyAndPersists(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond, `{"a.js":{"content":"1"},"b.js":{"content":"2"}}`)

	merged, ok := h.sync.DeleteFile(h.roomID, "a.js", h.sender.ConnID)
	require.True(t, ok)
	assert.NotContains(t, merged, "a.js")
	assert.Contains(t, merged, "b.js")

	got := drainTrees(t, h.observer)
	require.Len(t, got, 1)
	assert.NotContains(t, got[0], "a.js")

	require.Eventually(t, func() bool {
		return h.store.FileTreeWrites(h.roomID) == 1
	}, 2*time.Second, 10*time.Millisecond)
	project, err := h.store.FindProject(context.Background(), h.roomID)
	require.NoError(t, err)
	persisted, err := datatypes.DeserializeFileTree(project.FileTree)
	require.NoError(t, err)
	assert.NotContains(t, persisted, "a.js")
}

func TestApplyUpdate_DeadRoomIsRejected(t *testing.T) {
	h := newHarness(t, time.Hour, "")
	_, ok := h.sync.ApplyUpdate("no-such-room", datatypes.FileTreeSnapshot{"a.js": {Content: "1"}}, "")
	assert.False(t, ok)
}

func TestEvict_FlushesPendingWrite(t *testing.T) {
	h := newHarness(t, time.Hour, "")

	_, ok := h.sync.ApplyUpdate(h.roomID, datatypes.FileTreeSnapshot{"a.js": {Content: "1"}}, "")
	require.True(t, ok)
	require.Equal(t, 0, h.store.FileTreeWrites(h.roomID), "quiet window has not elapsed")

	// Last member leaving triggers the registry's evict hook.
	h.registry.Leave(h.roomID, h.sender)
	h.registry.Leave(h.roomID, h.observer)

	assert.Equal(t, 1, h.store.FileTreeWrites(h.roomID))
	project, err := h.store.FindProject(context.Background(), h.roomID)
	require.NoError(t, err)
	persisted, err := datatypes.DeserializeFileTree(project.FileTree)
	require.NoError(t, err)
	assert.Equal(t, "1", persisted["a.js"].Content)
}

func TestEvict_NoPendingWriteIsNoOp(t *testing.T) {
	h := newHarness(t, time.Hour, "")

	h.registry.Leave(h.roomID, h.sender)
	h.registry.Leave(h.roomID, h.observer)

	assert.Equal(t, 0, h.store.FileTreeWrites(h.roomID))
}

func TestShutdown_FlushesAllRooms(t *testing.T) {
	h := newHarness(t, time.Hour, "")

	_, ok := h.sync.ApplyUpdate(h.roomID, datatypes.FileTreeSnapshot{"a.js": {Content: "1"}}, "")
	require.True(t, ok)

	h.sync.Shutdown()
	assert.Equal(t, 1, h.store.FileTreeWrites(h.roomID))

	// Idempotent: nothing left to flush.
	h.sync.Shutdown()
	assert.Equal(t, 1, h.store.FileTreeWrites(h.roomID))
}
