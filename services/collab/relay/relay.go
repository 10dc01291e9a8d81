// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay accepts inbound chat events and drives assistant turns.
//
// # Description
//
// The relay is the write path for chat: it persists a user message, fans it
// back out to the room (so every client receives the durable form), and
// watches for the assistant mention marker. A mention starts an assistant
// turn: a loading placeholder is persisted and broadcast, the model fallback
// chain streams chunks that are relayed live to the room, and the turn ends
// by finalizing the placeholder body (conversational or code-edit) or by
// broadcasting a fixed error event when every model failed.
//
// Assistant turns are serialized per room via the room's turn gate; turns in
// different rooms run concurrently. A participant disconnecting does not
// cancel an in-flight turn — remaining members still receive the result.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/devsync-ai/devsync/services/collab/datatypes"
	"github.com/devsync-ai/devsync/services/collab/filetree"
	"github.com/devsync-ai/devsync/services/collab/observability"
	"github.com/devsync-ai/devsync/services/collab/registry"
	"github.com/devsync-ai/devsync/services/collab/store"
	"github.com/devsync-ai/devsync/services/llm"
)

var tracer = otel.Tracer("devsync.collab.relay")

// DefaultMentionMarker triggers an assistant turn when present anywhere in
// a message body (case-insensitive).
const DefaultMentionMarker = "@"

// =============================================================================
// Interface Definition
// =============================================================================

// ModelStreamer is the fallback-chain surface the relay drives. Satisfied
// by *llm.FallbackClient.
type ModelStreamer interface {
	Stream(ctx context.Context, prompt llm.Prompt, onChunk llm.ChunkCallback) (string, error)
}

var _ ModelStreamer = (*llm.FallbackClient)(nil)

// =============================================================================
// Struct Definition
// =============================================================================

// Relay wires chat persistence, room fan-out, file tree merging, and the
// model fallback chain together for one process.
//
// # Thread Safety
//
// Safe for concurrent use. Assistant turns are serialized per room.
type Relay struct {
	store     store.ProjectStore
	rooms     *registry.Registry
	trees     *filetree.Synchronizer
	model     ModelStreamer
	assistant datatypes.UserRef
	marker    string
	logger    *slog.Logger

	// turnDone, when non-nil, is signalled after each assistant turn fully
	// completes. Tests use it to await background turns.
	turnDone chan struct{}
}

// =============================================================================
// Constructor
// =============================================================================

// NewRelay creates a relay.
//
// # Inputs
//
//   - projectStore: durable chat and tree storage. Must not be nil.
//   - rooms: live room registry. Must not be nil.
//   - trees: file tree synchronizer for code-edit turns. Must not be nil.
//   - model: fallback chain client. A nil model disables assistant turns:
//     chat and file sync keep working, mentions are ignored.
//   - assistant: the well-known assistant identity (store-owned, created at
//     startup via EnsureAssistantUser).
//   - marker: mention marker; "" selects DefaultMentionMarker.
//   - logger: structured logger. Must not be nil.
func NewRelay(projectStore store.ProjectStore, rooms *registry.Registry, trees *filetree.Synchronizer, model ModelStreamer, assistant datatypes.UserRef, marker string, logger *slog.Logger) *Relay {
	if projectStore == nil {
		panic("relay: store cannot be nil")
	}
	if rooms == nil {
		panic("relay: room registry cannot be nil")
	}
	if trees == nil {
		panic("relay: file tree synchronizer cannot be nil")
	}
	if assistant.ID == "" {
		panic("relay: assistant identity is required")
	}
	if logger == nil {
		panic("relay: logger cannot be nil")
	}
	if marker == "" {
		marker = DefaultMentionMarker
	}
	if model == nil {
		logger.Warn("no model streamer configured, assistant turns disabled")
	}
	return &Relay{
		store:     projectStore,
		rooms:     rooms,
		trees:     trees,
		model:     model,
		assistant: assistant,
		marker:    strings.ToLower(marker),
		logger:    logger,
	}
}

// =============================================================================
// Methods
// =============================================================================

// SubmitUserMessage persists a user chat message and broadcasts the durable
// form to the whole room, sender included — clients render the server copy
// and never reconcile an optimistic local id.
//
// When the body contains the mention marker an assistant turn starts in the
// background; SubmitUserMessage does not wait for it. The turn runs on a
// context detached from the sender's connection, so a disconnect mid-turn
// does not cancel it.
//
// # Outputs
//
//   - error: persistence failure. The message was not broadcast and no
//     assistant turn was started; the sender should re-issue.
func (r *Relay) SubmitUserMessage(ctx context.Context, roomID string, sender datatypes.UserRef, body string) error {
	ctx, span := tracer.Start(ctx, "Relay.SubmitUserMessage")
	defer span.End()
	span.SetAttributes(attribute.String("room.id", roomID))

	msg := datatypes.Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}

	if err := r.store.AppendMessage(ctx, roomID, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("failed to persist user message",
			"room_id", roomID,
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if err := r.rooms.Broadcast(roomID, datatypes.EventProjectMessage, msg, ""); err != nil {
		r.logger.Error("failed to broadcast user message", "room_id", roomID, "error", err)
	}

	if r.model != nil && r.mentionsAssistant(body) {
		// Detach from the sender's connection lifetime.
		turnCtx := context.WithoutCancel(ctx)
		go r.runAssistantTurn(turnCtx, roomID, r.stripMarker(body))
	}
	return nil
}

// mentionsAssistant is a deliberate substring test, not intent
// classification. False positives on the marker are accepted behavior.
func (r *Relay) mentionsAssistant(body string) bool {
	return strings.Contains(strings.ToLower(body), r.marker)
}

// stripMarker removes every marker occurrence, case-insensitively, so the
// model sees the bare prompt.
func (r *Relay) stripMarker(body string) string {
	var b strings.Builder
	lower := strings.ToLower(body)
	for {
		idx := strings.Index(lower, r.marker)
		if idx < 0 {
			b.WriteString(body)
			break
		}
		b.WriteString(body[:idx])
		body = body[idx+len(r.marker):]
		lower = lower[idx+len(r.marker):]
	}
	return strings.TrimSpace(b.String())
}

// runAssistantTurn drives one complete assistant turn for a room:
// placeholder, streaming, then finalize or error.
func (r *Relay) runAssistantTurn(ctx context.Context, roomID, prompt string) {
	ctx, span := tracer.Start(ctx, "Relay.runAssistantTurn")
	defer span.End()
	span.SetAttributes(attribute.String("room.id", roomID))

	defer func() {
		if r.turnDone != nil {
			r.turnDone <- struct{}{}
		}
	}()

	room, ok := r.rooms.Room(roomID)
	if !ok {
		r.logger.Warn("assistant turn for dead room", "room_id", roomID)
		return
	}

	// One turn at a time per room; turns queue here in arrival order.
	if err := room.BeginTurn(ctx); err != nil {
		span.RecordError(err)
		return
	}
	defer room.EndTurn()

	start := time.Now()
	placeholder := r.createPlaceholder(ctx, roomID)

	reply, err := r.streamReply(ctx, room, placeholder.ID, prompt)
	if err != nil {
		r.failTurn(ctx, roomID, placeholder.ID, err)
		r.observeTurn(observability.OutcomeError, start)
		return
	}

	outcome := r.finalizeTurn(ctx, roomID, placeholder.ID, reply)
	r.observeTurn(outcome, start)
}

// createPlaceholder persists and broadcasts the loading assistant message
// every participant sees before any text exists. Persistence failure is
// logged and the turn continues; the in-memory room still gets the stream.
func (r *Relay) createPlaceholder(ctx context.Context, roomID string) datatypes.Message {
	placeholder := datatypes.Message{
		ID:          uuid.New().String(),
		Sender:      r.assistant,
		Body:        "",
		Timestamp:   time.Now().UTC(),
		IsAIMessage: true,
		IsLoading:   true,
	}

	if err := r.store.AppendMessage(ctx, roomID, placeholder); err != nil {
		r.logger.Error("failed to persist assistant placeholder",
			"room_id", roomID,
			"message_id", placeholder.ID,
			"error", err,
		)
	}
	if err := r.rooms.Broadcast(roomID, datatypes.EventProjectMessage, placeholder, ""); err != nil {
		r.logger.Error("failed to broadcast assistant placeholder", "room_id", roomID, "error", err)
	}
	return placeholder
}

// streamReply runs the fallback chain, relaying each chunk to the room as
// it arrives. The chain accumulates the reply in wipeable memory and its
// finalized text is authoritative; a failed attempt's partial chunks never
// appear in it.
func (r *Relay) streamReply(ctx context.Context, room *registry.Room, messageID, prompt string) (string, error) {
	p, err := llm.BuildAssistantPrompt(prompt, room.Snapshot())
	if err != nil {
		return "", err
	}

	return r.model.Stream(ctx, p, func(chunk string) {
		if m := observability.DefaultMetrics; m != nil {
			m.AIChunksTotal.Inc()
		}
		payload := datatypes.ChunkPayload{ID: messageID, Chunk: chunk}
		if berr := r.rooms.Broadcast(room.ID(), datatypes.EventAIMessageChunk, payload, ""); berr != nil {
			r.logger.Error("failed to broadcast chunk", "room_id", room.ID(), "error", berr)
		}
	})
}

// finalizeTurn parses the accumulated reply, applies a code-edit merge when
// present, persists the final body, and broadcasts the terminal end event.
func (r *Relay) finalizeTurn(ctx context.Context, roomID, messageID, raw string) observability.TurnOutcome {
	reply := llm.ParseAssistantReply(raw)
	outcome := observability.OutcomeConversational

	if reply.Kind == llm.ReplyFileEdit {
		outcome = observability.OutcomeFileEdit
		// Assistant merges go to the whole room, sender exclusion empty.
		if _, ok := r.trees.ApplyUpdate(roomID, reply.FileTree, ""); !ok {
			r.logger.Warn("code-edit reply for dead room", "room_id", roomID)
		}
	}

	if err := r.store.UpdateMessageBody(ctx, roomID, messageID, reply.Text); err != nil {
		r.logger.Error("failed to finalize assistant message",
			"room_id", roomID,
			"message_id", messageID,
			"error", err,
		)
	}

	end := datatypes.EndPayload{
		ID:        messageID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.rooms.Broadcast(roomID, datatypes.EventAIMessageEnd, end, ""); err != nil {
		r.logger.Error("failed to broadcast end event", "room_id", roomID, "error", err)
	}
	return outcome
}

// failTurn finalizes an errored turn: fixed error body persisted and a
// terminal error event broadcast. The room stays live; the user re-triggers
// with a new mention.
func (r *Relay) failTurn(ctx context.Context, roomID, messageID string, cause error) {
	var exhausted *llm.AllModelsFailedError
	if errors.As(cause, &exhausted) {
		r.logger.Error("assistant turn exhausted all models",
			"room_id", roomID,
			"message_id", messageID,
			"attempts", exhausted.Attempts,
			"last_error", exhausted.LastErr,
		)
	} else {
		r.logger.Error("assistant turn failed",
			"room_id", roomID,
			"message_id", messageID,
			"error", cause,
		)
	}

	if err := r.store.UpdateMessageBody(ctx, roomID, messageID, datatypes.AssistantErrorBody); err != nil {
		r.logger.Error("failed to persist assistant error body",
			"room_id", roomID,
			"message_id", messageID,
			"error", err,
		)
	}

	payload := datatypes.ErrorPayload{ID: messageID, Body: datatypes.AssistantErrorBody}
	if err := r.rooms.Broadcast(roomID, datatypes.EventAIMessageError, payload, ""); err != nil {
		r.logger.Error("failed to broadcast error event", "room_id", roomID, "error", err)
	}
}

func (r *Relay) observeTurn(outcome observability.TurnOutcome, start time.Time) {
	if m := observability.DefaultMetrics; m != nil {
		m.AITurnsTotal.WithLabelValues(string(outcome)).Inc()
		m.AIStreamDurationSeconds.Observe(time.Since(start).Seconds())
	}
}
