package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/devsync-ai/devsync/services/collab/datatypes"
	"github.com/devsync-ai/devsync/services/collab/filetree"
	"github.com/devsync-ai/devsync/services/collab/middleware"
	"github.com/devsync-ai/devsync/services/collab/observability"
	"github.com/devsync-ai/devsync/services/collab/registry"
	"github.com/devsync-ai/devsync/services/collab/relay"
	"github.com/devsync-ai/devsync/services/collab/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	// 10MB Read Buffer
	ReadBufferSize: 10 * 1024 * 1024,
	// 10MB Write Buffer
	WriteBufferSize: 10 * 1024 * 1024,
}

// Default inbound event rate per connection.
const (
	defaultEventsPerSecond = 20
	defaultEventBurst      = 40
)

// AdmissionReason classifies why a connection was refused.
type AdmissionReason string

const (
	AdmissionMissingRoom     AdmissionReason = "missing_room"
	AdmissionRoomNotFound    AdmissionReason = "room_not_found"
	AdmissionUnauthenticated AdmissionReason = "unauthenticated"
)

// AdmissionError is a refused connection attempt. Admission failures reject
// the HTTP request before the socket upgrade; nothing is ever registered.
type AdmissionError struct {
	Reason AdmissionReason
	Status int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission refused: %s", e.Reason)
}

// SocketConfig tunes the connection handler.
type SocketConfig struct {
	// EventsPerSecond / EventBurst bound inbound events per connection.
	// Zero selects the defaults.
	EventsPerSecond float64
	EventBurst      int
}

// SocketHandler admits clients into rooms and pumps their socket traffic.
type SocketHandler struct {
	store    store.ProjectStore
	registry *registry.Registry
	trees    *filetree.Synchronizer
	relay    *relay.Relay
	verifier middleware.TokenVerifier
	logger   *slog.Logger
	limit    rate.Limit
	burst    int
}

// NewSocketHandler wires the connection handler. All dependencies are
// required.
func NewSocketHandler(projectStore store.ProjectStore, reg *registry.Registry, trees *filetree.Synchronizer, rel *relay.Relay, verifier middleware.TokenVerifier, config SocketConfig, logger *slog.Logger) *SocketHandler {
	if projectStore == nil || reg == nil || trees == nil || rel == nil || verifier == nil || logger == nil {
		panic("handlers: all socket handler dependencies are required")
	}
	if config.EventsPerSecond <= 0 {
		config.EventsPerSecond = defaultEventsPerSecond
	}
	if config.EventBurst <= 0 {
		config.EventBurst = defaultEventBurst
	}
	return &SocketHandler{
		store:    projectStore,
		registry: reg,
		trees:    trees,
		relay:    rel,
		verifier: verifier,
		logger:   logger,
		limit:    rate.Limit(config.EventsPerSecond),
		burst:    config.EventBurst,
	}
}

// admit validates a connection attempt. Check order is contract: a missing
// or malformed room id rejects before the store lookup, which rejects before
// credential checks.
func (h *SocketHandler) admit(c *gin.Context) (string, middleware.Identity, *AdmissionError) {
	roomID := c.Query("projectId")
	if err := store.ValidateProjectID(roomID); err != nil {
		return "", middleware.Identity{}, &AdmissionError{
			Reason: AdmissionMissingRoom,
			Status: http.StatusBadRequest,
		}
	}

	if _, err := h.store.FindProject(c.Request.Context(), roomID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("project lookup failed during admission", "room_id", roomID, "error", err)
		}
		return "", middleware.Identity{}, &AdmissionError{
			Reason: AdmissionRoomNotFound,
			Status: http.StatusNotFound,
		}
	}

	token := c.Query("token")
	if token == "" {
		token = middleware.ExtractBearerToken(c.GetHeader("Authorization"))
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		return "", middleware.Identity{}, &AdmissionError{
			Reason: AdmissionUnauthenticated,
			Status: http.StatusUnauthorized,
		}
	}

	return roomID, identity, nil
}

// Handle is the socket endpoint: admission, upgrade, join, then the read
// loop until disconnect.
func (h *SocketHandler) Handle(c *gin.Context) {
	roomID, identity, admErr := h.admit(c)
	if admErr != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.AdmissionRejectionsTotal.WithLabelValues(string(admErr.Reason)).Inc()
		}
		h.logger.Warn("connection refused", "reason", admErr.Reason)
		c.AbortWithStatusJSON(admErr.Status, gin.H{"error": string(admErr.Reason)})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	participant := registry.NewParticipant(identity.UserID, identity.Email)
	if _, err := h.registry.Join(c.Request.Context(), roomID, participant); err != nil {
		h.logger.Error("failed to join room", "room_id", roomID, "error", err)
		return
	}
	defer h.registry.Leave(roomID, participant)

	go h.writePump(ws, participant)
	h.readLoop(ws, roomID, participant, identity)
}

// writePump drains the participant's frame channel onto the socket. Exits
// when Leave closes the channel or the socket write fails.
func (h *SocketHandler) writePump(ws *websocket.Conn, p *registry.Participant) {
	for frame := range p.Frames() {
		if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			h.logger.Debug("socket write failed", "conn_id", p.ConnID, "error", err)
			return
		}
	}
	// Channel closed: the participant left the room.
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readLoop dispatches inbound envelopes until the client disconnects.
func (h *SocketHandler) readLoop(ws *websocket.Conn, roomID string, p *registry.Participant, identity middleware.Identity) {
	limiter := rate.NewLimiter(h.limit, h.burst)

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			h.logger.Info("socket client disconnected", "conn_id", p.ConnID, "error", err.Error())
			return
		}

		if !limiter.Allow() {
			h.logger.Warn("rate limit exceeded, dropping event", "conn_id", p.ConnID, "room_id", roomID)
			continue
		}

		var env datatypes.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			h.logger.Warn("malformed frame dropped", "conn_id", p.ConnID, "error", err)
			continue
		}

		h.dispatch(env, roomID, p, identity)
	}
}

// dispatch routes one inbound event. Malformed or unknown events are
// logged and dropped; they never tear down the connection.
func (h *SocketHandler) dispatch(env datatypes.Envelope, roomID string, p *registry.Participant, identity middleware.Identity) {
	switch env.Event {
	case datatypes.EventProjectMessage:
		var payload datatypes.ChatMessagePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			h.logger.Warn("bad project-message payload", "conn_id", p.ConnID, "error", err)
			return
		}
		// The authenticated identity is authoritative; the wire sender
		// field is never trusted.
		sender := datatypes.UserRef{ID: identity.UserID, Email: identity.Email}
		payload.Sender = sender
		if err := payload.Validate(); err != nil {
			h.logger.Warn("invalid project-message payload", "conn_id", p.ConnID, "error", err)
			return
		}
		roomTarget := payload.ProjectID
		if roomTarget == "" {
			roomTarget = roomID
		}
		if roomTarget != roomID {
			h.logger.Warn("cross-room message rejected", "conn_id", p.ConnID, "target", roomTarget)
			return
		}
		if err := h.relay.SubmitUserMessage(context.Background(), roomID, sender, payload.Body); err != nil {
			h.logger.Error("message submit failed", "conn_id", p.ConnID, "error", err)
		}

	case datatypes.EventUpdateFiles:
		var payload datatypes.UpdateFilesPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			h.logger.Warn("bad update-files payload", "conn_id", p.ConnID, "error", err)
			return
		}
		if err := payload.Validate(); err != nil {
			h.logger.Warn("invalid update-files payload", "conn_id", p.ConnID, "error", err)
			return
		}
		if _, ok := h.trees.ApplyUpdate(roomID, payload.FileTree, p.ConnID); !ok {
			h.logger.Warn("update for dead room", "room_id", roomID)
		}

	case datatypes.EventDeleteFile:
		var payload datatypes.DeleteFilePayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			h.logger.Warn("bad delete-file payload", "conn_id", p.ConnID, "error", err)
			return
		}
		if err := payload.Validate(); err != nil {
			h.logger.Warn("invalid delete-file payload", "conn_id", p.ConnID, "error", err)
			return
		}
		if _, ok := h.trees.DeleteFile(roomID, payload.Path, p.ConnID); !ok {
			h.logger.Warn("delete for dead room", "room_id", roomID)
		}

	default:
		h.logger.Warn("unknown event ignored", "event", env.Event, "conn_id", p.ConnID)
	}
}
