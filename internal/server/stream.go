package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inspecta/internal/catalog"
	"github.com/MarcoPoloResearchLab/inspecta/internal/realtime"
	"github.com/MarcoPoloResearchLab/inspecta/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventConnected = "connected"
	streamEventHeartbeat = "heartbeat"
)

// streamRooms collects the rooms requested through establishment_id and
// inspection_id query parameters. Both may repeat.
func streamRooms(c *gin.Context) ([]string, error) {
	var rooms []string
	for _, raw := range c.QueryArray("establishment_id") {
		id, err := catalog.NewEstablishmentID(raw)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, realtime.EstablishmentRoom(id.Uint64()))
	}
	for _, raw := range c.QueryArray("inspection_id") {
		room, err := realtime.ValidateRoom("inspection_" + strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// handleStream subscribes the caller to room events over server-sent events. The first
// event carries the connection id used to join further rooms.
func (h *httpHandler) handleStream(c *gin.Context) {
	actor := actorFrom(c)
	if !actor.Can(users.CapabilityView) {
		c.JSON(http.StatusForbidden, errorResponse{Error: "forbidden", Message: "role cannot observe rooms"})
		return
	}
	rooms, err := streamRooms(c)
	if err != nil {
		badRequest(c, "invalid_room", err.Error())
		return
	}

	ctx := c.Request.Context()
	subscription := h.hub.Connect(ctx, actor.ID)
	defer h.hub.Disconnect(subscription.ID())
	for _, room := range rooms {
		if err := h.hub.Join(subscription.ID(), room); err != nil {
			h.logger.Warn("realtime join failed", zap.String("connection_id", subscription.ID()), zap.String("room", room), zap.Error(err))
			return
		}
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(streamEventConnected, gin.H{
		"connection_id": subscription.ID(),
		"actor_id":      actor.ID,
		"rooms":         rooms,
	})
	c.Writer.Flush()
	h.logger.Debug("realtime stream opened", zap.String("connection_id", subscription.ID()), zap.String("actor_id", actor.ID))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-subscription.Events():
			if !ok {
				return
			}
			c.SSEvent(event.Name, event)
			c.Writer.Flush()
		case now := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": now.UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		}
	}
}

type roomRequest struct {
	Room string `json:"room"`
}

func (h *httpHandler) handleJoinRoom(c *gin.Context) {
	actor := actorFrom(c)
	if !actor.Can(users.CapabilityView) {
		c.JSON(http.StatusForbidden, errorResponse{Error: "forbidden", Message: "role cannot observe rooms"})
		return
	}
	var request roomRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	connectionID := c.Param("connection")
	if err := h.hub.JoinAs(actor.ID, connectionID, request.Room); err != nil {
		h.respondRoomError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection_id": connectionID, "room": strings.TrimSpace(request.Room)})
}

func (h *httpHandler) handleLeaveRoom(c *gin.Context) {
	actor := actorFrom(c)
	if !actor.Can(users.CapabilityView) {
		c.JSON(http.StatusForbidden, errorResponse{Error: "forbidden", Message: "role cannot observe rooms"})
		return
	}
	if err := h.hub.LeaveAs(actor.ID, c.Param("connection"), c.Param("room")); err != nil {
		h.respondRoomError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondRoomError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, realtime.ErrInvalidRoom):
		badRequest(c, "invalid_room", err.Error())
	case errors.Is(err, realtime.ErrNotOwner):
		c.JSON(http.StatusForbidden, errorResponse{Error: "forbidden", Message: err.Error()})
	case errors.Is(err, realtime.ErrUnknownConnection):
		c.JSON(http.StatusNotFound, errorResponse{Error: "unknown_connection", Message: err.Error()})
	default:
		h.respondError(c, "realtime_rooms", err)
	}
}
