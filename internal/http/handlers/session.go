package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/brainstorm-realtime/internal/http/response"
	"github.com/yungbote/brainstorm-realtime/internal/platform/ctxutil"
	"github.com/yungbote/brainstorm-realtime/internal/platform/logger"
	"github.com/yungbote/brainstorm-realtime/internal/realtime"
	"github.com/yungbote/brainstorm-realtime/internal/realtime/session"
	"github.com/yungbote/brainstorm-realtime/internal/services"
)

type SessionHandler struct {
	log    *logger.Logger
	hub    *realtime.SSEHub
	collab services.CollabService
}

func NewSessionHandler(log *logger.Logger, hub *realtime.SSEHub, collab services.CollabService) *SessionHandler {
	return &SessionHandler{log: log.With("handler", "SessionHandler"), hub: hub, collab: collab}
}

func collabData(c *gin.Context) ctxutil.CollabData {
	if cd := ctxutil.GetCollabData(c.Request.Context()); cd != nil {
		return *cd
	}
	return ctxutil.CollabData{SessionID: strings.TrimSpace(c.Param("id"))}
}

// GET /api/sessions/:id/stream
func (h *SessionHandler) Stream(c *gin.Context) {
	cd := collabData(c)
	conn, err := h.collab.Join(c.Request.Context(), services.JoinRequest{
		SessionID:     cd.SessionID,
		ParticipantID: cd.ParticipantID,
		DisplayName:   c.Query("display_name"),
	})
	if err != nil {
		response.RespondErr(c, "join_failed", err)
		return
	}
	defer h.collab.Leave(conn)

	h.hub.ServeHTTP(c.Writer, c.Request, conn.Client)
}

// POST /api/sessions/:id/ideas
func (h *SessionHandler) CreateIdea(c *gin.Context) {
	var req services.IdeaInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	h.publish(c, session.IdeaCreated, req, http.StatusCreated)
}

// PATCH /api/sessions/:id/ideas/:ideaID
func (h *SessionHandler) UpdateIdea(c *gin.Context) {
	var req services.IdeaInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	req.ID = c.Param("ideaID")
	h.publish(c, session.IdeaUpdated, req, http.StatusOK)
}

// DELETE /api/sessions/:id/ideas/:ideaID
func (h *SessionHandler) DeleteIdea(c *gin.Context) {
	var req services.IdeaInput
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	req.ID = c.Param("ideaID")
	h.publish(c, session.IdeaDeleted, req, http.StatusOK)
}

func (h *SessionHandler) publish(c *gin.Context, kind session.IdeaEventKind, req services.IdeaInput, status int) {
	cd := collabData(c)
	idea, err := h.collab.PublishIdea(c.Request.Context(), cd.SessionID, cd.ParticipantID, kind, req)
	if err != nil {
		response.RespondErr(c, "publish_idea_failed", err)
		return
	}
	c.JSON(status, gin.H{"idea": idea})
}

// POST /api/sessions/:id/typing
func (h *SessionHandler) Typing(c *gin.Context) {
	var req struct {
		IsTyping bool `json:"is_typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	cd := collabData(c)
	if err := h.collab.SetTyping(cd.SessionID, cd.ParticipantID, req.IsTyping); err != nil {
		response.RespondErr(c, "set_typing_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/sessions/:id/resubscribe
func (h *SessionHandler) Resubscribe(c *gin.Context) {
	cd := collabData(c)
	if err := h.collab.Resubscribe(cd.SessionID, cd.ParticipantID); err != nil {
		response.RespondErr(c, "resubscribe_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "resubscribing"})
}

// GET /api/sessions/:id/status
func (h *SessionHandler) Status(c *gin.Context) {
	cd := collabData(c)
	status, presence, err := h.collab.Status(cd.SessionID, cd.ParticipantID)
	if err != nil {
		response.RespondErr(c, "status_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"status": status, "presence": presence})
}
