package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/servicehub/chatcore/internal/backend"
	"github.com/servicehub/chatcore/internal/metrics"
	"github.com/servicehub/chatcore/internal/types"
)

// CreateMessage handles POST /api/conversations/:id/messages. Repeating a
// write with the same client_id returns the first message's identity.
func (s *Server) CreateMessage(c echo.Context) error {
	conv, err := s.participantConversation(c)
	if err != nil {
		return s.fail(c, err, "conversation")
	}

	var req backend.CreateMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if msg := validateMessage(&req); msg != "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg})
	}

	userID := GetUserID(c)
	msg := types.Message{
		ClientID:       req.ClientID,
		ConversationID: conv.ID,
		SenderID:       userID,
		SenderRole:     conv.RoleOf(userID),
		Content:        req.Content,
		Kind:           req.ContentType,
		Media:          req.Media,
		Location:       req.Location,
	}
	if msg.Content == "" {
		msg.Content = msg.Kind.Placeholder()
	}

	created, err := s.msgs.Create(c.Request().Context(), &msg)
	if err != nil {
		s.logger.WithError(err).WithField("conversation_id", conv.ID).Error("failed to create message")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to create message"})
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		metrics.MessagesStored.WithLabelValues(string(msg.Kind)).Inc()
	}
	return c.JSON(status, backend.CreateMessageResponse{ID: msg.ID, Timestamp: msg.Timestamp})
}

func validateMessage(req *backend.CreateMessageRequest) string {
	switch {
	case req.ContentType == "":
		req.ContentType = types.KindText
	case !req.ContentType.Valid():
		return "unknown content_type"
	case req.ContentType == types.KindCallRecord:
		return "call records are written by the relay"
	}
	switch {
	case req.ContentType == types.KindText && strings.TrimSpace(req.Content) == "":
		return "content is required"
	case req.ContentType.IsMedia() && (req.Media == nil || req.Media.URL == ""):
		return "media url is required"
	case req.ContentType == types.KindLocation && req.Location == nil:
		return "location is required"
	}
	return ""
}

// DeleteMessage handles DELETE /api/messages/:id. Only the sender may delete.
func (s *Server) DeleteMessage(c echo.Context) error {
	msg, err := s.ownMessage(c)
	if err != nil {
		return s.fail(c, err, "message")
	}
	if err := s.msgs.Delete(c.Request().Context(), msg.ID); err != nil {
		return s.fail(c, err, "message")
	}
	return c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// RecallMessage handles PUT /api/messages/:id/recall. Only the sender may
// recall, and only within the recall window.
func (s *Server) RecallMessage(c echo.Context) error {
	msg, err := s.ownMessage(c)
	if err != nil {
		return s.fail(c, err, "message")
	}
	if msg.Recalled {
		return c.JSON(http.StatusOK, SuccessResponse{Success: true})
	}
	if s.now().Sub(msg.Timestamp) > s.opts.RecallWindow {
		return c.JSON(http.StatusConflict, ErrorResponse{Error: "recall window has passed"})
	}
	if err := s.msgs.Recall(c.Request().Context(), msg.ID); err != nil {
		return s.fail(c, err, "message")
	}
	return c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) ownMessage(c echo.Context) (*types.Message, error) {
	msg, err := s.msgs.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if msg.SenderID != GetUserID(c) {
		return nil, errNotSender
	}
	return msg, nil
}
