package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/servicehub/chatcore/internal/storage/postgres"
	"github.com/servicehub/chatcore/internal/types"
)

var (
	errNotParticipant = errors.New("not a participant")
	errNotSender      = errors.New("only the sender may change this message")
)

// OpenConversationRequest is the request body for opening a conversation.
type OpenConversationRequest struct {
	PeerID string `json:"peer_id"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []types.Conversation `json:"conversations"`
}

// OpenConversation returns the conversation between the caller and a peer,
// creating it on first contact.
func (s *Server) OpenConversation(c echo.Context) error {
	var req OpenConversationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	userID := GetUserID(c)
	if req.PeerID == "" || req.PeerID == userID {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "peer_id is required"})
	}

	userSide, agentSide := userID, req.PeerID
	if GetRole(c) == types.RoleAgent {
		userSide, agentSide = req.PeerID, userID
	}
	conv, err := s.convs.Open(c.Request().Context(), userSide, agentSide)
	if err != nil {
		s.logger.WithError(err).Error("failed to open conversation")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to open conversation"})
	}
	return c.JSON(http.StatusOK, conv)
}

// ListConversations returns the caller's conversations.
func (s *Server) ListConversations(c echo.Context) error {
	convs, err := s.convs.ListForParticipant(c.Request().Context(), GetUserID(c))
	if err != nil {
		s.logger.WithError(err).Error("failed to list conversations")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list conversations"})
	}
	if convs == nil {
		convs = []types.Conversation{}
	}
	return c.JSON(http.StatusOK, ListConversationsResponse{Conversations: convs})
}

// GetConversation returns one conversation with its unread counters.
func (s *Server) GetConversation(c echo.Context) error {
	conv, err := s.participantConversation(c)
	if err != nil {
		return s.fail(c, err, "conversation")
	}
	return c.JSON(http.StatusOK, conv)
}

// ListMessages returns one newest-first page of history.
func (s *Server) ListMessages(c echo.Context) error {
	conv, err := s.participantConversation(c)
	if err != nil {
		return s.fail(c, err, "conversation")
	}

	page := queryInt(c, "page", 1)
	if page < 1 {
		page = 1
	}
	limit := queryInt(c, "limit", s.opts.PageSize)
	if limit <= 0 {
		limit = s.opts.PageSize
	}
	if limit > 100 {
		limit = 100
	}

	result, err := s.msgs.Page(c.Request().Context(), conv.ID, page, limit)
	if err != nil {
		s.logger.WithError(err).WithField("conversation_id", conv.ID).Error("failed to page messages")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load messages"})
	}
	if result.Messages == nil {
		result.Messages = []types.Message{}
	}
	return c.JSON(http.StatusOK, result)
}

// MarkRead zeroes the caller's unread counter and marks the peer's messages
// read.
func (s *Server) MarkRead(c echo.Context) error {
	conv, err := s.participantConversation(c)
	if err != nil {
		return s.fail(c, err, "conversation")
	}
	if err := s.convs.MarkRead(c.Request().Context(), conv.ID, conv.RoleOf(GetUserID(c))); err != nil {
		return s.fail(c, err, "conversation")
	}
	return c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) participantConversation(c echo.Context) (*types.Conversation, error) {
	conv, err := s.convs.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(GetUserID(c)) {
		return nil, errNotParticipant
	}
	return conv, nil
}

// fail writes the response for a failed lookup of what.
func (s *Server) fail(c echo.Context, err error, what string) error {
	switch {
	case errors.Is(err, postgres.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: what + " not found"})
	case errors.Is(err, errNotParticipant), errors.Is(err, errNotSender):
		return c.JSON(http.StatusForbidden, ErrorResponse{Error: err.Error()})
	}
	s.logger.WithError(err).Errorf("failed to load %s", what)
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load " + what})
}

func queryInt(c echo.Context, name string, def int) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return def
	}
	return v
}
