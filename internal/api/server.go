package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/servicehub/chatcore/internal/service"
	"github.com/servicehub/chatcore/internal/types"
)

// ConversationStore is the conversation persistence the handlers need.
type ConversationStore interface {
	Open(ctx context.Context, userID, agentID string) (*types.Conversation, error)
	GetByID(ctx context.Context, id string) (*types.Conversation, error)
	ListForParticipant(ctx context.Context, userID string) ([]types.Conversation, error)
	MarkRead(ctx context.Context, id string, reader types.Role) error
}

// MessageStore is the message persistence the handlers need.
type MessageStore interface {
	Create(ctx context.Context, msg *types.Message) (bool, error)
	GetByID(ctx context.Context, id string) (*types.Message, error)
	Page(ctx context.Context, conversationID string, page, limit int) (*types.Page, error)
	Delete(ctx context.Context, id string) error
	Recall(ctx context.Context, id string) error
}

// Realtime serves upgraded websocket connections.
type Realtime interface {
	Serve(ctx context.Context, conn *websocket.Conn, userID string, role types.Role)
}

// Options holds the conversation rules enforced by the handlers.
type Options struct {
	PageSize       int
	RecallWindow   time.Duration
	UploadDir      string
	UploadMaxBytes int64
}

// Server holds API dependencies.
type Server struct {
	authService *service.AuthService
	convs       ConversationStore
	msgs        MessageStore
	realtime    Realtime
	opts        Options
	upgrader    websocket.Upgrader
	logger      *logrus.Logger
	now         func() time.Time
}

// NewServer creates a new API server.
func NewServer(authService *service.AuthService, convs ConversationStore, msgs MessageStore, realtime Realtime, opts Options, logger *logrus.Logger) *Server {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.RecallWindow <= 0 {
		opts.RecallWindow = 2 * time.Minute
	}
	return &Server{
		authService: authService,
		convs:       convs,
		msgs:        msgs,
		realtime:    realtime,
		opts:        opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// CORS is open on the REST side as well; tokens are the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		now:    time.Now,
	}
}

// RegisterRoutes mounts the chat API on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api", s.AuthMiddleware)
	api.GET("/conversations", s.ListConversations)
	api.POST("/conversations", s.OpenConversation)
	api.GET("/conversations/:id", s.GetConversation)
	api.GET("/conversations/:id/messages", s.ListMessages)
	api.POST("/conversations/:id/messages", s.CreateMessage)
	api.PUT("/conversations/:id/read", s.MarkRead)
	api.DELETE("/messages/:id", s.DeleteMessage)
	api.PUT("/messages/:id/recall", s.RecallMessage)
	api.POST("/uploads", s.Upload)

	e.Static("/uploads", s.opts.UploadDir)
	e.GET("/ws", s.Realtime, s.SocketAuthMiddleware)
}
