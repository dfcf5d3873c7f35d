package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/servicehub/chatcore/internal/metrics"
	"github.com/servicehub/chatcore/internal/types"
)

// client is one websocket connection of an authenticated user.
type client struct {
	id     string
	userID string
	role   types.Role
	conn   *websocket.Conn
	opts   Options

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[string]*types.Conversation
}

func newClient(id, userID string, role types.Role, conn *websocket.Conn, opts Options) *client {
	return &client{
		id:     id,
		userID: userID,
		role:   role,
		conn:   conn,
		opts:   opts,
		send:   make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
		rooms:  make(map[string]*types.Conversation),
	}
}

// enqueue never blocks. A connection that cannot keep up is dropped.
func (c *client) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		metrics.SlowConsumers.Inc()
		c.close()
	}
}

// close stops the write loop, which then closes the connection and so
// unblocks the reader.
func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) join(conv *types.Conversation) {
	c.mu.Lock()
	c.rooms[conv.ID] = conv
	c.mu.Unlock()
}

func (c *client) leave(conversationID string) {
	c.mu.Lock()
	delete(c.rooms, conversationID)
	c.mu.Unlock()
}

func (c *client) room(conversationID string) (*types.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.rooms[conversationID]
	return conv, ok
}

func (c *client) accepts(d Delivery) bool {
	if d.ConnID != "" && d.ConnID != c.id {
		return false
	}
	if d.Except != "" && d.Except == c.id {
		return false
	}
	if d.Scope != "" {
		if _, ok := c.room(d.Scope); !ok {
			return false
		}
	}
	return true
}

// writeLoop owns all writes to the connection.
func (c *client) writeLoop() {
	ticker := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer ticker.Stop()
	defer c.conn.Close()
	defer c.close()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(c.opts.WriteTimeout))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
