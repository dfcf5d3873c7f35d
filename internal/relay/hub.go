// Package relay routes realtime events between the connections of
// conversation participants and keeps the server side of call signaling.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/servicehub/chatcore/internal/events"
	"github.com/servicehub/chatcore/internal/metrics"
	"github.com/servicehub/chatcore/internal/storage/postgres"
	"github.com/servicehub/chatcore/internal/types"
)

// Refusals reported back to the sender as an error event.
var (
	ErrBadPayload     = errors.New("malformed payload")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrNotMember      = errors.New("not a member of this conversation")
	ErrNotParticipant = errors.New("not a participant of this call")
	ErrInternal       = errors.New("internal error")
)

// Conversations resolves conversation membership.
type Conversations interface {
	GetByID(ctx context.Context, id string) (*types.Conversation, error)
}

// Messages persists call-record messages.
type Messages interface {
	Create(ctx context.Context, msg *types.Message) (bool, error)
}

// Options tunes websocket connections.
type Options struct {
	WriteTimeout  time.Duration
	PongWait      time.Duration
	SendBuffer    int
	MaxFrameBytes int64
	OpTimeout     time.Duration
}

func (o *Options) withDefaults() {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
}

type handler func(ctx context.Context, c *client, data json.RawMessage) error

// Hub owns the connections of this relay instance.
type Hub struct {
	opts     Options
	convs    Conversations
	msgs     Messages
	calls    CallRegistry
	presence Presence
	broker   Broker
	logger   *logrus.Logger
	now      func() time.Time
	handlers map[string]handler

	mu    sync.RWMutex
	users map[string]map[*client]struct{}
}

func NewHub(opts Options, convs Conversations, msgs Messages, calls CallRegistry, presence Presence, broker Broker, logger *logrus.Logger) *Hub {
	opts.withDefaults()
	h := &Hub{
		opts:     opts,
		convs:    convs,
		msgs:     msgs,
		calls:    calls,
		presence: presence,
		broker:   broker,
		logger:   logger,
		now:      time.Now,
		users:    make(map[string]map[*client]struct{}),
	}
	h.handlers = map[string]handler{
		events.JoinConversation:   h.handleJoin,
		events.LeaveConversation:  h.handleLeave,
		events.SendMessage:        h.handleSend,
		events.MessageRead:        h.handleRead,
		events.InitiateCall:       h.handleInitiate,
		events.AcceptCall:         h.handleAccept,
		events.RejectCall:         h.terminal(events.RejectCall),
		events.CancelCall:         h.terminal(events.CancelCall),
		events.EndCall:            h.terminal(events.EndCall),
		events.WebRTCOffer:        h.handleDescription(events.WebRTCOffer),
		events.WebRTCAnswer:       h.handleDescription(events.WebRTCAnswer),
		events.WebRTCICECandidate: h.handleCandidate,
	}
	broker.Subscribe(h.deliverLocal)
	return h
}

// Run drives the broker until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	return h.broker.Run(ctx)
}

// Serve runs one upgraded connection until it closes.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, userID string, role types.Role) {
	c := newClient(uuid.NewString(), userID, role, conn, h.opts)
	log := h.logger.WithFields(logrus.Fields{"user_id": userID, "conn_id": c.id})

	h.register(ctx, c)
	log.Debug("websocket connected")
	go c.writeLoop()

	h.readLoop(ctx, c)

	c.close()
	h.unregister(ctx, c)
	log.Debug("websocket disconnected")
}

// Shutdown closes every local connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.users {
		for c := range conns {
			c.close()
		}
	}
}

func (h *Hub) register(ctx context.Context, c *client) {
	h.mu.Lock()
	conns, ok := h.users[c.userID]
	if !ok {
		conns = make(map[*client]struct{})
		h.users[c.userID] = conns
	}
	conns[c] = struct{}{}
	h.mu.Unlock()
	metrics.ConnectionsActive.Inc()

	first, err := h.presence.Connect(ctx, c.userID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", c.userID).Warn("presence connect failed")
	}
	if first {
		h.publish(ctx, Delivery{UserID: Everyone}, events.UserOnline, events.Presence{UserID: c.userID, Timestamp: h.now()})
	}
}

func (h *Hub) unregister(ctx context.Context, c *client) {
	h.mu.Lock()
	if conns, ok := h.users[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.userID)
		}
	}
	h.mu.Unlock()
	metrics.ConnectionsActive.Dec()

	// The request context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.OpTimeout)
	defer cancel()
	last, err := h.presence.Disconnect(ctx, c.userID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", c.userID).Warn("presence disconnect failed")
	}
	if last {
		h.publish(ctx, Delivery{UserID: Everyone}, events.UserOffline, events.Presence{UserID: c.userID, Timestamp: h.now()})
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(h.opts.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.WithError(err).WithField("user_id", c.userID).Debug("websocket read failed")
			}
			return
		}
		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.refuse(c, "", ErrBadPayload)
			continue
		}
		h.dispatch(ctx, c, env)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *client, env events.Envelope) {
	fn, ok := h.handlers[env.Event]
	if !ok {
		h.refuse(c, env.Event, ErrUnknownEvent)
		return
	}
	metrics.EventsReceived.WithLabelValues(env.Event).Inc()

	ctx, cancel := context.WithTimeout(ctx, h.opts.OpTimeout)
	defer cancel()
	if err := fn(ctx, c, env.Data); err != nil {
		h.refuse(c, env.Event, err)
	}
}

// refuse answers the sender with an error event. Unexpected failures are
// logged and reported without detail.
func (h *Hub) refuse(c *client, event string, err error) {
	switch {
	case errors.Is(err, ErrBadPayload), errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrNotMember),
		errors.Is(err, ErrNotParticipant), errors.Is(err, ErrCallExists):
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{"event": event, "user_id": c.userID}).Error("event failed")
		err = ErrInternal
	}
	if event != "" {
		metrics.EventsRefused.WithLabelValues(event).Inc()
	}
	h.reply(c, events.Error, events.ErrorPayload{Event: event, Message: err.Error()})
}

func (h *Hub) reply(c *client, event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("encode frame")
		return
	}
	c.enqueue(frame)
}

func (h *Hub) publish(ctx context.Context, d Delivery, event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("encode frame")
		return
	}
	d.Frame = frame
	if err := h.broker.Publish(ctx, d); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{"event": event, "user_id": d.UserID}).Warn("publish failed")
	}
}

func (h *Hub) deliverLocal(d Delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if d.UserID == Everyone {
		for _, conns := range h.users {
			fanout(conns, d)
		}
		return
	}
	fanout(h.users[d.UserID], d)
}

func fanout(conns map[*client]struct{}, d Delivery) {
	for c := range conns {
		if c.accepts(d) {
			c.enqueue(d.Frame)
		}
	}
}

func encode(event string, payload any) ([]byte, error) {
	env, err := events.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func decode(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return ErrBadPayload
	}
	return nil
}

// member returns the conversation if c's user takes part in it. Joined rooms
// are answered from the connection's cache.
func (h *Hub) member(ctx context.Context, c *client, conversationID string) (*types.Conversation, error) {
	if conversationID == "" {
		return nil, ErrBadPayload
	}
	if conv, ok := c.room(conversationID); ok {
		return conv, nil
	}
	conv, err := h.convs.GetByID(ctx, conversationID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(c.userID) {
		return nil, ErrNotMember
	}
	return conv, nil
}

func (h *Hub) handleJoin(ctx context.Context, c *client, data json.RawMessage) error {
	var room events.Room
	if err := decode(data, &room); err != nil {
		return err
	}
	conv, err := h.member(ctx, c, room.ConversationID)
	if err != nil {
		return err
	}
	c.join(conv)

	peer := conv.Peer(c.userID)
	online, err := h.presence.Online(ctx, peer)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", peer).Warn("presence lookup failed")
	}
	if online {
		h.reply(c, events.UserOnline, events.Presence{UserID: peer, Timestamp: h.now()})
	}
	return nil
}

func (h *Hub) handleLeave(_ context.Context, c *client, data json.RawMessage) error {
	var room events.Room
	if err := decode(data, &room); err != nil {
		return err
	}
	c.leave(room.ConversationID)
	return nil
}

// handleSend relays a chat message to the room. Persistence is the sender's
// durable write; the relay only stamps identity and time.
func (h *Hub) handleSend(ctx context.Context, c *client, data json.RawMessage) error {
	var out events.OutgoingMessage
	if err := decode(data, &out); err != nil {
		return err
	}
	if out.ClientID == "" || !out.Kind.Valid() {
		return ErrBadPayload
	}
	conv, ok := c.room(out.ConversationID)
	if !ok {
		return ErrNotMember
	}
	peer := conv.Peer(c.userID)
	out.ReceiverID = peer
	out.SenderRole = conv.RoleOf(c.userID)

	in := events.IncomingMessage{
		OutgoingMessage: out,
		ID:              out.ClientID,
		SenderID:        c.userID,
		Timestamp:       h.now().UTC(),
	}
	for _, uid := range []string{peer, c.userID} {
		h.publish(ctx, Delivery{UserID: uid, Scope: conv.ID}, events.MessageReceived, in)
	}
	return nil
}

func (h *Hub) handleRead(ctx context.Context, c *client, data json.RawMessage) error {
	var read events.Read
	if err := decode(data, &read); err != nil {
		return err
	}
	conv, err := h.member(ctx, c, read.ConversationID)
	if err != nil {
		return err
	}
	h.publish(ctx, Delivery{UserID: conv.Peer(c.userID), Scope: conv.ID}, events.MessageRead,
		events.Read{ConversationID: conv.ID, ReaderID: c.userID})
	return nil
}
