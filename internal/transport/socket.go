// Package transport provides the single duplex realtime connection a client
// session uses for messages, presence and call signaling.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/servicehub/chatcore/internal/events"
)

// State is the connection state of a channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Handler receives the raw payload of an inbound event.
type Handler func(data json.RawMessage)

// Channel is the contract the conversation engine depends on. Emit is
// fire-and-forget: frames emitted while not connected are dropped.
type Channel interface {
	Emit(event string, payload any)
	On(event string, h Handler) func()
	State() State
	OnStateChange(fn func(State)) func()
	Reconnect()
}

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("transport: closed")

const (
	defaultMinBackoff   = 500 * time.Millisecond
	defaultMaxBackoff   = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultPongWait     = 60 * time.Second
)

// Options configures a Socket.
type Options struct {
	Header       http.Header
	Dialer       *websocket.Dialer
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	WriteTimeout time.Duration
	PongWait     time.Duration
	Logger       *logrus.Logger
}

// Socket is a websocket Channel that reconnects on unexpected disconnects.
// Room membership is not restored; observers of StateConnected must rejoin.
type Socket struct {
	*Registry

	url    string
	opts   Options
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu           sync.Mutex
	conn         *websocket.Conn
	state        State
	reconnecting bool
	closed       bool

	writeMu sync.Mutex
}

var _ Channel = (*Socket)(nil)

// NewSocket creates a disconnected socket for url.
func NewSocket(url string, opts Options) *Socket {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		Registry: NewRegistry(opts.Logger),
		url:      url,
		opts:     opts,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		state:    StateDisconnected,
	}
}

// Connect dials the server once. If the dial fails the socket stays
// disconnected and the error is returned; call Reconnect to keep trying.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}
	s.attach(conn)
	return nil
}

// State returns the current connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Emit sends one frame. Failures are logged, never returned.
func (s *Socket) Emit(event string, payload any) {
	env, err := events.NewEnvelope(event, payload)
	if err != nil {
		s.logger.WithError(err).WithField("event", event).Error("failed to encode event")
		return
	}

	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if conn == nil || state != StateConnected {
		s.logger.WithFields(logrus.Fields{
			"event": event,
			"state": state,
		}).Warn("dropping event while not connected")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteJSON(env); err != nil {
		s.logger.WithError(err).WithField("event", event).Warn("failed to write event")
		// The read loop notices the broken connection and reconnects.
		_ = conn.Close()
	}
}

// Reconnect asks for an immediate reconnect attempt. It is a no-op while
// connected or after Close.
func (s *Socket) Reconnect() {
	s.mu.Lock()
	closed, connected, looping := s.closed, s.conn != nil, s.reconnecting
	s.mu.Unlock()
	if closed || connected {
		return
	}
	if looping {
		select {
		case s.wake <- struct{}{}:
		default:
		}
		return
	}
	go s.reconnectLoop()
}

// Close tears the connection down for good and drops every handler.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	var err error
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = conn.Close()
	}
	s.setState(StateDisconnected)
	s.Registry.Clear()
	return err
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	s.setState(StateConnecting)
	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.url, s.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", s.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}
	return conn, nil
}

func (s *Socket) attach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	done := make(chan struct{})
	go s.serve(conn, done)
	go s.ping(conn, done)

	s.logger.WithField("url", s.url).Info("transport connected")
	s.setState(StateConnected)
}

// serve reads frames until the connection breaks and dispatches them in
// arrival order.
func (s *Socket) serve(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.WithError(err).Debug("transport read failed")
			}
			break
		}
		s.Registry.Dispatch(env.Event, env.Data)
	}
	_ = conn.Close()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	s.logger.Warn("transport disconnected unexpectedly")
	s.setState(StateDisconnected)
	s.reconnectLoop()
}

func (s *Socket) ping(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.opts.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Socket) reconnectLoop() {
	s.mu.Lock()
	if s.reconnecting || s.closed || s.conn != nil {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	b := retry.WithJitterPercent(10, retry.WithCappedDuration(s.opts.MaxBackoff, retry.NewExponential(s.opts.MinBackoff)))
	for attempt := 1; ; attempt++ {
		conn, err := s.dial(s.ctx)
		if err == nil {
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()
			s.attach(conn)
			return
		}
		if s.ctx.Err() != nil {
			break
		}
		s.setState(StateDisconnected)

		delay, _ := b.Next()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("transport reconnect failed")

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
		if s.ctx.Err() != nil {
			break
		}
	}

	s.mu.Lock()
	s.reconnecting = false
	s.mu.Unlock()
	s.setState(StateDisconnected)
}

func (s *Socket) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.Registry.Notify(state)
}
