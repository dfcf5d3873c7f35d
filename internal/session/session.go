// Package session owns the active conversation view: it wires the message
// engine and the call machine to one transport channel and disposes of them
// together.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/servicehub/chatcore/internal/call"
	"github.com/servicehub/chatcore/internal/chat"
	"github.com/servicehub/chatcore/internal/config"
	"github.com/servicehub/chatcore/internal/events"
	"github.com/servicehub/chatcore/internal/transport"
	"github.com/servicehub/chatcore/internal/types"
)

// Backend is the REST side a session needs.
type Backend interface {
	chat.Durable
	chat.PageFetcher
}

// Options identifies the conversation and tunes its components.
type Options struct {
	SelfID         string
	Role           types.Role
	ConversationID string
	PeerID         string
	PageSize       int
	Delivery       config.DeliveryConfig
	Call           config.CallConfig
}

// Session is one open conversation.
type Session struct {
	opts     Options
	channel  transport.Channel
	store    *chat.Store
	pipeline *chat.Pipeline
	pager    *chat.Pager
	calls    *call.Machine
	logger   *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	peerOnline bool
	lastSeen   time.Time

	unsubs    []func()
	closeOnce sync.Once
}

// Open joins the conversation room, subscribes the inbound handlers and
// loads the newest history page. A failed history load is logged and the
// session stays usable.
func Open(ctx context.Context, opts Options, channel transport.Channel, backend Backend, uploader chat.Uploader, media call.MediaFactory, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	store := chat.NewStore()
	pipeline := chat.NewPipeline(chat.PipelineConfig{
		SelfID:         opts.SelfID,
		SelfRole:       opts.Role,
		ConversationID: opts.ConversationID,
		PeerID:         opts.PeerID,
		MaxAttempts:    opts.Delivery.MaxAttempts,
		BaseDelay:      opts.Delivery.BaseDelay,
		UploadRetries:  opts.Delivery.UploadRetries,
		UploadTimeout:  opts.Delivery.UploadTimeout,
	}, store, channel, backend, uploader, logger)
	pager := chat.NewPager(backend, store, opts.ConversationID, opts.PageSize, logger)
	pipeline.SetRefresher(pager)

	calls := call.NewMachine(call.Config{
		SelfID:          opts.SelfID,
		PeerID:          opts.PeerID,
		ConversationID:  opts.ConversationID,
		RingTimeout:     opts.Call.RingTimeout,
		DisconnectGrace: opts.Call.DisconnectGrace,
	}, channel, media, logger)

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:     opts,
		channel:  channel,
		store:    store,
		pipeline: pipeline,
		pager:    pager,
		calls:    calls,
		logger:   logger,
		ctx:      sctx,
		cancel:   cancel,
	}

	s.unsubs = append(s.unsubs,
		channel.On(events.MessageReceived, func(data json.RawMessage) { pipeline.HandleInbound(data) }),
		channel.On(events.MessageRead, pipeline.HandleRead),
		channel.On(events.UserOnline, s.presence(true)),
		channel.On(events.UserOffline, s.presence(false)),
		channel.On(events.Error, s.handleError),
		channel.OnStateChange(s.stateChanged),
	)
	calls.Start()

	if channel.State() == transport.StateConnected {
		s.join()
	}
	if err := pager.Load(ctx); err != nil {
		logger.WithError(err).WithField("conversation_id", opts.ConversationID).Warn("initial history load failed")
	}
	return s
}

// Store returns the conversation's message log.
func (s *Session) Store() *chat.Store { return s.store }

// Pipeline returns the delivery pipeline.
func (s *Session) Pipeline() *chat.Pipeline { return s.pipeline }

// Pager returns the history pager.
func (s *Session) Pager() *chat.Pager { return s.pager }

// Calls returns the call state machine.
func (s *Session) Calls() *call.Machine { return s.calls }

// PeerOnline reports the last presence event seen for the peer.
func (s *Session) PeerOnline() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerOnline, s.lastSeen
}

// Close leaves the room, hangs up any live call and removes every handler
// this session registered. Calling it twice is harmless.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.channel.Emit(events.LeaveConversation, events.Room{ConversationID: s.opts.ConversationID})
		s.calls.Close()
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.unsubs = nil
		s.cancel()
	})
}

// stateChanged re-joins the room after each reconnect; the channel does not
// restore room membership itself. Stalled sends are left for manual retry.
func (s *Session) stateChanged(state transport.State) {
	if state != transport.StateConnected {
		return
	}
	s.join()
	if err := s.pipeline.FlushRead(s.ctx); err != nil {
		s.logger.WithError(err).Debug("pending read receipt not flushed")
	}
}

func (s *Session) join() {
	s.channel.Emit(events.JoinConversation, events.Room{ConversationID: s.opts.ConversationID})
}

func (s *Session) presence(online bool) transport.Handler {
	return func(data json.RawMessage) {
		var p events.Presence
		if err := json.Unmarshal(data, &p); err != nil {
			s.logger.WithError(err).Warn("malformed presence payload")
			return
		}
		if p.UserID != s.opts.PeerID {
			return
		}
		s.mu.Lock()
		s.peerOnline = online
		s.lastSeen = p.Timestamp
		s.mu.Unlock()
	}
}

func (s *Session) handleError(data json.RawMessage) {
	var e events.ErrorPayload
	if err := json.Unmarshal(data, &e); err != nil {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"event":  e.Event,
		"reason": e.Message,
	}).Warn("relay refused request")
}
