package session

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehub/chatcore/internal/backend"
	"github.com/servicehub/chatcore/internal/call"
	"github.com/servicehub/chatcore/internal/config"
	"github.com/servicehub/chatcore/internal/events"
	"github.com/servicehub/chatcore/internal/transport"
	"github.com/servicehub/chatcore/internal/transport/transporttest"
	"github.com/servicehub/chatcore/internal/types"
	"github.com/servicehub/chatcore/internal/upload"
)

type stubBackend struct {
	markReadErr error
	markReads   int
	pageErr     error
}

func (b *stubBackend) CreateMessage(ctx context.Context, req *backend.CreateMessageRequest) (*backend.CreateMessageResponse, error) {
	return &backend.CreateMessageResponse{ID: "srv-" + req.ClientID, Timestamp: time.Now()}, nil
}

func (b *stubBackend) MarkRead(ctx context.Context, conversationID string) error {
	b.markReads++
	return b.markReadErr
}

func (b *stubBackend) DeleteMessage(context.Context, string) error { return nil }
func (b *stubBackend) RecallMessage(context.Context, string) error { return nil }

func (b *stubBackend) FetchPage(ctx context.Context, conversationID string, page, limit int) (*types.Page, error) {
	if b.pageErr != nil {
		return nil, b.pageErr
	}
	return &types.Page{
		Messages:   []types.Message{{ID: "m1", ConversationID: conversationID, SenderID: "a1", Content: "welcome", Kind: types.KindText, Timestamp: time.Now()}},
		Page:       1,
		TotalPages: 1,
		Total:      1,
	}, nil
}

type noUploads struct{}

func (noUploads) Upload(context.Context, types.Kind, string, upload.Options) (*upload.Result, error) {
	return nil, errors.New("no uploads in this test")
}

func noMedia(context.Context) (call.MediaSession, error) {
	return nil, errors.New("no media in this test")
}

func open(t *testing.T, ch *transporttest.Memory, b *stubBackend) *Session {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := Open(context.Background(), Options{
		SelfID:         "u1",
		Role:           types.RoleUser,
		ConversationID: "c1",
		PeerID:         "a1",
		Delivery:       config.DeliveryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}, ch, b, noUploads{}, noMedia, logger)
	t.Cleanup(s.Close)
	return s
}

func TestOpenJoinsAndLoads(t *testing.T) {
	ch := transporttest.NewMemory()
	s := open(t, ch, &stubBackend{})

	joins := ch.Named(events.JoinConversation)
	require.Len(t, joins, 1)
	var room events.Room
	require.NoError(t, joins[0].Decode(&room))
	assert.Equal(t, "c1", room.ConversationID)
	assert.Equal(t, 1, s.Store().Len())
	assert.False(t, s.Pager().HasMore())
}

func TestOpenSurvivesHistoryFailure(t *testing.T) {
	ch := transporttest.NewMemory()
	s := open(t, ch, &stubBackend{pageErr: errors.New("timeout")})
	assert.Zero(t, s.Store().Len())

	ch.Deliver(events.MessageReceived, events.IncomingMessage{
		OutgoingMessage: events.OutgoingMessage{ConversationID: "c1", Content: "hi", Kind: types.KindText},
		ID:              "m9",
		SenderID:        "a1",
		Timestamp:       time.Now(),
	})
	assert.Equal(t, 1, s.Store().Len())
}

func TestRejoinsAfterReconnect(t *testing.T) {
	ch := transporttest.NewMemory()
	b := &stubBackend{markReadErr: errors.New("offline")}
	s := open(t, ch, b)

	require.Error(t, s.Pipeline().MarkRead(context.Background()))

	ch.SetState(transport.StateDisconnected)
	b.markReadErr = nil
	ch.SetState(transport.StateConnected)

	assert.Len(t, ch.Named(events.JoinConversation), 2)
	assert.Equal(t, 2, b.markReads, "pending read receipt is flushed on reconnect")
	assert.Len(t, ch.Named(events.MessageRead), 1)
}

func TestPresenceTracksPeerOnly(t *testing.T) {
	ch := transporttest.NewMemory()
	s := open(t, ch, &stubBackend{})
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	ch.Deliver(events.UserOnline, events.Presence{UserID: "a1", Timestamp: at})
	online, seen := s.PeerOnline()
	assert.True(t, online)
	assert.True(t, seen.Equal(at))

	ch.Deliver(events.UserOffline, events.Presence{UserID: "someone-else", Timestamp: at})
	online, _ = s.PeerOnline()
	assert.True(t, online)

	ch.Deliver(events.UserOffline, events.Presence{UserID: "a1", Timestamp: at.Add(time.Minute)})
	online, _ = s.PeerOnline()
	assert.False(t, online)
}

func TestCloseDisposesHandlersOnce(t *testing.T) {
	ch := transporttest.NewMemory()
	s := open(t, ch, &stubBackend{})
	require.Equal(t, 1, ch.Handlers(events.MessageReceived))
	require.Equal(t, 1, ch.Handlers(events.IncomingCall))

	s.Close()
	s.Close()

	assert.Zero(t, ch.Handlers(events.MessageReceived))
	assert.Zero(t, ch.Handlers(events.IncomingCall))
	assert.Len(t, ch.Named(events.LeaveConversation), 1)

	ch.SetState(transport.StateDisconnected)
	ch.SetState(transport.StateConnected)
	assert.Len(t, ch.Named(events.JoinConversation), 1, "closed session does not rejoin")
}

func TestClosingHangsUpLiveCall(t *testing.T) {
	ch := transporttest.NewMemory()
	s := open(t, ch, &stubBackend{})
	ch.Deliver(events.IncomingCall, events.CallInvite{CallID: "call-1", CallerID: "a1", ConversationID: "c1"})
	require.Equal(t, call.PhaseRinging, s.Calls().Snapshot().Phase)

	s.Close()
	assert.Len(t, ch.Named(events.CancelCall), 1)
}
