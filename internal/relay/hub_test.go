package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehub/chatcore/internal/events"
	"github.com/servicehub/chatcore/internal/storage/postgres"
	"github.com/servicehub/chatcore/internal/types"
)

const convID = "c1"

type fakeConvs struct {
	convs map[string]*types.Conversation
}

func (f *fakeConvs) GetByID(_ context.Context, id string) (*types.Conversation, error) {
	c, ok := f.convs[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

type fakeMsgs struct {
	mu      sync.Mutex
	created []types.Message
	seen    map[string]bool
}

func (f *fakeMsgs) Create(_ context.Context, msg *types.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[msg.ClientID] {
		return false, nil
	}
	f.seen[msg.ClientID] = true
	msg.ID = uuid.NewString()
	msg.Timestamp = time.Now()
	f.created = append(f.created, *msg)
	return true, nil
}

func (f *fakeMsgs) records() []types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Message(nil), f.created...)
}

type relayEnv struct {
	hub  *Hub
	msgs *fakeMsgs
	url  string
}

func newRelay(t *testing.T) *relayEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	convs := &fakeConvs{convs: map[string]*types.Conversation{
		convID: {ID: convID, UserID: "u1", AgentID: "a1"},
	}}
	msgs := &fakeMsgs{}
	hub := NewHub(Options{OpTimeout: time.Second}, convs, msgs, NewMemoryCalls(time.Hour), NewMemoryPresence(), NewLocalBroker(), logger)

	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		q := r.URL.Query()
		hub.Serve(r.Context(), conn, q.Get("user"), types.Role(q.Get("role")))
	}))
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &relayEnv{hub: hub, msgs: msgs, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *relayEnv) dial(t *testing.T, user string, role types.Role) *peer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url+"?user="+user+"&role="+string(role), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	p := &peer{t: t, conn: conn}
	p.sync()
	return p
}

func (p *peer) emit(event string, payload any) {
	p.t.Helper()
	env, err := events.NewEnvelope(event, payload)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteJSON(env))
}

// sync waits until the relay has processed everything sent so far.
func (p *peer) sync() {
	p.t.Helper()
	p.emit("ping", nil)
	p.expectError("ping")
}

// expect reads frames until one named event arrives and decodes it.
func (p *peer) expect(event string, v any) {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(p.t, p.conn.SetReadDeadline(deadline))
		var env events.Envelope
		require.NoError(p.t, p.conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event != event {
			continue
		}
		if v != nil {
			require.NoError(p.t, json.Unmarshal(env.Data, v))
		}
		return
	}
}

func (p *peer) expectError(about string) events.ErrorPayload {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var e events.ErrorPayload
		p.expect(events.Error, &e)
		if e.Event == about {
			return e
		}
		require.True(p.t, time.Now().Before(deadline), "no error for %s", about)
	}
}

func (p *peer) join() {
	p.t.Helper()
	p.emit(events.JoinConversation, events.Room{ConversationID: convID})
	p.sync()
}

func TestJoinRequiresMembership(t *testing.T) {
	env := newRelay(t)
	outsider := env.dial(t, "x9", types.RoleUser)

	outsider.emit(events.JoinConversation, events.Room{ConversationID: convID})
	e := outsider.expectError(events.JoinConversation)
	assert.Equal(t, ErrNotMember.Error(), e.Message)

	outsider.emit(events.JoinConversation, events.Room{ConversationID: "missing"})
	e = outsider.expectError(events.JoinConversation)
	assert.Equal(t, ErrNotMember.Error(), e.Message)
}

func TestSendMessageReachesRoom(t *testing.T) {
	env := newRelay(t)
	agent := env.dial(t, "a1", types.RoleAgent)
	agent.join()
	user := env.dial(t, "u1", types.RoleUser)
	user.join()

	user.emit(events.SendMessage, events.OutgoingMessage{
		ClientID:       "local-1",
		ConversationID: convID,
		Content:        "hello",
		Kind:           types.KindText,
		SenderRole:     types.RoleAgent,
	})

	for _, p := range []*peer{agent, user} {
		var in events.IncomingMessage
		p.expect(events.MessageReceived, &in)
		assert.Equal(t, "local-1", in.ID)
		assert.Equal(t, "local-1", in.ClientID)
		assert.Equal(t, "u1", in.SenderID)
		assert.Equal(t, "a1", in.ReceiverID)
		assert.Equal(t, types.RoleUser, in.SenderRole, "role comes from membership, not the client")
		assert.False(t, in.Timestamp.IsZero())
	}
}

func TestSendWithoutJoinIsRefused(t *testing.T) {
	env := newRelay(t)
	user := env.dial(t, "u1", types.RoleUser)

	user.emit(events.SendMessage, events.OutgoingMessage{ClientID: "local-1", ConversationID: convID, Content: "hi", Kind: types.KindText})
	e := user.expectError(events.SendMessage)
	assert.Equal(t, ErrNotMember.Error(), e.Message)

	require.NoError(t, user.conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"send_message","data":{"client_id":1}}`)))
	e = user.expectError(events.SendMessage)
	assert.Equal(t, ErrBadPayload.Error(), e.Message)
}

func TestReadReceiptReachesPeer(t *testing.T) {
	env := newRelay(t)
	agent := env.dial(t, "a1", types.RoleAgent)
	agent.join()
	user := env.dial(t, "u1", types.RoleUser)

	user.emit(events.MessageRead, events.Read{ConversationID: convID})
	var read events.Read
	agent.expect(events.MessageRead, &read)
	assert.Equal(t, "u1", read.ReaderID)
}

func TestPresenceOnFirstAndLastConnection(t *testing.T) {
	env := newRelay(t)
	agent := env.dial(t, "a1", types.RoleAgent)

	first := env.dial(t, "u1", types.RoleUser)
	var p events.Presence
	agent.expect(events.UserOnline, &p)
	assert.Equal(t, "u1", p.UserID)

	second := env.dial(t, "u1", types.RoleUser)
	second.conn.Close()
	first.sync()

	agent.emit(events.JoinConversation, events.Room{ConversationID: convID})
	var seen events.Presence
	agent.expect(events.UserOnline, &seen)
	assert.Equal(t, "u1", seen.UserID, "joining reports the peer as online")

	first.conn.Close()
	agent.expect(events.UserOffline, &p)
	assert.Equal(t, "u1", p.UserID)
}

func startCall(t *testing.T, env *relayEnv) (caller, callee *peer) {
	t.Helper()
	callee = env.dial(t, "a1", types.RoleAgent)
	caller = env.dial(t, "u1", types.RoleUser)
	caller.join()

	caller.emit(events.InitiateCall, events.CallInvite{CallID: "call-1", CallerID: "spoofed", RecipientID: "a1", ConversationID: convID})
	var ack events.CallInvite
	caller.expect(events.CallInitiated, &ack)
	assert.Equal(t, "u1", ack.CallerID)

	var inv events.CallInvite
	callee.expect(events.IncomingCall, &inv)
	assert.Equal(t, "call-1", inv.CallID)
	assert.Equal(t, "u1", inv.CallerID)
	return caller, callee
}

func TestCallLifecycleRecordsOnce(t *testing.T) {
	env := newRelay(t)
	caller, callee := startCall(t, env)
	callee.join()

	callee.emit(events.AcceptCall, events.CallControl{CallID: "call-1", RecipientID: "u1"})
	caller.expect(events.CallAccepted, nil)

	caller.emit(events.WebRTCOffer, events.SessionDescription{CallID: "call-1", RecipientID: "a1", SDP: "v=0"})
	var offer events.SessionDescription
	callee.expect(events.WebRTCOffer, &offer)
	assert.Equal(t, "u1", offer.SenderID)
	assert.Equal(t, "v=0", offer.SDP)

	callee.emit(events.WebRTCICECandidate, events.ICECandidate{CallID: "call-1", Candidate: events.Candidate{Candidate: "candidate:1"}})
	var ice events.ICECandidate
	caller.expect(events.WebRTCICECandidate, &ice)
	assert.Equal(t, "a1", ice.SenderID)

	caller.emit(events.EndCall, events.CallControl{CallID: "call-1", RecipientID: "a1", Duration: 3600})
	var ended events.CallControl
	callee.expect(events.CallEnded, &ended)
	assert.LessOrEqual(t, ended.Duration, 1, "duration is capped by the relay's clock")

	for _, p := range []*peer{caller, callee} {
		var rec events.IncomingMessage
		p.expect(events.MessageReceived, &rec)
		assert.Equal(t, types.KindCallRecord, rec.Kind)
		require.NotNil(t, rec.Call)
		assert.Equal(t, "u1", rec.Call.CallerID)
		assert.False(t, rec.Call.Missed)
	}

	callee.emit(events.EndCall, events.CallControl{CallID: "call-1"})
	callee.emit(events.CancelCall, events.CallControl{CallID: "call-1"})
	callee.sync()
	assert.Len(t, env.msgs.records(), 1)
}

func TestRejectRecordsRejectedCall(t *testing.T) {
	env := newRelay(t)
	caller, callee := startCall(t, env)

	callee.emit(events.RejectCall, events.CallControl{CallID: "call-1", RecipientID: "u1"})
	caller.expect(events.CallRejected, nil)
	callee.sync()

	recs := env.msgs.records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Call.Rejected)
	assert.Equal(t, "call-call-1", recs[0].ClientID)
	assert.Equal(t, types.RoleUser, recs[0].SenderRole)
}

func TestCallerCannotReject(t *testing.T) {
	env := newRelay(t)
	caller, _ := startCall(t, env)

	caller.emit(events.RejectCall, events.CallControl{CallID: "call-1"})
	e := caller.expectError(events.RejectCall)
	assert.Equal(t, ErrNotParticipant.Error(), e.Message)
}

func TestCancelBeforeAcceptIsMissed(t *testing.T) {
	env := newRelay(t)
	caller, callee := startCall(t, env)

	caller.emit(events.CancelCall, events.CallControl{CallID: "call-1", RecipientID: "a1"})
	callee.expect(events.CallCancelled, nil)
	caller.sync()

	recs := env.msgs.records()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Call.Missed)
}

func TestCallRecordReachesParticipantOutsideRoom(t *testing.T) {
	env := newRelay(t)
	caller, callee := startCall(t, env)
	callee.join()
	callee.emit(events.LeaveConversation, events.Room{ConversationID: convID})
	callee.sync()
	caller.emit(events.LeaveConversation, events.Room{ConversationID: convID})
	caller.sync()

	caller.emit(events.CancelCall, events.CallControl{CallID: "call-1", RecipientID: "a1"})
	callee.expect(events.CallCancelled, nil)

	for _, p := range []*peer{caller, callee} {
		var rec events.IncomingMessage
		p.expect(events.MessageReceived, &rec)
		assert.Equal(t, types.KindCallRecord, rec.Kind)
		assert.Equal(t, convID, rec.ConversationID)
		require.NotNil(t, rec.Call)
		assert.True(t, rec.Call.Missed)
	}
}

func TestAcceptSilencesOtherDevices(t *testing.T) {
	env := newRelay(t)
	caller, callee := startCall(t, env)
	other := env.dial(t, "a1", types.RoleAgent)

	callee.emit(events.AcceptCall, events.CallControl{CallID: "call-1"})
	caller.expect(events.CallAccepted, nil)

	var ctl events.CallControl
	other.expect(events.CallCancelled, &ctl)
	assert.Equal(t, "call-1", ctl.CallID)

	// A late accept from the other device does not steal the call.
	other.emit(events.AcceptCall, events.CallControl{CallID: "call-1"})
	other.sync()
	caller.emit(events.WebRTCOffer, events.SessionDescription{CallID: "call-1", SDP: "v=0"})
	callee.expect(events.WebRTCOffer, nil)
}

func TestDuplicateCallIDIsRefused(t *testing.T) {
	env := newRelay(t)
	caller, _ := startCall(t, env)

	caller.emit(events.InitiateCall, events.CallInvite{CallID: "call-1", ConversationID: convID})
	e := caller.expectError(events.InitiateCall)
	assert.Equal(t, ErrCallExists.Error(), e.Message)
}

func TestSignalingFromOutsiderIsRefused(t *testing.T) {
	env := newRelay(t)
	startCall(t, env)
	outsider := env.dial(t, "x9", types.RoleUser)

	outsider.emit(events.WebRTCOffer, events.SessionDescription{CallID: "call-1", RecipientID: "a1", SDP: "v=0"})
	e := outsider.expectError(events.WebRTCOffer)
	assert.Equal(t, ErrNotParticipant.Error(), e.Message)

	outsider.emit(events.EndCall, events.CallControl{CallID: "call-1"})
	outsider.expectError(events.EndCall)
	assert.Empty(t, env.msgs.records())
}
