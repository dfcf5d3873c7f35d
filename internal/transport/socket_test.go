package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehub/chatcore/internal/events"
)

// echoServer upgrades every request and writes back each envelope it reads.
// Connections are tracked so tests can drop them.
type echoServer struct {
	*httptest.Server
	mu    sync.Mutex
	conns []*websocket.Conn
	dials atomic.Int32
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{}
	upgrader := websocket.Upgrader{}
	es.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.dials.Add(1)
		es.mu.Lock()
		es.conns = append(es.conns, conn)
		es.mu.Unlock()
		for {
			var env events.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}))
	t.Cleanup(es.Close)
	return es
}

func (es *echoServer) dropAll() {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, c := range es.conns {
		_ = c.Close()
	}
	es.conns = nil
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestSocketDeliversInArrivalOrder(t *testing.T) {
	srv := newEchoServer(t)
	s := NewSocket(wsURL(srv.Server), Options{Logger: quietLogger()})
	defer s.Close()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	s.On("ping", func(data json.RawMessage) {
		var p struct{ N string }
		_ = json.Unmarshal(data, &p)
		mu.Lock()
		got = append(got, p.N)
		if len(got) == 5 {
			close(done)
		}
		mu.Unlock()
	})

	for _, n := range []string{"1", "2", "3", "4", "5"} {
		s.Emit("ping", map[string]string{"N": n})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoes")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, got)
}

func TestSocketUnsubscribe(t *testing.T) {
	srv := newEchoServer(t)
	s := NewSocket(wsURL(srv.Server), Options{Logger: quietLogger()})
	defer s.Close()
	require.NoError(t, s.Connect(context.Background()))

	unsub := s.On("x", func(json.RawMessage) {})
	assert.Equal(t, 1, s.Handlers("x"))
	unsub()
	unsub()
	assert.Equal(t, 0, s.Handlers("x"))
}

func TestSocketReconnectsAfterDrop(t *testing.T) {
	srv := newEchoServer(t)
	s := NewSocket(wsURL(srv.Server), Options{
		Logger:     quietLogger(),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	defer s.Close()

	states := make(chan State, 16)
	s.OnStateChange(func(st State) { states <- st })

	require.NoError(t, s.Connect(context.Background()))
	waitFor(t, states, StateConnected)

	srv.dropAll()
	waitFor(t, states, StateDisconnected)
	waitFor(t, states, StateConnected)
	assert.GreaterOrEqual(t, srv.dials.Load(), int32(2))
}

func TestSocketDropsEmitWhileDisconnected(t *testing.T) {
	s := NewSocket("ws://127.0.0.1:1/ws", Options{Logger: quietLogger()})
	defer s.Close()

	assert.Equal(t, StateDisconnected, s.State())
	assert.NotPanics(t, func() { s.Emit("send_message", map[string]string{"a": "b"}) })
	assert.Error(t, s.Connect(context.Background()))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSocketCloseIsFinal(t *testing.T) {
	srv := newEchoServer(t)
	s := NewSocket(wsURL(srv.Server), Options{Logger: quietLogger()})
	require.NoError(t, s.Connect(context.Background()))
	s.On("x", func(json.RawMessage) {})

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 0, s.Handlers("x"))
	assert.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
}

func waitFor(t *testing.T, states <-chan State, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-states:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}
