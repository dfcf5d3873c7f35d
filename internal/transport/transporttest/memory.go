// Package transporttest provides an in-memory transport.Channel for tests.
package transporttest

import (
	"encoding/json"
	"sync"

	"github.com/servicehub/chatcore/internal/transport"
)

// Frame is one emitted event.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Data, v)
}

// Memory records emitted frames and lets tests inject inbound events.
type Memory struct {
	*transport.Registry

	mu         sync.Mutex
	state      transport.State
	frames     []Frame
	reconnects int
	// AutoReconnect makes Reconnect switch the state to connected.
	AutoReconnect bool
}

var _ transport.Channel = (*Memory)(nil)

// NewMemory returns a connected in-memory channel.
func NewMemory() *Memory {
	return &Memory{
		Registry: transport.NewRegistry(nil),
		state:    transport.StateConnected,
	}
}

// Emit records the frame if connected; otherwise it is dropped like on a
// real socket.
func (m *Memory) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != transport.StateConnected {
		return
	}
	m.frames = append(m.frames, Frame{Event: event, Data: data})
}

// State returns the simulated connection state.
func (m *Memory) State() transport.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState changes the simulated state and notifies observers.
func (m *Memory) SetState(s transport.State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed {
		m.Registry.Notify(s)
	}
}

// Reconnect counts the request and optionally reconnects.
func (m *Memory) Reconnect() {
	m.mu.Lock()
	m.reconnects++
	auto := m.AutoReconnect
	m.mu.Unlock()
	if auto {
		m.SetState(transport.StateConnected)
	}
}

// Reconnects returns how many times Reconnect was called.
func (m *Memory) Reconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

// Deliver dispatches an inbound event synchronously.
func (m *Memory) Deliver(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	m.Registry.Dispatch(event, data)
}

// Frames returns a copy of every emitted frame.
func (m *Memory) Frames() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Frame(nil), m.frames...)
}

// Named returns the emitted frames whose event is one of names.
func (m *Memory) Named(names ...string) []Frame {
	var out []Frame
	for _, f := range m.Frames() {
		for _, n := range names {
			if f.Event == n {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// Reset forgets emitted frames.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.frames = nil
	m.mu.Unlock()
}
