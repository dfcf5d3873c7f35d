package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/servicehub/chatcore/internal/cache/redis"
)

var (
	ErrCallExists   = errors.New("call already registered")
	ErrCallNotFound = errors.New("call not found")
	// ErrCallAccepted is returned by Accept when another connection already
	// answered the call.
	ErrCallAccepted = errors.New("call already accepted")
)

// CallInfo is the relay's view of one call between two participants.
type CallInfo struct {
	CallID         string    `json:"call_id"`
	ConversationID string    `json:"conversation_id"`
	CallerID       string    `json:"caller_id"`
	CalleeID       string    `json:"callee_id"`
	CallerConn     string    `json:"caller_conn"`
	CalleeConn     string    `json:"callee_conn,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	AcceptedAt     time.Time `json:"accepted_at,omitempty"`
}

func (c *CallInfo) Participant(userID string) bool {
	return userID != "" && (userID == c.CallerID || userID == c.CalleeID)
}

// Peer returns the other participant.
func (c *CallInfo) Peer(userID string) string {
	if userID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// Conn returns the connection of userID bound to this call, or "" before the
// callee has accepted.
func (c *CallInfo) Conn(userID string) string {
	if userID == c.CallerID {
		return c.CallerConn
	}
	return c.CalleeConn
}

// CallRegistry tracks calls from initiation to their terminal event. Finish
// removes the call, so only the first terminal event for a call sees it.
type CallRegistry interface {
	Register(ctx context.Context, info CallInfo) error
	Get(ctx context.Context, callID string) (*CallInfo, error)
	Accept(ctx context.Context, callID, conn string, at time.Time) (*CallInfo, error)
	Finish(ctx context.Context, callID string) (*CallInfo, error)
}

// MemoryCalls keeps calls in process. Entries older than ttl are dropped.
type MemoryCalls struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	calls map[string]*CallInfo
}

func NewMemoryCalls(ttl time.Duration) *MemoryCalls {
	return &MemoryCalls{ttl: ttl, now: time.Now, calls: make(map[string]*CallInfo)}
}

func (r *MemoryCalls) Register(_ context.Context, info CallInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	if _, ok := r.calls[info.CallID]; ok {
		return ErrCallExists
	}
	c := info
	r.calls[info.CallID] = &c
	return nil
}

func (r *MemoryCalls) Get(_ context.Context, callID string) (*CallInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	c, ok := r.calls[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryCalls) Accept(_ context.Context, callID, conn string, at time.Time) (*CallInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	if !c.AcceptedAt.IsZero() {
		return nil, ErrCallAccepted
	}
	c.AcceptedAt = at
	c.CalleeConn = conn
	cp := *c
	return &cp, nil
}

func (r *MemoryCalls) Finish(_ context.Context, callID string) (*CallInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	delete(r.calls, callID)
	return c, nil
}

func (r *MemoryCalls) sweepLocked() {
	if r.ttl <= 0 {
		return
	}
	cutoff := r.now().Add(-r.ttl)
	for id, c := range r.calls {
		if c.StartedAt.Before(cutoff) {
			delete(r.calls, id)
		}
	}
}

const (
	callKey     = "chat:call:"
	acceptedKey = "chat:call-accepted:"
)

// RedisCalls shares the call registry across relay instances. Each call is
// one JSON value that expires after ttl.
type RedisCalls struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCalls(client *redis.Client, ttl time.Duration) *RedisCalls {
	return &RedisCalls{client: client, ttl: ttl}
}

func (r *RedisCalls) Register(ctx context.Context, info CallInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, callKey+info.CallID, string(b), r.ttl)
	if err != nil {
		return fmt.Errorf("register call: %w", err)
	}
	if !ok {
		return ErrCallExists
	}
	return nil
}

func (r *RedisCalls) Get(ctx context.Context, callID string) (*CallInfo, error) {
	v, err := r.client.Get(ctx, callKey+callID)
	return decodeCall(v, err)
}

// Accept claims the call with SetNX so exactly one connection wins, and only
// rewrites a call that still exists, so a racing Finish cannot be undone.
func (r *RedisCalls) Accept(ctx context.Context, callID, conn string, at time.Time) (*CallInfo, error) {
	info, err := r.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	won, err := r.client.SetNX(ctx, acceptedKey+callID, conn, r.ttl)
	if err != nil {
		return nil, fmt.Errorf("claim call: %w", err)
	}
	if !won {
		return nil, ErrCallAccepted
	}
	info.AcceptedAt = at
	info.CalleeConn = conn
	b, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	ok, err := r.client.SetXX(ctx, callKey+callID, string(b), r.ttl)
	if err != nil {
		return nil, fmt.Errorf("accept call: %w", err)
	}
	if !ok {
		return nil, ErrCallNotFound
	}
	return info, nil
}

func (r *RedisCalls) Finish(ctx context.Context, callID string) (*CallInfo, error) {
	v, err := r.client.GetDel(ctx, callKey+callID)
	info, err := decodeCall(v, err)
	if err != nil {
		return nil, err
	}
	// The claim expires with the call anyway.
	_ = r.client.Delete(ctx, acceptedKey+callID)
	return info, nil
}

func decodeCall(v string, err error) (*CallInfo, error) {
	if errors.Is(err, redis.ErrMiss) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load call: %w", err)
	}
	var info CallInfo
	if err := json.Unmarshal([]byte(v), &info); err != nil {
		return nil, fmt.Errorf("decode call: %w", err)
	}
	return &info, nil
}
