package relay

import (
	"context"
	"sync"

	"github.com/servicehub/chatcore/internal/cache/redis"
)

// Presence counts live connections per user. Connect reports the first
// connection and Disconnect the last.
type Presence interface {
	Connect(ctx context.Context, userID string) (first bool, err error)
	Disconnect(ctx context.Context, userID string) (last bool, err error)
	Online(ctx context.Context, userID string) (bool, error)
}

type MemoryPresence struct {
	mu    sync.Mutex
	conns map[string]int
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{conns: make(map[string]int)}
}

func (p *MemoryPresence) Connect(_ context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[userID]++
	return p.conns[userID] == 1, nil
}

func (p *MemoryPresence) Disconnect(_ context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.conns[userID]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(p.conns, userID)
		return true, nil
	}
	p.conns[userID] = n - 1
	return false, nil
}

func (p *MemoryPresence) Online(_ context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[userID] > 0, nil
}

const (
	presenceCounter = "chat:presence:"
	onlineSet       = "chat:online"
)

// RedisPresence shares connection counts across relay instances.
type RedisPresence struct {
	client *redis.Client
}

func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client}
}

func (p *RedisPresence) Connect(ctx context.Context, userID string) (bool, error) {
	n, err := p.client.Incr(ctx, presenceCounter+userID, 1)
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := p.client.SAdd(ctx, onlineSet, userID); err != nil {
			return true, err
		}
	}
	return n == 1, nil
}

func (p *RedisPresence) Disconnect(ctx context.Context, userID string) (bool, error) {
	n, err := p.client.Incr(ctx, presenceCounter+userID, -1)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := p.client.Delete(ctx, presenceCounter+userID); err != nil {
		return true, err
	}
	return true, p.client.SRem(ctx, onlineSet, userID)
}

func (p *RedisPresence) Online(ctx context.Context, userID string) (bool, error) {
	return p.client.SIsMember(ctx, onlineSet, userID)
}
