package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/servicehub/chatcore/internal/cache/redis"
)

// Everyone addresses a delivery to every connection.
const Everyone = "*"

// Delivery is one frame routed to the connections of a user.
type Delivery struct {
	UserID string `json:"user_id"`
	// Scope limits delivery to connections joined to this conversation.
	Scope string `json:"scope,omitempty"`
	// ConnID limits delivery to a single connection.
	ConnID string `json:"conn_id,omitempty"`
	// Except skips one connection.
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Broker fans deliveries out to every relay instance that may hold a
// matching connection.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	Subscribe(fn func(Delivery))
	Run(ctx context.Context) error
}

type sinks struct {
	mu  sync.RWMutex
	fns []func(Delivery)
}

func (s *sinks) add(fn func(Delivery)) {
	s.mu.Lock()
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
}

func (s *sinks) deliver(d Delivery) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.fns {
		fn(d)
	}
}

// LocalBroker delivers in process. It serves single-instance deployments.
type LocalBroker struct {
	sinks sinks
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

func (b *LocalBroker) Publish(_ context.Context, d Delivery) error {
	b.sinks.deliver(d)
	return nil
}

func (b *LocalBroker) Subscribe(fn func(Delivery)) { b.sinks.add(fn) }

func (b *LocalBroker) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

const deliveryChannel = "chat:deliver:"

// RedisBroker fans deliveries out over Redis pub/sub, one channel per user.
type RedisBroker struct {
	client *redis.Client
	logger *logrus.Logger
	sinks  sinks
}

func NewRedisBroker(client *redis.Client, logger *logrus.Logger) *RedisBroker {
	return &RedisBroker{client: client, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, deliveryChannel+d.UserID, payload)
}

func (b *RedisBroker) Subscribe(fn func(Delivery)) { b.sinks.add(fn) }

// Run consumes deliveries until ctx is done, resubscribing with backoff when
// the Redis connection drops.
func (b *RedisBroker) Run(ctx context.Context) error {
	backoff := retry.WithCappedDuration(5*time.Second, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := b.client.PSubscribe(ctx, deliveryChannel+"*", b.handle)
		if ctx.Err() != nil {
			return nil
		}
		b.logger.WithError(err).Warn("redis subscription lost, resubscribing")
		return retry.RetryableError(err)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *RedisBroker) handle(channel string, payload []byte) {
	var d Delivery
	if err := json.Unmarshal(payload, &d); err != nil {
		b.logger.WithError(err).WithField("channel", channel).Warn("malformed delivery")
		return
	}
	if d.UserID == "" {
		d.UserID = strings.TrimPrefix(channel, deliveryChannel)
	}
	b.sinks.deliver(d)
}
