package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker backs the bus with a Redis pub/sub server
type RedisBroker struct {
	client *redis.Client
	addr   string
}

// NewRedisBroker creates a broker client for addr (host:port). The
// connection is lazy; Ping verifies liveness.
func NewRedisBroker(addr string, db int, password string) *RedisBroker {
	return &RedisBroker{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			DB:       db,
			Password: password,
		}),
		addr: addr,
	}
}

// Ping verifies the broker is reachable
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return &BrokerUnavailableError{Addr: b.addr, Err: err}
	}
	return nil
}

// Publish sends a payload to a channel
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on the given channels
func (b *RedisBroker) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channels...)
	// Force the subscribe round-trip so failures surface here, not on the
	// first receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, &BrokerUnavailableError{Addr: b.addr, Err: err}
	}

	sub := &redisSubscription{pubsub: pubsub, messages: make(chan Message, 64)}
	go sub.pump()
	return sub, nil
}

// Close releases the underlying client
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	messages chan Message
	once     sync.Once
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.messages
}

func (s *redisSubscription) Subscribe(ctx context.Context, channels ...string) error {
	return s.pubsub.Subscribe(ctx, channels...)
}

func (s *redisSubscription) Close() error {
	err := s.pubsub.Close()
	return err
}

func (s *redisSubscription) pump() {
	defer s.once.Do(func() { close(s.messages) })
	for msg := range s.pubsub.Channel() {
		s.messages <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}
