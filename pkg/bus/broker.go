package bus

import (
	"context"
	"fmt"
)

// BrokerUnavailableError reports a failed broker connection or liveness check
type BrokerUnavailableError struct {
	Addr string
	Err  error
}

func (e *BrokerUnavailableError) Error() string {
	return fmt.Sprintf("broker unavailable at %s: %v", e.Addr, e.Err)
}

func (e *BrokerUnavailableError) Unwrap() error {
	return e.Err
}

// Message is one raw message received from the broker
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an active channel subscription. Messages closes when the
// broker connection is lost or the subscription is closed.
type Subscription interface {
	Messages() <-chan Message
	Subscribe(ctx context.Context, channels ...string) error
	Close() error
}

// Broker abstracts the pub/sub backend the service manager attaches to
type Broker interface {
	Ping(ctx context.Context) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}
