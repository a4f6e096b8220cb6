package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/cirlog/modulo/pkg/events"
	"github.com/cirlog/modulo/pkg/log"
)

// State is the service manager lifecycle state
type State int32

const (
	StateInit State = iota
	StateConnected
	StateSubscribed
	StateActive
	StateTerminating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// terminateDeadline bounds how long Terminate waits for the processor
const terminateDeadline = 5 * time.Second

// Handler processes one inbound envelope. A non-nil return value stops the
// handler chain and, for an awaited dispatch, becomes the response payload.
type Handler func(ctx context.Context, env *Envelope) any

type registration struct {
	msgType  MessageType
	channels map[string]struct{}
	fn       Handler
}

// ManagerConfig holds configuration for creating a service Manager
type ManagerConfig struct {
	// Name is the client name announced as envelope source and matched
	// against dispatch receivers. Required.
	Name string
	// Broker is the pub/sub backend. Required.
	Broker Broker
	// ResponseTimeout bounds Dispatch waits; defaults to 5s
	ResponseTimeout time.Duration
	// Events receives lifecycle diagnostics. Optional.
	Events *events.Broker
}

// Manager attaches a named client to the broker, routes inbound envelopes
// to registered handlers and correlates dispatch responses.
type Manager struct {
	name   string
	broker Broker

	mu       sync.RWMutex
	state    State
	sub      Subscription
	channels map[string]struct{}
	handlers []registration
	waiters  map[string]chan *Envelope

	responseTimeout time.Duration
	stopCh          chan struct{}
	doneCh          chan struct{}
	events          *events.Broker
	logger          zerolog.Logger
}

// NewManager creates a manager in the init state
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("manager requires a client name")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("manager requires a broker")
	}
	timeout := cfg.ResponseTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Manager{
		name:            cfg.Name,
		broker:          cfg.Broker,
		channels:        make(map[string]struct{}),
		waiters:         make(map[string]chan *Envelope),
		responseTimeout: timeout,
		stopCh:          make(chan struct{}),
		events:          cfg.Events,
		logger:          log.WithComponent("bus").With().Str("client", cfg.Name).Logger(),
	}, nil
}

// Name returns the manager's client name
func (m *Manager) Name() string {
	return m.name
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connect verifies broker liveness and transitions init → connected. On
// failure the manager stays in init.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInit {
		return fmt.Errorf("connect requires init state, manager is %s", m.state)
	}
	if err := m.broker.Ping(ctx); err != nil {
		return err
	}
	m.state = StateConnected
	m.logger.Info().Msg("connected to broker")
	m.publishEvent(events.EventBusConnected)
	return nil
}

// Subscribe adds channels to the active subscription set. Idempotent; the
// set is retained for re-subscription after a broker reconnect.
func (m *Manager) Subscribe(ctx context.Context, channels ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state < StateConnected || m.state >= StateTerminating {
		return fmt.Errorf("subscribe requires a connected manager, manager is %s", m.state)
	}

	var added []string
	for _, ch := range channels {
		if _, ok := m.channels[ch]; !ok {
			m.channels[ch] = struct{}{}
			added = append(added, ch)
		}
	}
	if m.sub != nil && len(added) > 0 {
		if err := m.sub.Subscribe(ctx, added...); err != nil {
			return fmt.Errorf("failed to extend subscription: %w", err)
		}
	}
	if m.state == StateConnected {
		m.state = StateSubscribed
	}
	m.logger.Debug().Strs("channels", channels).Msg("subscribed")
	return nil
}

// RegisterHandler registers a handler for a message type. An empty channel
// filter matches every channel. Handlers run in registration order; the
// first non-nil result wins.
func (m *Manager) RegisterHandler(msgType MessageType, channels []string, fn Handler) {
	reg := registration{msgType: msgType, fn: fn}
	if len(channels) > 0 {
		reg.channels = make(map[string]struct{}, len(channels))
		for _, ch := range channels {
			reg.channels[ch] = struct{}{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, reg)
}

// Start opens the broker subscription and spawns the processor task,
// transitioning to active.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateSubscribed {
		return fmt.Errorf("start requires a subscribed manager, manager is %s", m.state)
	}

	sub, err := m.broker.Subscribe(ctx, m.channelListLocked()...)
	if err != nil {
		return err
	}
	m.sub = sub
	m.doneCh = make(chan struct{})
	m.state = StateActive

	go m.process()
	m.logger.Info().Msg("processor started")
	return nil
}

// Terminate signals the processor, closes the subscription and joins the
// processor within a 5s deadline, then closes the broker connection.
func (m *Manager) Terminate() error {
	m.mu.Lock()
	if m.state == StateTerminating || m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateTerminating
	sub := m.sub
	done := m.doneCh
	m.mu.Unlock()

	close(m.stopCh)
	if sub != nil {
		sub.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(terminateDeadline):
			m.logger.Warn().Msg("processor did not stop within deadline, hard stop")
		}
	}

	err := m.broker.Close()

	m.mu.Lock()
	m.state = StateClosed
	m.mu.Unlock()

	m.logger.Info().Msg("terminated")
	m.publishEvent(events.EventBusTerminated)
	return err
}

// Broadcast publishes a broadcast envelope to a channel
func (m *Manager) Broadcast(ctx context.Context, channel, message string, value any) error {
	return m.publish(ctx, NewBroadcast(m.name, channel, message, value))
}

// Dispatch sends a command to receiver and waits for the correlated
// response. An elapsed timeout returns a synthetic response with status
// timeout, not an error.
func (m *Manager) Dispatch(ctx context.Context, channel, receiver, command string, payload map[string]any) (*Envelope, error) {
	env := NewDispatch(m.name, channel, receiver, command, payload)
	env.AwaitResponse = true

	waiter := make(chan *Envelope, 1)
	m.mu.Lock()
	m.waiters[env.ID] = waiter
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.waiters, env.ID)
		m.mu.Unlock()
	}()

	if err := m.publish(ctx, env); err != nil {
		return nil, err
	}

	select {
	case resp := <-waiter:
		return resp, nil
	case <-time.After(m.responseTimeout):
		m.logger.Debug().Str("command", command).Str("receiver", receiver).Msg("dispatch timed out")
		return NewResponse(m.name, env, StatusTimeout, nil), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DispatchAsync sends a command without waiting for a response
func (m *Manager) DispatchAsync(ctx context.Context, channel, receiver, command string, payload map[string]any) error {
	return m.publish(ctx, NewDispatch(m.name, channel, receiver, command, payload))
}

func (m *Manager) publish(ctx context.Context, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return m.broker.Publish(ctx, env.Channel, data)
}

func (m *Manager) process() {
	defer close(m.doneCh)

	for {
		m.mu.RLock()
		sub := m.sub
		m.mu.RUnlock()

		lost := false
	receive:
		for {
			select {
			case <-m.stopCh:
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					lost = true
					break receive
				}
				m.route(msg)
			}
		}

		if !lost {
			return
		}
		select {
		case <-m.stopCh:
			return
		default:
		}
		if !m.reconnect() {
			return
		}
	}
}

// reconnect re-establishes the subscription with the retained channel set
// under exponential backoff. Returns false when the manager is stopping.
func (m *Manager) reconnect() bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	for {
		m.mu.RLock()
		channels := m.channelListLocked()
		m.mu.RUnlock()

		sub, err := m.broker.Subscribe(context.Background(), channels...)
		if err == nil {
			m.mu.Lock()
			m.sub = sub
			m.mu.Unlock()
			m.logger.Info().Strs("channels", channels).Msg("broker connection re-established")
			m.publishEvent(events.EventBusReconnected)
			return true
		}

		wait := policy.NextBackOff()
		m.logger.Warn().Err(err).Dur("retry_in", wait).Msg("broker reconnect failed")
		select {
		case <-m.stopCh:
			return false
		case <-time.After(wait):
		}
	}
}

func (m *Manager) route(msg Message) {
	env, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		m.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed message")
		return
	}
	if env.Channel == "" {
		env.Channel = msg.Channel
	}

	// A response with a live waiter resolves it; anything else flows
	// through normal handler dispatch.
	if env.Type == TypeResponse && env.InReplyTo != "" {
		m.mu.Lock()
		waiter, ok := m.waiters[env.InReplyTo]
		if ok {
			delete(m.waiters, env.InReplyTo)
		}
		m.mu.Unlock()
		if ok {
			select {
			case waiter <- env:
			default:
			}
			return
		}
	}

	// Dispatches addressed to another client are not ours to handle.
	if env.Type == TypeDispatch && env.Receiver != "" && env.Receiver != m.name {
		return
	}

	m.mu.RLock()
	handlers := make([]registration, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	ctx := context.Background()
	for _, reg := range handlers {
		if reg.msgType != env.Type {
			continue
		}
		if reg.channels != nil {
			if _, ok := reg.channels[env.Channel]; !ok {
				continue
			}
		}
		result := m.invoke(ctx, reg.fn, env)
		if result == nil {
			continue
		}
		if env.Type == TypeDispatch && env.AwaitResponse {
			m.respond(ctx, env, result)
		}
		return
	}
}

// invoke runs a handler, swallowing panics so one bad handler never
// terminates the processor.
func (m *Manager) invoke(ctx context.Context, fn Handler, env *Envelope) (result any) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Str("type", string(env.Type)).
				Str("channel", env.Channel).
				Msg("handler panicked")
			result = nil
		}
	}()
	return fn(ctx, env)
}

func (m *Manager) respond(ctx context.Context, origin *Envelope, result any) {
	payload, ok := result.(map[string]any)
	if !ok {
		payload = map[string]any{"result": result}
	}
	if err := m.publish(ctx, NewResponse(m.name, origin, StatusOK, payload)); err != nil {
		m.logger.Warn().Err(err).Str("in_reply_to", origin.ID).Msg("failed to publish response")
	}
}

func (m *Manager) channelListLocked() []string {
	channels := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		channels = append(channels, ch)
	}
	return channels
}

func (m *Manager) publishEvent(eventType events.EventType) {
	if m.events == nil {
		return
	}
	m.events.Publish(&events.Event{
		Type:     eventType,
		Message:  m.name,
		Metadata: map[string]string{"client": m.name},
	})
}
