package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cirlog/modulo/pkg/events"
	"github.com/cirlog/modulo/pkg/log"
)

// ClientConfig holds configuration for creating a Client
type ClientConfig struct {
	// Addr is the server address (host:port). Required.
	Addr string
	// Receiver names the peer in frame headers
	Receiver string
	// QueueSize bounds the outbound queue; defaults to 32
	QueueSize int
	// AckTimeout bounds the wait for a size-probe acknowledgment; defaults
	// to 2s
	AckTimeout time.Duration
	// AutoReconnect re-establishes the connection with exponential backoff
	// after a socket error. When false, a failure drains the queue into the
	// dead-letter log and stops the worker.
	AutoReconnect bool
	// DeadLetterPath is the JSONL file undeliverable envelopes drain into.
	// Optional; without it dead letters are only counted and logged.
	DeadLetterPath string
	// Events receives transport diagnostics. Optional.
	Events *events.Broker
}

type outbound struct {
	id      string
	payload []byte
}

// Client is a TCP frame-protocol sender. Emit enqueues; a dedicated send
// loop performs the size-probe → ACK → payload exchange per envelope,
// preserving enqueue order.
type Client struct {
	cfg    ClientConfig
	queue  chan outbound
	stopCh chan struct{}
	doneCh chan struct{}

	mu   sync.Mutex
	conn net.Conn

	closeOnce sync.Once
	logger    zerolog.Logger
}

// NewClient creates a client worker for addr
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("client requires a server address")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 2 * time.Second
	}
	return &Client{
		cfg:    cfg,
		queue:  make(chan outbound, cfg.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.WithComponent("transport").With().Str("peer", cfg.Addr).Logger(),
	}, nil
}

// Start connects to the peer and spawns the send loop. With AutoReconnect
// off, a failed initial connect returns PeerUnreachableError.
func (c *Client) Start() error {
	conn, err := net.Dial("tcp", c.cfg.Addr)
	if err != nil {
		if !c.cfg.AutoReconnect {
			return &PeerUnreachableError{Addr: c.cfg.Addr, Err: err}
		}
		c.logger.Warn().Err(err).Msg("initial connect failed, will retry")
	} else {
		c.setConn(conn)
		c.publishEvent(events.EventTransportConnected, "")
	}

	go c.sendLoop()
	return nil
}

// Emit enqueues a binary message. Blocks while the queue is full; fails only
// once the client is closing.
func (c *Client) Emit(body []byte) error {
	return c.emit(body, ContentBytes)
}

// EmitString enqueues a text message
func (c *Client) EmitString(body string) error {
	return c.emit([]byte(body), ContentString)
}

func (c *Client) emit(body []byte, content string) error {
	id := uuid.NewString()
	frame := &Frame{
		Header: Header{Method: MethodPayload, ID: id, Receiver: c.cfg.Receiver, Content: content, Status: StatusPending},
		Body:   body,
	}
	if content == ContentString {
		frame.Body = string(body)
	}
	payload, err := encodePayload(frame)
	if err != nil {
		return err
	}

	select {
	case c.queue <- outbound{id: id, payload: payload}:
		return nil
	case <-c.stopCh:
		return fmt.Errorf("client is closed")
	}
}

// Close requests a graceful teardown: the send loop drains the queue, sends
// a close-signal and disconnects.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.stopCh) })
	select {
	case <-c.doneCh:
	case <-time.After(10 * time.Second):
		c.logger.Warn().Msg("send loop did not stop within deadline")
	}
	return nil
}

func (c *Client) sendLoop() {
	defer close(c.doneCh)

	for {
		select {
		case item := <-c.queue:
			if !c.deliver(item) {
				return
			}
		case <-c.stopCh:
			c.drainAndClose()
			return
		}
	}
}

// deliver performs the probe/ACK/payload exchange for one envelope,
// reconnecting as configured. Returns false when the worker must stop.
func (c *Client) deliver(item outbound) bool {
	for {
		conn := c.currentConn()
		if conn == nil {
			if !c.reconnect() {
				c.deadLetter(item)
				c.drainDeadLetters()
				return false
			}
			continue
		}

		err := c.exchange(conn, item)
		if err == nil {
			return true
		}

		c.logger.Warn().Err(err).Str("id", item.id).Msg("send failed")
		c.dropConn()
		if !c.cfg.AutoReconnect {
			c.publishEvent(events.EventTransportLost, err.Error())
			c.deadLetter(item)
			c.drainDeadLetters()
			return false
		}
	}
}

// exchange sends one size-probe, waits for the acknowledgment and streams
// the payload.
func (c *Client) exchange(conn net.Conn, item outbound) error {
	probe, err := encodeFrame(newSizeProbe(item.id, c.cfg.Receiver, len(item.payload)))
	if err != nil {
		return err
	}
	if _, err := conn.Write(probe); err != nil {
		return fmt.Errorf("failed to send size-probe: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.AckTimeout)); err != nil {
		return err
	}
	buf := make([]byte, len(ack))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("acknowledge wait failed: %w", err)
	}
	if string(buf) != string(ack) {
		return &ProtocolError{Reason: fmt.Sprintf("unexpected acknowledgment %q", buf)}
	}

	if _, err := conn.Write(item.payload); err != nil {
		return fmt.Errorf("failed to send payload: %w", err)
	}
	return nil
}

// reconnect re-dials under exponential backoff until connected or stopped.
// Returns false when reconnection is disabled or the client is closing.
func (c *Client) reconnect() bool {
	if !c.cfg.AutoReconnect {
		return false
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	for {
		conn, err := net.Dial("tcp", c.cfg.Addr)
		if err == nil {
			c.setConn(conn)
			c.logger.Info().Msg("reconnected")
			c.publishEvent(events.EventTransportConnected, "")
			return true
		}

		wait := policy.NextBackOff()
		c.logger.Debug().Err(err).Dur("retry_in", wait).Msg("reconnect failed")
		select {
		case <-c.stopCh:
			return false
		case <-time.After(wait):
		}
	}
}

// drainAndClose flushes whatever is queued, then signals teardown
func (c *Client) drainAndClose() {
	for {
		select {
		case item := <-c.queue:
			if !c.deliverBestEffort(item) {
				c.drainDeadLetters()
				c.disconnect()
				return
			}
		default:
			c.sendCloseSignal()
			c.disconnect()
			return
		}
	}
}

// deliverBestEffort attempts one exchange without entering reconnect
func (c *Client) deliverBestEffort(item outbound) bool {
	conn := c.currentConn()
	if conn == nil {
		c.deadLetter(item)
		return false
	}
	if err := c.exchange(conn, item); err != nil {
		c.logger.Warn().Err(err).Str("id", item.id).Msg("drain send failed")
		c.deadLetter(item)
		return false
	}
	return true
}

func (c *Client) sendCloseSignal() {
	conn := c.currentConn()
	if conn == nil {
		return
	}
	frame, err := encodeFrame(newCloseSignal(uuid.NewString(), c.cfg.Receiver))
	if err != nil {
		return
	}
	if _, err := conn.Write(frame); err != nil {
		c.logger.Debug().Err(err).Msg("failed to send close-signal")
	}
}

// drainDeadLetters moves everything still queued into the dead-letter log
func (c *Client) drainDeadLetters() {
	for {
		select {
		case item := <-c.queue:
			c.deadLetter(item)
		default:
			return
		}
	}
}

func (c *Client) deadLetter(item outbound) {
	c.publishEvent(events.EventDeadLetter, item.id)
	c.logger.Error().Str("id", item.id).Int("bytes", len(item.payload)).Msg("envelope dead-lettered")

	if c.cfg.DeadLetterPath == "" {
		return
	}
	entry, err := json.Marshal(map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"addr":      c.cfg.Addr,
		"id":        item.id,
		"payload":   base64.StdEncoding.EncodeToString(item.payload),
	})
	if err != nil {
		return
	}
	f, err := os.OpenFile(c.cfg.DeadLetterPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to open dead-letter log")
		return
	}
	defer f.Close()
	f.Write(append(entry, '\n'))
}

func (c *Client) currentConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
}

func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) disconnect() {
	c.dropConn()
}

func (c *Client) publishEvent(eventType events.EventType, message string) {
	if c.cfg.Events == nil {
		return
	}
	c.cfg.Events.Publish(&events.Event{
		Type:     eventType,
		Message:  message,
		Metadata: map[string]string{"peer": c.cfg.Addr},
	})
}
