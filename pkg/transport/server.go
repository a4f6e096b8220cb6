package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cirlog/modulo/pkg/events"
	"github.com/cirlog/modulo/pkg/log"
)

// HandlerFunc receives one decoded payload frame and the sending peer's
// address. Panics are logged; the session continues.
type HandlerFunc func(frame *Frame, peer net.Addr)

type namedHandler struct {
	name string
	fn   HandlerFunc
}

// ServerConfig holds configuration for creating a Server
type ServerConfig struct {
	// Addr is the listen address (host:port; port 0 picks a free one)
	Addr string
	// Name identifies this server in logs and events
	Name string
	// Events receives transport diagnostics. Optional.
	Events *events.Broker
}

// Server is a TCP frame-protocol listener. Each accepted connection gets a
// session goroutine that answers size-probes with the acknowledgment, reads
// the announced payload and dispatches it to the registered handlers.
type Server struct {
	cfg      ServerConfig
	listener net.Listener

	mu       sync.Mutex
	sessions map[net.Conn]struct{}
	handlers []namedHandler

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewServer creates a server worker for addr
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("server requires a listen address")
	}
	return &Server{
		cfg:      cfg,
		sessions: make(map[net.Conn]struct{}),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("transport").With().Str("server", cfg.Name).Logger(),
	}, nil
}

// RegisterHandler registers a named handler. Every handler sees every
// dispatched payload, in registration order.
func (s *Server) RegisterHandler(name string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, namedHandler{name: name, fn: fn})
}

// Start binds the listener and spawns the accept loop. The standard
// listener already sets SO_REUSEADDR.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every live session, then joins all workers
func (s *Server) Stop() error {
	close(s.stopCh)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.sessions {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("sessions did not stop within deadline")
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.mu.Lock()
		s.sessions[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.session(conn)
	}
}

// session serves one connection until the peer closes, a close-signal
// arrives, the server stops, or the socket fails.
func (s *Server) session(conn net.Conn) {
	peer := conn.RemoteAddr()
	logger := s.logger.With().Str("peer", peer.String()).Logger()
	logger.Debug().Msg("session opened")

	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.sessions, conn)
		s.mu.Unlock()
		s.wg.Done()
		logger.Debug().Msg("session closed")
	}()

	reader := newFrameReader(conn)
	for {
		frame, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !stopped(s.stopCh) {
				logger.Warn().Err(err).Msg("session read failed")
			}
			return
		}

		switch frame.Header.Method {
		case MethodCloseSocket:
			logger.Debug().Msg("close-signal received")
			return

		case MethodSizeOf:
			size, err := bodySize(frame.Body)
			if err != nil {
				logger.Warn().Err(err).Msg("bad size-probe")
				return
			}
			if _, err := conn.Write(ack); err != nil {
				logger.Warn().Err(err).Msg("failed to acknowledge")
				return
			}
			payload, err := reader.ReadPayload(size)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to read payload")
				return
			}
			decoded, err := decodePayload(payload)
			if err != nil {
				// The session survives a bad payload; the stream is
				// still aligned on frame boundaries.
				logger.Warn().Err(err).Msg("failed to decode payload")
				continue
			}
			s.dispatch(decoded, peer, logger)

		default:
			logger.Warn().Str("method", frame.Header.Method).Msg("unsupported frame method")
		}
	}
}

func (s *Server) dispatch(frame *Frame, peer net.Addr, logger zerolog.Logger) {
	s.mu.Lock()
	handlers := make([]namedHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		s.invoke(h, frame, peer, logger)
	}
}

// invoke runs one handler, containing panics so a bad handler never kills
// the session.
func (s *Server) invoke(h namedHandler, frame *Frame, peer net.Addr, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("handler", h.name).Msg("handler panicked")
		}
	}()
	h.fn(frame, peer)
}

func stopped(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
