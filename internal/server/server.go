// Package server accepts prover connections, runs one attestation per
// connection and answers accepted provers with a greeting.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pufattest/internal/attestation"
	"pufattest/internal/logging"
	"pufattest/internal/metrics"
	"pufattest/internal/security"
	"pufattest/internal/store"
)

// ShutdownMessage, sent by an accepted prover, stops the server.
const ShutdownMessage = "shutdown"

// DefaultGreeting is the reply to an accepted prover's message.
const DefaultGreeting = "Hello from pufattest server"

const (
	maxMessageSize   = 1024
	handshakeTimeout = 10 * time.Second
)

// Journal persists finished attestations.
type Journal interface {
	Record(a *store.Attestation) (uuid.UUID, error)
}

// Config configures the listener side of a Server.
type Config struct {
	Address string

	// TLS, if set, wraps every accepted connection.
	TLS *tls.Config

	// SessionTimeout bounds a whole session. Zero means no limit.
	SessionTimeout time.Duration

	// PollInterval is the read poll used while frames are exchanged.
	PollInterval time.Duration

	Greeting string

	// MaxFailures consecutive failures lock a peer out for LockoutDuration.
	MaxFailures     int
	LockoutDuration time.Duration
}

// Option configures optional collaborators.
type Option func(*Server)

// WithJournal records every session in j.
func WithJournal(j Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithMetrics reports sessions to m.
func WithMetrics(m *metrics.AttestationMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server is the attestation verifier endpoint. Connections are served one
// at a time in accept order.
type Server struct {
	cfg     Config
	attest  atomic.Pointer[attestation.Config]
	journal Journal
	metrics *metrics.AttestationMetrics
	logger  *logging.Logger
	lockout *security.Lockout

	mu       sync.Mutex
	listener net.Listener
	current  net.Conn

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a server that runs attestations with attest.
func New(cfg Config, attest attestation.Config, opts ...Option) (*Server, error) {
	if err := attest.Challenges.Validate(); err != nil {
		return nil, fmt.Errorf("challenges: %w", err)
	}
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		lockout: security.NewLockout(cfg.MaxFailures, cfg.LockoutDuration),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewWithWriter(io.Discard, logging.DefaultConfig())
	}
	s.attest.Store(&attest)
	return s, nil
}

// SetAttestationConfig replaces the configuration used by sessions that
// start after the call.
func (s *Server) SetAttestationConfig(cfg attestation.Config) error {
	if err := cfg.Challenges.Validate(); err != nil {
		return fmt.Errorf("challenges: %w", err)
	}
	s.attest.Store(&cfg)
	return nil
}

// Start begins listening for connections.
func (s *Server) Start() error {
	if s.running.Load() {
		return errors.New("server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.running.Store(true)

	s.logger.Info("attestation server listening",
		"address", ln.Addr().String(),
		"tls", s.cfg.TLS != nil,
	)

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and any session in progress, then waits for
// the accept loop to exit.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.current != nil {
		s.current.Close()
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
		return errors.New("timed out waiting for session to finish")
	}
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Done is closed when an accepted prover asks the server to shut down.
func (s *Server) Done() <-chan struct{} { return s.done }

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool { return s.running.Load() }

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("accept failed", "error", err)
			return
		}

		s.mu.Lock()
		s.current = conn
		s.mu.Unlock()

		s.handle(conn)

		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}
}

func (s *Server) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
