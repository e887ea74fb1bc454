package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zde37/chordht/internal/protocol"
	"github.com/zde37/chordht/pkg"
)

// HandlerFunc answers one decoded request. A nil reply closes the
// connection without answering.
type HandlerFunc func(ctx context.Context, req protocol.Message) protocol.Message

// ServerOptions bounds the work a TCPServer accepts.
type ServerOptions struct {
	Timeout        time.Duration // read, handle and write one request
	MaxConnections int           // connections served at once
}

// TCPServer accepts connections that each carry one request frame and
// receive at most one reply frame.
type TCPServer struct {
	name    string
	address string
	handler HandlerFunc
	opts    ServerOptions
	logger  *pkg.Logger

	sem      *semaphore.Weighted
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewTCPServer creates a server for address. name tags its log lines.
func NewTCPServer(name, address string, handler HandlerFunc, opts ServerOptions, logger *pkg.Logger) (*TCPServer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", opts.Timeout)
	}
	if opts.MaxConnections < 1 {
		return nil, fmt.Errorf("max connections must be positive, got %d", opts.MaxConnections)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		name:    name,
		address: address,
		handler: handler,
		opts:    opts,
		logger:  logger.WithFields(pkg.Fields{"component": name}),
		sem:     semaphore.NewWeighted(int64(opts.MaxConnections)),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start listens on the configured address and serves in the background.
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if err := s.StartWithListener(listener); err != nil {
		listener.Close()
		return err
	}
	return nil
}

// StartWithListener serves connections accepted from listener in the background.
func (s *TCPServer) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("%s already started", s.name)
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("%s is stopped", s.name)
	}
	s.started = true
	s.listener = listener

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Int("max_connections", s.opts.MaxConnections).
		Msg("Starting TCP server")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight requests. Safe to call more than once.
func (s *TCPServer) Stop() error {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	listener := s.listener
	s.mu.Unlock()

	s.logger.Info().Msg("Stopping TCP server")

	var err error
	if listener != nil {
		if cerr := listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	s.wg.Wait()
	return err
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.serveConn(conn)
		}()
	}
}

func (s *TCPServer) serveConn(conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
	defer cancel()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	log := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	req, err := protocol.ReadMessage(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Debug().Err(err).Msg("Dropping unreadable request")
		}
		return
	}

	reply := s.handler(ctx, req)
	if reply == nil {
		log.Debug().Stringer("request", req.Type()).Msg("Request refused")
		return
	}

	if err := protocol.WriteMessage(conn, reply); err != nil {
		log.Debug().Err(err).Stringer("reply", reply.Type()).Msg("Failed to write reply")
	}
}
