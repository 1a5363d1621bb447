package scgipie

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/rschoon/scgi-pie/internal/date"
	"github.com/rschoon/scgi-pie/internal/session"
	"github.com/rschoon/scgi-pie/internal/worker"
)

// ErrServerStopped is returned by Start after Stop.
var ErrServerStopped = errors.New("server stopped")

// Server accepts SCGI connections and serves them with a fixed worker pool.
type Server struct {
	config  Config
	handler Handler

	mu         sync.Mutex
	listener   net.Listener
	pool       *worker.Pool
	cancel     context.CancelFunc
	stopTicker func()
	done       chan struct{}
	stopped    bool
}

// New creates a new Server with the provided configuration.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}

	return &Server{
		config: config,
		done:   make(chan struct{}),
	}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
	return s
}

// Listen opens the listener described by the configuration. A unix socket
// path is unlinked before binding and chmod'ed to UnixMode when set; "fd"
// wraps an inherited descriptor.
func Listen(config Config) (net.Listener, error) {
	switch config.Network {
	case NetworkTCP:
		return net.Listen("tcp", config.Addr)
	case NetworkFD:
		fd, err := strconv.Atoi(config.Addr)
		if err != nil {
			return nil, fmt.Errorf("bad descriptor %q: %w", config.Addr, err)
		}
		f := os.NewFile(uintptr(fd), "fd"+config.Addr)
		if f == nil {
			return nil, fmt.Errorf("bad descriptor %d", fd)
		}
		defer f.Close()
		return net.FileListener(f)
	default:
		if err := os.Remove(config.Addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		l, err := net.Listen("unix", config.Addr)
		if err != nil {
			return nil, err
		}
		if config.UnixMode != 0 {
			if err := os.Chmod(config.Addr, config.UnixMode); err != nil {
				_ = l.Close()
				return nil, fmt.Errorf("chmod socket: %w", err)
			}
		}
		return l, nil
	}
}

// ListenAndServe sets the handler, opens the configured listener and
// blocks until Stop.
func (s *Server) ListenAndServe(handler Handler) error {
	s.Handler(handler)
	if err := s.Start(); err != nil {
		return err
	}
	<-s.done
	return nil
}

// Serve runs the workers on l and blocks until Stop.
func (s *Server) Serve(l net.Listener) error {
	if err := s.start(l); err != nil {
		return err
	}
	<-s.done
	return nil
}

// Start opens the configured listener and begins serving without blocking.
func (s *Server) Start() error {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return fmt.Errorf("handler not set")
	}
	l, err := Listen(s.config)
	if err != nil {
		return err
	}
	if err := s.start(l); err != nil {
		_ = l.Close()
		return err
	}
	return nil
}

func (s *Server) start(l net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return fmt.Errorf("handler not set")
	}
	if s.stopped {
		return ErrServerStopped
	}
	if s.pool != nil {
		return worker.ErrRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.New(l, s.handler, s.config.workerConfig())
	if err := pool.Start(ctx); err != nil {
		cancel()
		return err
	}

	s.listener = l
	s.pool = pool
	s.cancel = cancel
	s.stopTicker = date.StartTicker()
	s.config.Logger.Printf("serving SCGI on %s %s", l.Addr().Network(), l.Addr())
	return nil
}

// Addr returns the listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Reload restarts the workers on the same listener. A non-nil handler
// replaces the current one.
func (s *Server) Reload(handler Handler) error {
	var h session.Handler
	s.mu.Lock()
	pool := s.pool
	if pool != nil && handler != nil {
		h = handler
		s.handler = handler
	}
	s.mu.Unlock()
	if pool == nil {
		return fmt.Errorf("server not started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Reload(ctx, h); err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	old := s.cancel
	s.cancel = cancel
	s.mu.Unlock()
	old()
	s.config.Logger.Printf("workers reloaded")
	return nil
}

// Stop stops accepting connections and waits for in-flight requests, up to
// ctx and the configured ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pool, listener, cancel := s.pool, s.listener, s.cancel
	s.mu.Unlock()

	defer close(s.done)
	if pool == nil {
		return nil
	}

	ctx, timeout := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer timeout()

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		err = ctx.Err()
	}

	cancel()
	// A unix listener opened by Listen unlinks its socket file on Close.
	_ = listener.Close()
	s.stopTicker()
	s.config.Logger.Printf("server stopped")
	return err
}

// RunOnce serves a single request read from r, writing the response to w.
// Only the session settings of config are used.
func RunOnce(ctx context.Context, r io.Reader, w io.Writer, h Handler, config Config) error {
	if err := config.normalize(); err != nil {
		return err
	}
	s := session.New(config.sessionOptions())
	defer s.Close()
	return s.Serve(ctx, r, w, h)
}
