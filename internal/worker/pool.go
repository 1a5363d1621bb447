// Package worker runs a fixed set of accept loops over a shared listener.
// Each worker owns one session and serves its connections one at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rschoon/scgi-pie/internal/scgi"
	"github.com/rschoon/scgi-pie/internal/session"
)

const (
	minBackoff = 5 * time.Millisecond
	maxBackoff = time.Second
)

// ErrRunning reports a Start on a pool whose workers are still running.
var ErrRunning = errors.New("worker pool already running")

// Config holds the pool settings.
type Config struct {
	NumWorkers int
	Session    session.Options
	Logger     *log.Logger
}

// deadliner is implemented by listeners whose Accept can be woken by a deadline.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Pool is a fixed set of workers accepting from one listener.
type Pool struct {
	config   Config
	listener net.Listener
	logger   *log.Logger

	mu      sync.Mutex
	handler session.Handler
	running bool
	closed  bool

	quitting atomic.Bool
	wg       sync.WaitGroup
}

// New creates a stopped pool.
func New(listener net.Listener, handler session.Handler, config Config) *Pool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if config.Session.Logger == nil {
		config.Session.Logger = logger
	}
	return &Pool{
		config:   config,
		listener: listener,
		logger:   logger,
		handler:  handler,
	}
}

// Start spawns the workers. Requests run under ctx.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrRunning
	}
	if p.closed {
		return net.ErrClosed
	}
	if d, ok := p.listener.(deadliner); ok {
		if err := d.SetDeadline(time.Time{}); err != nil {
			return fmt.Errorf("reset listener deadline: %w", err)
		}
	}

	p.quitting.Store(false)
	p.running = true
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i, p.handler)
	}
	p.logger.Printf("started %d workers on %s", p.config.NumWorkers, p.listener.Addr())
	return nil
}

// Stop asks every worker to exit and waits for them. Requests already
// accepted run to completion. When the listener cannot be woken by a
// deadline it is closed, and the pool cannot be restarted.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Pool) stopLocked() {
	if !p.running {
		return
	}
	p.quitting.Store(true)
	if d, ok := p.listener.(deadliner); ok && d.SetDeadline(time.Now()) == nil {
		p.wg.Wait()
	} else {
		p.closed = true
		_ = p.listener.Close()
		p.wg.Wait()
	}
	p.running = false
	p.logger.Printf("workers stopped")
}

// Reload stops the workers and starts a fresh set on the same listener. A
// non-nil handler replaces the current one.
func (p *Pool) Reload(ctx context.Context, handler session.Handler) error {
	p.mu.Lock()
	p.stopLocked()
	if handler != nil {
		p.handler = handler
	}
	p.mu.Unlock()
	return p.Start(ctx)
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int, handler session.Handler) {
	defer p.wg.Done()
	workersRunning.Inc()
	defer workersRunning.Dec()

	s := session.New(p.config.Session)
	defer s.Close()

	backoff := time.Duration(0)
	for {
		c, err := p.listener.Accept()
		if err != nil {
			if p.quitting.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			reason := acceptErrorReason(err)
			acceptErrorsTotal.WithLabelValues(reason).Inc()

			if backoff == 0 {
				backoff = minBackoff
			} else if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			p.logger.Printf("worker %d: accept error (%s): %v; retrying in %v", id, reason, err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		p.serve(ctx, s, c, handler)
	}
}

func (p *Pool) serve(ctx context.Context, s *session.Session, c net.Conn, handler session.Handler) {
	connectionsTotal.Inc()
	connectionsActive.Inc()
	defer connectionsActive.Dec()
	defer c.Close()

	if err := s.Serve(ctx, c, c, handler); err != nil {
		sessionErrorsTotal.WithLabelValues(ErrorKind(err)).Inc()
		p.logger.Printf("connection from %s: %v", remoteAddr(c), err)
	}
}

// ErrorKind names the class of a session error for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, scgi.ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, session.ErrAborted):
		return "aborted"
	case errors.Is(err, session.ErrHandlerFault):
		return "handler"
	default:
		return "other"
	}
}

func remoteAddr(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil && a.String() != "" {
		return a.String()
	}
	return "local"
}
