// Package session drives one SCGI connection at a time over a reusable pair of
// buffers: frame parsing, handler dispatch, response streaming and reset.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/rschoon/scgi-pie/internal/buffer"
	"github.com/rschoon/scgi-pie/internal/scgi"
)

// State is a point in the connection lifecycle.
type State int

// Lifecycle states, in order.
const (
	Idle State = iota
	ParsingFrame
	Dispatching
	StreamingResponse
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ParsingFrame:
		return "parsing"
	case Dispatching:
		return "dispatching"
	case StreamingResponse:
		return "streaming"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	errorHead = "Status: 500 Internal Server Error\r\nContent-Type: text/plain\r\n\r\n" +
		"An internal server error has occurred.\r\n\r\n"

	reasonBadFrame     = "Problems getting SCGI headers"
	reasonHandlerFault = "The application failed to produce a response"
)

// Options configures a Session.
type Options struct {
	// BufferSize is the output occupancy that forces a drain.
	BufferSize int
	// PersistentSize is the largest buffer capacity kept between connections.
	PersistentSize int
	// Buffering defers output until the response completes or overflows.
	Buffering bool
	// MaxHeaderBytes bounds the frame header block.
	MaxHeaderBytes int
	// ReadBodyUntilClose treats a missing CONTENT_LENGTH as a body running
	// until the peer half-closes, instead of an empty body.
	ReadBodyUntilClose bool
	// Logger receives diagnostics. Nil discards them.
	Logger *log.Logger
}

// Session owns one input and one output buffer and serves connections on
// them sequentially. A Session must not be used from more than one goroutine.
type Session struct {
	opts   Options
	logger *log.Logger

	in     *buffer.Buffer
	out    *buffer.Buffer
	conn   conn
	parser *scgi.Parser
	frame  scgi.Frame
	input  Input
	resp   response
	state  State
}

// New creates an idle session.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	s := &Session{
		opts:   opts,
		logger: logger,
		in:     buffer.New(),
		out:    buffer.New(),
		parser: scgi.NewParser(opts.MaxHeaderBytes),
	}
	s.in.SetFiller(&s.conn)
	s.out.SetDrainer(&s.conn)
	s.out.SetMaxSize(opts.BufferSize)
	if opts.PersistentSize > 0 {
		s.in.SetPersistentSize(opts.PersistentSize)
		s.out.SetPersistentSize(opts.PersistentSize)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Serve runs one request read from r, writing the response to w. The caller
// owns and closes the underlying connection.
//
// A peer that sends nothing is not an error. Frame and handler failures that
// happen before any response byte was written are answered with a 500 and
// reported; later failures abandon the response and are reported.
func (s *Session) Serve(ctx context.Context, r io.Reader, w io.Writer, h Handler) error {
	s.conn.bind(r, w, &s.input)
	defer s.restart()

	s.state = ParsingFrame
	if err := s.parser.Parse(s.in, &s.frame); err != nil {
		if errors.Is(err, scgi.ErrNoRequest) {
			s.state = Done
			return nil
		}
		s.fail(reasonBadFrame)
		return err
	}

	req := s.newRequest(ctx)
	s.resp.reset(s.out, s.opts.Buffering)

	s.state = Dispatching
	err := s.dispatch(req, h)
	if err == nil {
		s.state = Done
		return nil
	}

	if errors.Is(err, ErrAborted) || s.conn.committed() {
		s.logger.Printf("dropping connection for %s %s: %v", req.Env.Method(), req.Env.Path(), err)
		s.state = Done
		return err
	}
	s.logger.Printf("handler failed for %s %s: %v", req.Env.Method(), req.Env.Path(), err)
	s.fail(reasonHandlerFault)
	return err
}

func (s *Session) newRequest(ctx context.Context) *Request {
	env := scgi.NewEnviron(&s.frame)

	headers := make([][2]string, len(s.frame.Pairs))
	for i, kv := range s.frame.Pairs {
		headers[i] = [2]string{string(kv[0]), string(kv[1])}
	}

	left := s.frame.ContentLength
	if left < 0 {
		if s.opts.ReadBodyUntilClose {
			left = -1
		} else {
			left = 0
		}
	}
	s.input.reset(s.in, left)
	s.conn.bodyMode = true

	prefix := fmt.Sprintf("%s %s: ", env.Method(), env.Path())
	return &Request{
		Env:     env,
		Headers: headers,
		Input:   &s.input,
		Errors:  log.New(s.logger.Writer(), prefix, s.logger.Flags()|log.Lmsgprefix),
		ctx:     ctx,
	}
}

// dispatch runs the handler and streams its body. Panics become faults.
func (s *Session) dispatch(req *Request, h Handler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHandlerFault, p)
		}
	}()

	body, err := h.ServeSCGI(req, &s.resp)
	if err != nil {
		return classify(err)
	}

	s.state = StreamingResponse
	if body != nil {
		if err := s.stream(body); err != nil {
			return err
		}
	}

	if !s.resp.started {
		return fmt.Errorf("%w: %w", ErrHandlerFault, ErrHeadersNotStarted)
	}
	if !s.resp.sent {
		if err := s.resp.sendHeaders(); err != nil {
			return classify(err)
		}
	}
	return classify(s.out.Flush())
}

func (s *Session) stream(body Body) (err error) {
	if c, ok := body.(io.Closer); ok {
		defer func() {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("%w: close: %w", ErrHandlerFault, cerr)
			}
		}()
	}

	for {
		chunk, err := body.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return classify(err)
		}
		if err := s.resp.emit(chunk); err != nil {
			return classify(err)
		}
	}
}

// classify tags errors that are not transport failures as handler faults.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrAborted) || errors.Is(err, ErrHandlerFault) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrHandlerFault, err)
}

// fail replaces any unsent output with the fixed error response.
func (s *Session) fail(reason string) {
	s.out.Discard()
	if err := s.out.AppendString(errorHead + reason + "\r\n"); err == nil {
		if err := s.out.Flush(); err != nil {
			s.logger.Printf("error response not delivered: %v", err)
		}
	}
	s.state = Done
}

// restart returns the session to Idle with no state from the last connection.
func (s *Session) restart() {
	s.conn.unbind()
	s.in.Restart()
	s.out.Restart()
	s.frame.Reset()
	s.input.reset(nil, 0)
	s.resp.reset(nil, false)
	s.state = Idle
}

// Close releases the buffers.
func (s *Session) Close() {
	s.in.Free()
	s.out.Free()
}
