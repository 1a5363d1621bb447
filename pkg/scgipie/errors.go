package scgipie

import (
	"github.com/rschoon/scgi-pie/internal/buffer"
	"github.com/rschoon/scgi-pie/internal/scgi"
	"github.com/rschoon/scgi-pie/internal/session"
)

// Errors surfaced by the gateway. Match them with errors.Is.
var (
	ErrEndOfStream       = buffer.ErrEndOfStream
	ErrCapacityExceeded  = buffer.ErrCapacityExceeded
	ErrInvalidArgument   = buffer.ErrInvalidArgument
	ErrMalformedFrame    = scgi.ErrMalformedFrame
	ErrHandlerFault      = session.ErrHandlerFault
	ErrHeadersAlreadySet = session.ErrHeadersAlreadySet
	ErrHeadersNotStarted = session.ErrHeadersNotStarted
	ErrInputClosed       = session.ErrInputClosed
	ErrAborted           = session.ErrAborted
)
