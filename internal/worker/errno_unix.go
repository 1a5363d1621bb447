//go:build unix

package worker

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

func acceptErrorReason(err error) string {
	switch {
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
		return "fd_limit"
	case errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
		return "memory"
	case errors.Is(err, unix.ECONNABORTED):
		return "aborted"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return "other"
}
