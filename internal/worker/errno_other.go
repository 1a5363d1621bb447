//go:build !unix

package worker

import (
	"errors"
	"net"
)

func acceptErrorReason(err error) string {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return "other"
}
