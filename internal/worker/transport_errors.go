// Copyright 2025 James Ross
package worker

import (
	"errors"
	"net"
	"syscall"
)

// isConnRefused reports whether err wraps ECONNREFUSED (spec.md §4.3.1).
func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// isTimeout reports whether err is a timed-out net.Error (spec.md §4.3.1).
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
