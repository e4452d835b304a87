package network

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnreachable is returned when the upstream server cannot be dialed.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrRateLimited is reported for connections refused by the per-IP limit.
	ErrRateLimited = errors.New("connection rate limit exceeded")

	// ErrTooManySessions is reported when the concurrent session cap is reached.
	ErrTooManySessions = errors.New("too many concurrent sessions")
)

// UpstreamUnreachableError is returned by Relay.Serve when the outbound
// connection fails. The client connection has already been closed.
type UpstreamUnreachableError struct {
	Address string
	Err     error
}

func (e *UpstreamUnreachableError) Error() string {
	return fmt.Sprintf("upstream %s unreachable: %v", e.Address, e.Err)
}

func (e *UpstreamUnreachableError) Unwrap() []error {
	return []error{ErrUpstreamUnreachable, e.Err}
}
