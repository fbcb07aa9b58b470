package relayserver

import "errors"

var (
	// ErrClosed is the response body text for upgrade attempts after Close.
	ErrClosed = errors.New("relayserver: closed")
)
