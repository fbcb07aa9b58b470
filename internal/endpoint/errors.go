package endpoint

import "fmt"

// PeeringNotAvailableError is raised when a non-local RPC is attempted but
// the endpoint has no peer manager attached (solo mode).
type PeeringNotAvailableError struct{}

func (PeeringNotAvailableError) Error() string {
	return "endpoint: peering not available"
}

// PeerRequestError wraps a failure dispatching or awaiting a remote RPC.
type PeerRequestError struct {
	Peer   string
	Reason string
	Err    error
}

func (e *PeerRequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("endpoint: peer %s request: %s: %v", e.Peer, e.Reason, e.Err)
	}
	return fmt.Sprintf("endpoint: peer %s request: %s", e.Peer, e.Reason)
}

func (e *PeerRequestError) Unwrap() error { return e.Err }
