package transport

import "fmt"

// ProtocolError reports a framing violation: a malformed control frame, an
// unexpected acknowledgment, or a truncated payload.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// PeerUnreachableError reports a connection failure with reconnection
// disabled or exhausted.
type PeerUnreachableError struct {
	Addr string
	Err  error
}

func (e *PeerUnreachableError) Error() string {
	return fmt.Sprintf("peer unreachable at %s: %v", e.Addr, e.Err)
}

func (e *PeerUnreachableError) Unwrap() error {
	return e.Err
}
