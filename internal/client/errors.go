package client

import (
	"errors"
	"fmt"

	"github.com/danmuck/xmppctl/internal/protocol/stream"
	"github.com/danmuck/xmppctl/internal/sasl"
)

var (
	ErrAlreadyConnecting  = errors.New("client: already connecting")
	ErrAlreadyConnected   = errors.New("client: already connected")
	ErrDisconnecting      = errors.New("client: disconnecting")
	ErrNotConnected       = errors.New("client: not connected")
	ErrNegotiationTimeout = errors.New("client: negotiation timed out")
	ErrClosedByPeer       = errors.New("client: stream closed by peer")
	ErrDisconnectRequest  = errors.New("client: disconnect requested")
	ErrManagerClosed      = errors.New("client: manager closed")
	ErrAccountRequired    = errors.New("client: account jid required")
)

// Cause says why a connection left Connecting or Connected.
type Cause int

const (
	CauseNone Cause = iota
	CauseRequested
	CauseTransport
	CauseNegotiation
	CausePeerClosed
	CauseStreamError
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseRequested:
		return "requested"
	case CauseTransport:
		return "transport"
	case CauseNegotiation:
		return "negotiation"
	case CausePeerClosed:
		return "peer_closed"
	case CauseStreamError:
		return "stream_error"
	default:
		return fmt.Sprintf("Cause(%d)", int(c))
	}
}

// TransportError is a dial, read or write failure. It is always retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("client: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return true
}

// NegotiationError is a failed negotiation step. Fatal failures suppress
// reconnects because retrying with the same configuration cannot succeed.
type NegotiationError struct {
	Step      Step
	Fatal     bool
	Condition string
	Err       error
}

func (e *NegotiationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("client: negotiation %s failed: %s", e.Step, e.Condition)
	}
	return fmt.Sprintf("client: negotiation %s failed: %s: %v", e.Step, e.Condition, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err rules out a retry.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var nerr *NegotiationError
	if errors.As(err, &nerr) {
		return nerr.Fatal
	}
	var ferr *sasl.Failure
	if errors.As(err, &ferr) {
		return !ferr.Temporary()
	}
	var serr *stream.Error
	if errors.As(err, &serr) {
		return serr.Fatal()
	}
	return false
}
