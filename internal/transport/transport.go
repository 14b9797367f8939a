// Package transport carries the XML stream over TCP with optional direct TLS
// or an in-place STARTTLS upgrade.
//
// Ownership boundary:
// - dialing (SRV lookup, connect timeout, direct TLS handshake)
// - one reader goroutine turning bytes into stream events
// - serialized writes with per-write deadlines
// - the STARTTLS swap: the reader parks after <proceed/> until StartTLS
//   hands it the encrypted conn
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/danmuck/xmppctl/internal/protocol/element"
	"github.com/danmuck/xmppctl/internal/protocol/stream"
)

var (
	ErrClosed          = errors.New("transport: closed")
	ErrNoAddress       = errors.New("transport: no address to dial")
	ErrNotParked       = errors.New("transport: starttls without proceed")
	ErrAlreadySecure   = errors.New("transport: already secure")
	ErrHandshakeFailed = errors.New("transport: tls handshake failed")
)

// EventKind classifies inbound stream events.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventElement
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventElement:
		return "element"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one inbound unit. Err is set only for EventError, which is always
// the last event before the channel closes.
type Event struct {
	Kind    EventKind
	Header  stream.Header
	Element *element.Element
	Err     error
}

// Transport is a bidirectional XML stream.
type Transport interface {
	// Send writes raw bytes. Callers serialize writes themselves.
	Send(b []byte) error
	// Events yields inbound events until the transport closes.
	Events() <-chan Event
	// StartTLS upgrades the connection after <proceed/> was received.
	StartTLS(ctx context.Context) error
	Secure() bool
	TLSState() (tls.ConnectionState, bool)
	RemoteAddr() string
	Close() error
}

// Dialer opens transports to an XMPP domain.
type Dialer interface {
	Dial(ctx context.Context, domain string) (Transport, error)
}

// PreferredDialer can try a specific address first, such as the location a
// server advertised for resumption, before its usual candidates.
type PreferredDialer interface {
	DialPreferred(ctx context.Context, domain, addr string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, domain string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, domain string) (Transport, error) {
	return f(ctx, domain)
}
