package client

import (
	"github.com/benbjohnson/clock"

	"github.com/danmuck/xmppctl/internal/events"
	"github.com/danmuck/xmppctl/internal/protocol/element"
	"github.com/danmuck/xmppctl/internal/protocol/session"
	"github.com/danmuck/xmppctl/internal/sasl"
	"github.com/danmuck/xmppctl/internal/transport"
)

// StanzaHandler receives inbound stanzas that are not replies to pending
// requests. It runs on the connection's read goroutine and must not block.
// Returning false for an iq get/set makes the manager answer
// service-unavailable.
type StanzaHandler func(el *element.Element) bool

// Options configures a Manager.
type Options struct {
	// Account is the bare JID to authenticate as; an account without a
	// localpart authenticates anonymously.
	Account  string
	Password string
	AuthzID  string
	Resource string
	Lang     string
	// Address overrides SRV lookup (host:port).
	Address string

	Session session.Config

	// Optional collaborators; defaults are built from Session when nil.
	Dialer   transport.Dialer
	Engine   *sasl.Engine
	Policy   ReconnectPolicy
	Bus      *events.Bus
	Clock    clock.Clock
	Handler  StanzaHandler
	Observer Observer

	// AutoReconnect enables the reconnect policy after unrequested losses.
	AutoReconnect bool
}

func DefaultOptions() Options {
	return Options{
		Session:       session.DefaultConfig(),
		AutoReconnect: true,
	}
}
