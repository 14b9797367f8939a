package protocol

const (
	NSStream       = "http://etherx.jabber.org/streams"
	NSClient       = "jabber:client"
	NSStreamErrors = "urn:ietf:params:xml:ns:xmpp-streams"
	NSStanzas      = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSTLS          = "urn:ietf:params:xml:ns:xmpp-tls"
	NSSASL         = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSBind         = "urn:ietf:params:xml:ns:xmpp-bind"
	NSSession      = "urn:ietf:params:xml:ns:xmpp-session"
	NSSM           = "urn:xmpp:sm:3"
	NSPing         = "urn:xmpp:ping"
	NSXML          = "http://www.w3.org/XML/1998/namespace"
)

// StreamVersion is the only stream version this client speaks.
const StreamVersion = "1.0"
