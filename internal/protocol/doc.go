// Package protocol owns wire contract constants shared by the stream layers.
//
// Ownership boundary:
// - XML namespaces for stream, TLS, SASL, bind, session and stream management
// - protocol-level sentinel errors
//
// Element trees live in protocol/element, stream framing in protocol/stream,
// stanza helpers in protocol/stanza and addresses in protocol/jid.
package protocol
