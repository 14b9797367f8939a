// Package session owns the per-connection XMPP session state shared by the
// negotiator and the connection manager.
//
// Ownership boundary:
// - session context (bound JID, resource, features, resumption id)
// - stream management delivery tracking and its wire elements
// - request/response correlation with timeouts
// - retry/backoff and transport security configuration
//
// Canonical references (consult before changes):
// - RFC 6120 (streams, STARTTLS, SASL, binding, errors)
// - XEP-0198 (stream management)
// - XEP-0199 (ping)
package session
