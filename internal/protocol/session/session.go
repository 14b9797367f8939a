package session

import (
	"strings"

	"github.com/danmuck/xmppctl/internal/protocol"
	"github.com/danmuck/xmppctl/internal/protocol/element"
	"github.com/danmuck/xmppctl/internal/protocol/jid"
)

// Features is the parsed <stream:features/> set.
type Features struct {
	StartTLS         bool
	StartTLSRequired bool
	Mechanisms       []string
	Bind             bool
	// Session is the RFC 3921 legacy session; SessionOptional marks it skippable.
	Session          bool
	SessionOptional  bool
	StreamManagement bool
	Raw              *element.Element
}

// ParseFeatures reads the features this client acts on.
func ParseFeatures(el *element.Element) Features {
	out := Features{Raw: el}
	if el == nil {
		return out
	}
	if tls := el.Child("starttls", protocol.NSTLS); tls != nil {
		out.StartTLS = true
		out.StartTLSRequired = tls.Child("required", protocol.NSTLS) != nil
	}
	if mechs := el.Child("mechanisms", protocol.NSSASL); mechs != nil {
		for _, m := range mechs.ChildrenNamed("mechanism", protocol.NSSASL) {
			if name := strings.TrimSpace(m.Text); name != "" {
				out.Mechanisms = append(out.Mechanisms, strings.ToUpper(name))
			}
		}
	}
	out.Bind = el.Child("bind", protocol.NSBind) != nil
	if sess := el.Child("session", protocol.NSSession); sess != nil {
		out.Session = true
		out.SessionOptional = sess.Child("optional", protocol.NSSession) != nil
	}
	out.StreamManagement = el.Child("sm", protocol.NSSM) != nil
	return out
}

// Session is the context of one logical session. The connection manager owns
// it and replaces it wholesale on full reconnects; a successful resumption
// keeps Resource, JID and ResumeID.
type Session struct {
	// Resource is the requested resource; the server may assign another.
	Resource string
	JID      jid.JID
	Features Features
	// StreamID is the id attribute of the current stream header.
	StreamID string
	// ResumeID is the stream management id needed to resume.
	ResumeID string

	Secure        bool
	Authenticated bool
	Bound         bool
	Resumed       bool
	Established   bool
}

// New returns a fresh context that will request resource.
func New(resource string) *Session {
	return &Session{Resource: resource}
}

// ResetForRestart clears per-stream flags after a stream restart; auth and
// security persist because they are properties of the underlying connection.
func (s *Session) ResetForRestart() {
	s.Features = Features{}
	s.StreamID = ""
}

// Fresh returns a new context for a full renegotiation, keeping only the
// requested resource.
func (s *Session) Fresh() *Session {
	return New(s.Resource)
}

// Clone copies the context for readers outside the owning goroutine.
func (s *Session) Clone() Session {
	out := *s
	if len(s.Features.Mechanisms) > 0 {
		out.Features.Mechanisms = append([]string(nil), s.Features.Mechanisms...)
	}
	out.Features.Raw = nil
	return out
}
