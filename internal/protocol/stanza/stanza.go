// Package stanza provides helpers over message, presence and iq elements.
package stanza

import (
	"fmt"

	"github.com/danmuck/xmppctl/internal/protocol"
	"github.com/danmuck/xmppctl/internal/protocol/element"
)

const (
	KindMessage  = "message"
	KindPresence = "presence"
	KindIQ       = "iq"

	TypeGet    = "get"
	TypeSet    = "set"
	TypeResult = "result"
	TypeError  = "error"
)

// IsStanza reports whether el is a top-level message, presence or iq in the
// client namespace. These are the elements stream management counts.
func IsStanza(el *element.Element) bool {
	if el == nil {
		return false
	}
	if el.Space != "" && el.Space != protocol.NSClient {
		return false
	}
	switch el.Name {
	case KindMessage, KindPresence, KindIQ:
		return true
	default:
		return false
	}
}

// ExpectsReply reports whether the protocol obliges the peer to answer el.
// Only iq get/set does; messages and presence are fire-and-forget.
func ExpectsReply(el *element.Element) bool {
	if el == nil || el.Name != KindIQ {
		return false
	}
	t := el.Attr("type")
	return t == TypeGet || t == TypeSet
}

// NewIQ builds an iq of the given type with an optional payload child.
func NewIQ(typ, to string, payload *element.Element) *element.Element {
	iq := element.New(KindIQ, protocol.NSClient).SetAttr("type", typ)
	if to != "" {
		iq.SetAttr("to", to)
	}
	iq.AddChild(payload)
	return iq
}

// ResultFor builds the empty result reply for an inbound iq get/set.
func ResultFor(req *element.Element) *element.Element {
	res := element.New(KindIQ, protocol.NSClient).SetAttr("type", TypeResult)
	copyAddressing(res, req)
	return res
}

// ErrorFor builds an error reply for an inbound stanza.
func ErrorFor(req *element.Element, errType, condition string) *element.Element {
	res := element.New(req.Name, protocol.NSClient).SetAttr("type", TypeError)
	copyAddressing(res, req)
	errEl := element.New("error", "").SetAttr("type", errType)
	errEl.AddChild(element.New(condition, protocol.NSStanzas))
	res.AddChild(errEl)
	return res
}

func copyAddressing(res, req *element.Element) {
	if id, ok := req.LookupAttr("id"); ok {
		res.SetAttr("id", id)
	}
	if from := req.Attr("from"); from != "" {
		res.SetAttr("to", from)
	}
}

// NewPing builds an XEP-0199 ping iq addressed to `to` (empty = own server).
func NewPing(to string) *element.Element {
	return NewIQ(TypeGet, to, element.New("ping", protocol.NSPing))
}

// IsPing reports whether el is an inbound XEP-0199 ping request.
func IsPing(el *element.Element) bool {
	return el.Is(KindIQ, "") && el.Attr("type") == TypeGet && el.Child("ping", protocol.NSPing) != nil
}

// Describe renders a short identification for logs.
func Describe(el *element.Element) string {
	if el == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s type=%q id=%q", el.Name, el.Attr("type"), el.Attr("id"))
}
