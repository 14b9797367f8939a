package stanza

import (
	"fmt"
	"testing"

	"github.com/danmuck/xmppctl/internal/protocol"
	"github.com/danmuck/xmppctl/internal/protocol/element"
	"github.com/danmuck/xmppctl/internal/testutil/testlog"
)

func TestIsStanzaAndExpectsReply(t *testing.T) {
	testlog.Start(t)
	get := NewIQ(TypeGet, "example.com", element.New("query", "jabber:iq:version"))
	if !IsStanza(get) || !ExpectsReply(get) {
		t.Fatalf("iq get should be a stanza expecting a reply")
	}
	msg := element.New(KindMessage, protocol.NSClient)
	if !IsStanza(msg) || ExpectsReply(msg) {
		t.Fatalf("message should be a fire-and-forget stanza")
	}
	if IsStanza(element.New("r", protocol.NSSM)) {
		t.Fatalf("sm nonza must not count as a stanza")
	}
	if IsStanza(element.New("message", "jabber:component:accept")) {
		t.Fatalf("foreign namespace must not count as a stanza")
	}
}

func TestErrorForAndParseError(t *testing.T) {
	testlog.Start(t)
	req := NewIQ(TypeGet, "", element.New("query", "urn:example"))
	req.SetAttr("id", "q1").SetAttr("from", "example.com")

	reply := ErrorFor(req, ErrTypeCancel, CondServiceUnavailable)
	if reply.Attr("id") != "q1" || reply.Attr("to") != "example.com" || reply.Attr("type") != TypeError {
		t.Fatalf("unexpected reply addressing: %s", reply.String())
	}
	serr := ParseError(reply)
	if serr.Condition != CondServiceUnavailable || serr.Type != ErrTypeCancel {
		t.Fatalf("unexpected parsed error: %+v", serr)
	}
	if !IsCondition(fmt.Errorf("wrapped: %w", serr), CondServiceUnavailable) {
		t.Fatalf("IsCondition should see through wrapping")
	}
}

func TestParseErrorWithText(t *testing.T) {
	testlog.Start(t)
	el, err := element.Parse(`<iq type='error' id='x'><error type='modify'><bad-request xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/><text xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'>nope</text></error></iq>`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	serr := ParseError(el)
	if serr.Condition != CondBadRequest || serr.Type != ErrTypeModify || serr.Text != "nope" {
		t.Fatalf("unexpected error: %+v", serr)
	}
	if ParseError(element.New("iq", "")).Condition != CondUndefined {
		t.Fatalf("missing error child should be undefined-condition")
	}
}

func TestPingDetection(t *testing.T) {
	testlog.Start(t)
	ping := NewPing("example.com")
	if !IsPing(ping) {
		t.Fatalf("expected ping: %s", ping.String())
	}
	res := ResultFor(ping.SetAttr("id", "p1"))
	if res.Attr("id") != "p1" || res.Attr("type") != TypeResult || IsPing(res) {
		t.Fatalf("unexpected ping result: %s", res.String())
	}
}
