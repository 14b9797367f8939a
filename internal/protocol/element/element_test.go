package element

import (
	"testing"

	"github.com/danmuck/xmppctl/internal/testutil/testlog"
)

func TestSetAttrReplacesInPlace(t *testing.T) {
	testlog.Start(t)
	e := New("iq", "jabber:client")
	e.SetAttr("type", "get").SetAttr("id", "a1").SetAttr("type", "set")
	if len(e.Attrs) != 2 {
		t.Fatalf("expected 2 attrs, got %+v", e.Attrs)
	}
	if e.Attrs[0].Name != "type" || e.Attrs[0].Value != "set" {
		t.Fatalf("attr order or value changed: %+v", e.Attrs)
	}
	e.RemoveAttr("type")
	if _, ok := e.LookupAttr("type"); ok {
		t.Fatalf("type should be removed")
	}
}

func TestEncodeInheritsParentNamespace(t *testing.T) {
	testlog.Start(t)
	iq := New("iq", "jabber:client").SetAttr("type", "set").SetAttr("id", "b1")
	bind := New("bind", "urn:ietf:params:xml:ns:xmpp-bind")
	bind.AddChild(New("resource", "urn:ietf:params:xml:ns:xmpp-bind").SetText("phone"))
	iq.AddChild(bind)

	got := string(iq.Bytes("jabber:client"))
	want := `<iq type='set' id='b1'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><resource>phone</resource></bind></iq>`
	if got != want {
		t.Fatalf("unexpected encoding\n got=%s\nwant=%s", got, want)
	}
}

func TestEncodeEscapesTextAndAttrs(t *testing.T) {
	testlog.Start(t)
	msg := New("body", "").SetAttr("note", `it's <b>`).SetText("a & b")
	got := msg.String()
	want := `<body note='it&#39;s &lt;b&gt;'>a &amp; b</body>`
	if got != want {
		t.Fatalf("unexpected escaping\n got=%s\nwant=%s", got, want)
	}
}

func TestParseRoundTripKeepsStructure(t *testing.T) {
	testlog.Start(t)
	src := `<iq xmlns='jabber:client' type='result' id='r1' xml:lang='en'><query xmlns='jabber:iq:version'><name>srv</name><version>42</version></query></iq>`
	e, err := Parse(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !e.Is("iq", "jabber:client") || e.Attr("id") != "r1" || e.Attr("xml:lang") != "en" {
		t.Fatalf("unexpected root: %+v", e)
	}
	q := e.Child("query", "jabber:iq:version")
	if q == nil {
		t.Fatalf("missing query child")
	}
	if v := q.Child("version", ""); v == nil || v.Text != "42" {
		t.Fatalf("unexpected version child: %+v", v)
	}
	if q.Text != "" {
		t.Fatalf("whitespace between children should be dropped, got %q", q.Text)
	}

	again, err := Parse(e.String())
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.String() != e.String() {
		t.Fatalf("round trip changed element\n first=%s\nsecond=%s", e.String(), again.String())
	}
}

func TestCopyIsDeep(t *testing.T) {
	testlog.Start(t)
	orig := New("message", "jabber:client").SetAttr("id", "m1")
	orig.AddChild(New("body", "").SetText("hi"))
	cp := orig.Copy()
	cp.SetAttr("id", "m2")
	cp.Children[0].Text = "changed"
	if orig.Attr("id") != "m1" || orig.Children[0].Text != "hi" {
		t.Fatalf("copy mutated original: %s", orig.String())
	}
}
