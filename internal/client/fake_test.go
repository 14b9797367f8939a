package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/xmppctl/internal/protocol"
	"github.com/danmuck/xmppctl/internal/protocol/element"
	"github.com/danmuck/xmppctl/internal/protocol/stanza"
	"github.com/danmuck/xmppctl/internal/protocol/stream"
	"github.com/danmuck/xmppctl/internal/sasl"
	"github.com/danmuck/xmppctl/internal/transport"
)

const testDomain = "example.com"

// fakeServer is an in-memory XMPP server. Each Dial yields a fakeConn that
// parses client bytes with stream.Reader and answers by pushing events.
type fakeServer struct {
	t *testing.T

	mu          sync.Mutex
	password    string
	offerTLS    bool
	offerSM     bool
	resumeOK    bool
	answerPings bool
	// stall records client elements without answering them.
	stall bool
	// requireSession advertises <session/> without <optional/>.
	requireSession bool
	// smLocation is advertised on <enabled/> as the resume location.
	smLocation string
	// badEnabled sends an <enabled/> whose max does not parse.
	badEnabled bool
	// resumeH lets a test report a different h than received on resumption.
	resumeH  func(received uint32) uint32
	onStanza func(c *fakeConn, el *element.Element)
	dialErrs []error

	smID     string
	smSeq    int
	inbound  uint32
	conns    []*fakeConn
	dials    int
	elements  []*element.Element
	preferred []string
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{
		t:           t,
		password:    "secret",
		offerTLS:    true,
		offerSM:     true,
		resumeOK:    true,
		answerPings: true,
	}
}

func (s *fakeServer) Dial(ctx context.Context, domain string) (transport.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if len(s.dialErrs) > 0 {
		err := s.dialErrs[0]
		s.dialErrs = s.dialErrs[1:]
		return nil, err
	}
	if domain != testDomain {
		return nil, fmt.Errorf("unknown domain %q", domain)
	}
	pr, pw := io.Pipe()
	c := &fakeConn{
		srv:    s,
		events: make(chan transport.Event, 256),
		pr:     pr,
		pw:     pw,
	}
	s.conns = append(s.conns, c)
	go c.serve()
	return c, nil
}

// DialPreferred records addr and then dials as usual.
func (s *fakeServer) DialPreferred(ctx context.Context, domain, addr string) (transport.Transport, error) {
	s.mu.Lock()
	s.preferred = append(s.preferred, addr)
	s.mu.Unlock()
	return s.Dial(ctx, domain)
}

func (s *fakeServer) preferredAddrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.preferred...)
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeServer) last() *fakeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *fakeServer) set(fn func(s *fakeServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeServer) received() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbound
}

// seen returns client elements matching match, in arrival order.
func (s *fakeServer) seen(match func(el *element.Element) bool) []*element.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*element.Element
	for _, el := range s.elements {
		if match(el) {
			out = append(out, el)
		}
	}
	return out
}

func (s *fakeServer) waitSeen(t *testing.T, n int, match func(el *element.Element) bool) []*element.Element {
	t.Helper()
	var got []*element.Element
	eventually(t, func() bool {
		got = s.seen(match)
		return len(got) >= n
	}, fmt.Sprintf("expected %d matching client elements", n))
	return got
}

type fakeConn struct {
	srv    *fakeServer
	events chan transport.Event
	pr     *io.PipeReader
	pw     *io.PipeWriter

	mu     sync.Mutex
	closed bool
	secure bool
	authed bool
	sm     bool
}

var xmlDecl = []byte("<?xml version='1.0'?>")

func (c *fakeConn) Send(b []byte) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	// A restarted stream shares the pipe, so only one declaration may appear.
	if _, err := c.pw.Write(bytes.ReplaceAll(b, xmlDecl, nil)); err != nil {
		return transport.ErrClosed
	}
	return nil
}

func (c *fakeConn) Events() <-chan transport.Event {
	return c.events
}

func (c *fakeConn) StartTLS(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.secure {
		return transport.ErrAlreadySecure
	}
	c.secure = true
	return nil
}

func (c *fakeConn) Secure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secure
}

func (c *fakeConn) TLSState() (tls.ConnectionState, bool) {
	return tls.ConnectionState{}, false
}

func (c *fakeConn) RemoteAddr() string {
	return "fake:5222"
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()
	_ = c.pw.Close()
	_ = c.pr.Close()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) emit(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.srv.t.Errorf("fake connection event buffer full")
	}
}

func (c *fakeConn) emitElement(el *element.Element) {
	c.emit(transport.Event{Kind: transport.EventElement, Element: el})
}

// drop simulates a broken TCP connection.
func (c *fakeConn) drop() {
	c.emit(transport.Event{Kind: transport.EventError, Err: io.EOF})
}

func (c *fakeConn) serve() {
	r := stream.NewReader(c.pr, stream.DefaultLimits())
	for {
		tok, err := r.Next()
		if err != nil {
			return
		}
		switch tok.Kind {
		case stream.KindOpen:
			c.onOpen()
		case stream.KindElement:
			c.onElement(tok.Element)
		case stream.KindClose:
			c.emit(transport.Event{Kind: transport.EventClose})
			_ = c.Close()
			return
		}
	}
}

func (c *fakeConn) onOpen() {
	s := c.srv
	s.mu.Lock()
	offerTLS, offerSM, requireSession := s.offerTLS, s.offerSM, s.requireSession
	s.mu.Unlock()

	c.emit(transport.Event{Kind: transport.EventOpen, Header: stream.Header{
		ID:      "stream-1",
		From:    testDomain,
		Version: protocol.StreamVersion,
	}})

	features := element.New("features", protocol.NSStream)
	c.mu.Lock()
	secure, authed := c.secure, c.authed
	c.mu.Unlock()
	switch {
	case !secure && offerTLS:
		tlsEl := element.New("starttls", protocol.NSTLS)
		tlsEl.AddChild(element.New("required", protocol.NSTLS))
		features.AddChild(tlsEl)
	case !authed:
		mechs := element.New("mechanisms", protocol.NSSASL)
		mechs.AddChild(element.New("mechanism", protocol.NSSASL).SetText("PLAIN"))
		features.AddChild(mechs)
	default:
		features.AddChild(element.New("bind", protocol.NSBind))
		sess := element.New("session", protocol.NSSession)
		if !requireSession {
			sess.AddChild(element.New("optional", protocol.NSSession))
		}
		features.AddChild(sess)
		if offerSM {
			features.AddChild(element.New("sm", protocol.NSSM))
		}
	}
	c.emitElement(features)
}

func (c *fakeConn) onElement(el *element.Element) {
	s := c.srv
	s.mu.Lock()
	s.elements = append(s.elements, el)
	stall := s.stall
	s.mu.Unlock()
	if stall {
		return
	}

	switch {
	case el.Is("starttls", protocol.NSTLS):
		c.emitElement(element.New("proceed", protocol.NSTLS))
	case el.Is("auth", protocol.NSSASL):
		c.onAuth(el)
	case el.Is("enable", protocol.NSSM):
		s.mu.Lock()
		s.smSeq++
		s.smID = "sm-" + strconv.Itoa(s.smSeq)
		s.inbound = 0
		id, location, bad := s.smID, s.smLocation, s.badEnabled
		s.mu.Unlock()
		c.setSM()
		enabled := element.New("enabled", protocol.NSSM).SetAttr("id", id).SetAttr("resume", "true")
		if location != "" {
			enabled.SetAttr("location", location)
		}
		if bad {
			enabled.SetAttr("max", "soon")
		}
		c.emitElement(enabled)
	case el.Is("resume", protocol.NSSM):
		c.onResume(el)
	case el.Is("r", protocol.NSSM):
		c.emitElement(element.New("a", protocol.NSSM).SetAttr("h", strconv.FormatUint(uint64(s.received()), 10)))
	case el.Is("a", protocol.NSSM):
	case stanza.IsStanza(el):
		c.onStanza(el)
	}
}

func (c *fakeConn) setSM() {
	c.mu.Lock()
	c.sm = true
	c.mu.Unlock()
}

func (c *fakeConn) onAuth(el *element.Element) {
	payload, _ := sasl.DecodePayload(el.Text)
	parts := strings.Split(string(payload), "\x00")
	s := c.srv
	s.mu.Lock()
	ok := el.Attr("mechanism") == "PLAIN" && len(parts) == 3 && parts[2] == s.password
	s.mu.Unlock()
	if !ok {
		failure := element.New("failure", protocol.NSSASL)
		failure.AddChild(element.New(sasl.CondNotAuthorized, protocol.NSSASL))
		c.emitElement(failure)
		return
	}
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	c.emitElement(element.New("success", protocol.NSSASL))
}

func (c *fakeConn) onResume(el *element.Element) {
	s := c.srv
	s.mu.Lock()
	ok := s.resumeOK && el.Attr("previd") == s.smID
	h := s.inbound
	if s.resumeH != nil {
		h = s.resumeH(h)
		s.inbound = h
	}
	s.mu.Unlock()
	hs := strconv.FormatUint(uint64(h), 10)
	if !ok {
		failed := element.New("failed", protocol.NSSM).SetAttr("h", hs)
		failed.AddChild(element.New("item-not-found", protocol.NSStanzas))
		c.emitElement(failed)
		return
	}
	c.setSM()
	c.emitElement(element.New("resumed", protocol.NSSM).SetAttr("previd", el.Attr("previd")).SetAttr("h", hs))
}

func (c *fakeConn) onStanza(el *element.Element) {
	s := c.srv
	c.mu.Lock()
	sm := c.sm
	c.mu.Unlock()
	s.mu.Lock()
	if sm {
		s.inbound++
	}
	answerPings := s.answerPings
	hook := s.onStanza
	s.mu.Unlock()

	switch {
	case el.Name == stanza.KindIQ && el.Child("bind", protocol.NSBind) != nil:
		resource := "fake"
		if r := el.Child("bind", protocol.NSBind).Child("resource", protocol.NSBind); r != nil && r.Text != "" {
			resource = r.Text
		}
		bind := element.New("bind", protocol.NSBind)
		bind.AddChild(element.New("jid", protocol.NSBind).SetText("alice@" + testDomain + "/" + resource))
		res := stanza.ResultFor(el)
		res.AddChild(bind)
		c.emitElement(res)
		return
	case el.Name == stanza.KindIQ && el.Child("session", protocol.NSSession) != nil:
		c.emitElement(stanza.ResultFor(el))
		return
	case stanza.IsPing(el) && el.Attr("to") == testDomain:
		if answerPings {
			c.emitElement(stanza.ResultFor(el))
		}
		return
	}
	if hook != nil {
		hook(c, el)
	}
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

var errDialRefused = errors.New("connection refused")
