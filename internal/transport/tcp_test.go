package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/xmppctl/internal/protocol"
	"github.com/danmuck/xmppctl/internal/protocol/element"
	"github.com/danmuck/xmppctl/internal/protocol/session"
	"github.com/danmuck/xmppctl/internal/protocol/stream"
	"github.com/danmuck/xmppctl/internal/testutil/testlog"
	"github.com/danmuck/xmppctl/internal/testutil/tlstest"
)

const serverHeader = `<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' id='s1' from='example.com' version='1.0'>`

// readUntil reads one byte at a time so nothing past marker is consumed
// before a TLS handshake.
func readUntil(c net.Conn, marker string) error {
	var sb strings.Builder
	buf := make([]byte, 1)
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !strings.Contains(sb.String(), marker) {
		if _, err := c.Read(buf); err != nil {
			return fmt.Errorf("waiting for %q: %w (have %q)", marker, err, sb.String())
		}
		sb.WriteByte(buf[0])
	}
	return nil
}

func nextEvent(t *testing.T, tr Transport) Event {
	t.Helper()
	select {
	case ev, ok := <-tr.Events():
		if !ok {
			t.Fatalf("events channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for transport event")
	}
	return Event{}
}

func TestPlainStreamEvents(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer server.Close()
	cfg := session.DefaultConfig()
	cfg.TLS.Mode = session.TLSModeDisabled
	cfg.TLS.Required = false
	tr := NewConn(client, cfg, "example.com")
	defer tr.Close()

	go func() {
		if err := readUntil(server, "<stream:stream"); err != nil {
			return
		}
		_, _ = server.Write([]byte(serverHeader + "<message from='a@example.com'><body>hi</body></message> </stream:stream>"))
	}()
	if err := tr.Send(stream.OpenHeader(stream.Header{To: "example.com"})); err != nil {
		t.Fatalf("send header: %v", err)
	}
	ev := nextEvent(t, tr)
	if ev.Kind != EventOpen || ev.Header.ID != "s1" {
		t.Fatalf("unexpected open event: %+v", ev)
	}
	ev = nextEvent(t, tr)
	if ev.Kind != EventElement || !ev.Element.Is("message", protocol.NSClient) {
		t.Fatalf("unexpected element event: %+v", ev)
	}
	if ev.Element.Child("body", protocol.NSClient).Text != "hi" {
		t.Fatalf("unexpected body: %s", ev.Element.String())
	}
	if ev = nextEvent(t, tr); ev.Kind != EventClose {
		t.Fatalf("expected close, got %v", ev.Kind)
	}
	if tr.Secure() {
		t.Fatalf("plain conn must not report secure")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer server.Close()
	tr := NewConn(client, session.DefaultConfig(), "example.com")
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Send([]byte("<r/>")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	for range tr.Events() {
	}
}

func TestStartTLSUpgradesInPlace(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "xmppctl-test-ca")
	serverTLS := ca.ServerConfig(t, "example.com", tls.VerifyClientCertIfGiven)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- func() error {
			raw, err := ln.Accept()
			if err != nil {
				return err
			}
			defer raw.Close()
			if err := readUntil(raw, "<stream:stream"); err != nil {
				return err
			}
			_, _ = raw.Write([]byte(serverHeader +
				`<stream:features><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls></stream:features>`))
			if err := readUntil(raw, "<starttls"); err != nil {
				return err
			}
			_, _ = raw.Write([]byte(`<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`))
			tlsConn := tls.Server(raw, serverTLS)
			if err := tlsConn.Handshake(); err != nil {
				return fmt.Errorf("server handshake: %w", err)
			}
			if err := readUntil(tlsConn, "<stream:stream"); err != nil {
				return err
			}
			_, _ = tlsConn.Write([]byte(serverHeader + `<stream:features/>`))
			return readUntil(tlsConn, "</stream:stream>")
		}()
	}()

	cfg := session.DefaultConfig()
	cfg.TLS.CAFile = ca.CAFile()
	d := NewTCPDialer(cfg, ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr, err := d.Dial(ctx, "example.com")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(stream.OpenHeader(stream.Header{To: "example.com"})); err != nil {
		t.Fatalf("send header: %v", err)
	}
	if ev := nextEvent(t, tr); ev.Kind != EventOpen {
		t.Fatalf("expected open, got %v", ev.Kind)
	}
	ev := nextEvent(t, tr)
	features := session.ParseFeatures(ev.Element)
	if !features.StartTLS || !features.StartTLSRequired {
		t.Fatalf("unexpected features: %s", ev.Element.String())
	}
	if err := tr.Send(stream.Encode(element.New("starttls", protocol.NSTLS))); err != nil {
		t.Fatalf("send starttls: %v", err)
	}
	if ev := nextEvent(t, tr); !ev.Element.Is("proceed", protocol.NSTLS) {
		t.Fatalf("expected proceed, got %+v", ev)
	}
	if err := tr.StartTLS(ctx); err != nil {
		t.Fatalf("starttls: %v", err)
	}
	if !tr.Secure() {
		t.Fatalf("transport not secure after starttls")
	}
	if state, ok := tr.TLSState(); !ok || !state.HandshakeComplete {
		t.Fatalf("missing tls state")
	}
	if err := tr.Send(stream.OpenHeader(stream.Header{To: "example.com"})); err != nil {
		t.Fatalf("send restart header: %v", err)
	}
	if ev := nextEvent(t, tr); ev.Kind != EventOpen || ev.Header.ID != "s1" {
		t.Fatalf("expected reopened stream, got %+v", ev)
	}
	if ev := nextEvent(t, tr); !ev.Element.Is("features", protocol.NSStream) {
		t.Fatalf("expected features after restart, got %+v", ev)
	}
	if err := tr.Send([]byte(stream.CloseTag)); err != nil {
		t.Fatalf("send close: %v", err)
	}
	select {
	case err := <-serverErr:
		if err != nil {
			t.Fatalf("server: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not finish")
	}
}

func TestCandidatesFallBackToDomainPort(t *testing.T) {
	testlog.Start(t)
	d := &TCPDialer{Config: session.DefaultConfig(), Resolver: &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("no dns in tests")
		},
	}}
	got := d.candidates(context.Background(), "example.com")
	if len(got) != 1 || got[0] != "example.com:5222" {
		t.Fatalf("unexpected candidates: %v", got)
	}
	d.Config.TLS.Mode = session.TLSModeDirect
	got = d.candidates(context.Background(), "example.com")
	if len(got) != 1 || got[0] != "example.com:5223" {
		t.Fatalf("unexpected direct candidates: %v", got)
	}
	d.Address = "10.0.0.1:5222"
	if got = d.candidates(context.Background(), "example.com"); got[0] != "10.0.0.1:5222" {
		t.Fatalf("address override ignored: %v", got)
	}
}

func TestDirectTLSPresentsClientCertificate(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "xmppctl-test-ca")
	serverTLS := ca.ServerConfig(t, "example.com", tls.RequireAndVerifyClientCert)
	certFile, keyFile := ca.Issue(t, tlstest.Leaf{Name: "alice@example.com", Client: true})

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	peer := make(chan string, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			peer <- "accept: " + err.Error()
			return
		}
		defer raw.Close()
		conn := raw.(*tls.Conn)
		if err := conn.Handshake(); err != nil {
			peer <- "handshake: " + err.Error()
			return
		}
		certs := conn.ConnectionState().PeerCertificates
		if len(certs) == 0 {
			peer <- "no client certificate"
			return
		}
		peer <- certs[0].Subject.CommonName
		if err := readUntil(conn, "<stream:stream"); err != nil {
			return
		}
		_, _ = conn.Write([]byte(serverHeader))
		_ = readUntil(conn, "</stream:stream>")
	}()

	cfg := session.DefaultConfig()
	cfg.TLS.Mode = session.TLSModeDirect
	cfg.TLS.CAFile = ca.CAFile()
	cfg.TLS.CertFile = certFile
	cfg.TLS.KeyFile = keyFile
	if !cfg.HasClientCert() {
		t.Fatalf("client certificate not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr, err := NewTCPDialer(cfg, ln.Addr().String()).Dial(ctx, "example.com")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()
	if !tr.Secure() {
		t.Fatalf("direct tls transport must be secure before the stream opens")
	}

	select {
	case got := <-peer:
		if got != "alice@example.com" {
			t.Fatalf("server saw %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server never completed the handshake")
	}
	if err := tr.Send(stream.OpenHeader(stream.Header{To: "example.com"})); err != nil {
		t.Fatalf("send header: %v", err)
	}
	if ev := nextEvent(t, tr); ev.Kind != EventOpen {
		t.Fatalf("expected open over direct tls, got %+v", ev)
	}
	_ = tr.Send([]byte(stream.CloseTag))
}

func TestDialPreferredFallsBackToCandidates(t *testing.T) {
	testlog.Start(t)
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := dead.Addr().String()
	_ = dead.Close()

	live, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer live.Close()
	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := live.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	cfg := session.DefaultConfig()
	cfg.TLS.Mode = session.TLSModeDisabled
	cfg.TLS.Required = false
	d := NewTCPDialer(cfg, live.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := d.DialPreferred(ctx, "example.com", deadAddr)
	if err != nil {
		t.Fatalf("dial preferred: %v", err)
	}
	defer tr.Close()
	if tr.RemoteAddr() != live.Addr().String() {
		t.Fatalf("expected fallback to %s, got %s", live.Addr(), tr.RemoteAddr())
	}

	direct, err := d.DialPreferred(ctx, "example.com", live.Addr().String())
	if err != nil {
		t.Fatalf("dial preferred live: %v", err)
	}
	defer direct.Close()
	for i := 0; i < 2; i++ {
		select {
		case c := <-accepted:
			_ = c.Close()
		case <-time.After(5 * time.Second):
			t.Fatalf("listener saw %d of 2 connections", i)
		}
	}
}

func TestPreferredAddrAddsDefaultPort(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		in     string
		direct bool
		want   string
	}{
		{in: "", want: ""},
		{in: "xmpp2.example.com:5299", want: "xmpp2.example.com:5299"},
		{in: "xmpp2.example.com", want: "xmpp2.example.com:5222"},
		{in: "xmpp2.example.com", direct: true, want: "xmpp2.example.com:5223"},
		{in: "[2001:db8::1]:5222", want: "[2001:db8::1]:5222"},
		{in: "2001:db8::1", want: "[2001:db8::1]:5222"},
	}
	for _, tc := range tests {
		if got := preferredAddr(tc.in, tc.direct); got != tc.want {
			t.Fatalf("preferredAddr(%q, %v) = %q, want %q", tc.in, tc.direct, got, tc.want)
		}
	}
}
