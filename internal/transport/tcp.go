package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/xmppctl/internal/protocol"
	"github.com/danmuck/xmppctl/internal/protocol/session"
	"github.com/danmuck/xmppctl/internal/protocol/stream"
)

const (
	defaultClientPort = 5222
	defaultDirectPort = 5223
	eventBuffer       = 64
)

// TCPDialer dials plain TCP or direct TLS.
type TCPDialer struct {
	Config session.Config
	// Address overrides SRV lookup when set (host:port).
	Address  string
	Resolver *net.Resolver
}

func NewTCPDialer(cfg session.Config, address string) *TCPDialer {
	return &TCPDialer{Config: cfg.WithDefaults(), Address: address, Resolver: net.DefaultResolver}
}

// Dial tries each candidate address in order until one connects.
func (d *TCPDialer) Dial(ctx context.Context, domain string) (Transport, error) {
	if err := d.Config.ValidateClientTransport(); err != nil {
		return nil, err
	}
	addrs := d.candidates(ctx, domain)
	if len(addrs) == 0 {
		return nil, ErrNoAddress
	}
	var lastErr error
	for _, addr := range addrs {
		t, err := d.dialOne(ctx, domain, addr)
		if err == nil {
			return t, nil
		}
		lastErr = err
		log.Debug().Str("addr", addr).Err(err).Msg("transport.TCPDialer.Dial candidate failed")
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// DialPreferred tries addr and falls back to Dial when it fails. An addr
// without a port gets the default client port.
func (d *TCPDialer) DialPreferred(ctx context.Context, domain, addr string) (Transport, error) {
	if err := d.Config.ValidateClientTransport(); err != nil {
		return nil, err
	}
	if addr = preferredAddr(addr, d.direct()); addr != "" {
		t, err := d.dialOne(ctx, domain, addr)
		if err == nil {
			return t, nil
		}
		log.Debug().Str("addr", addr).Err(err).Msg("transport.TCPDialer.DialPreferred preferred address failed")
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return d.Dial(ctx, domain)
}

func preferredAddr(addr string, direct bool) string {
	if addr == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	port := defaultClientPort
	if direct {
		port = defaultDirectPort
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(port))
}

func (d *TCPDialer) direct() bool {
	return session.NormalizeTLSMode(d.Config.TLS.Mode) == session.TLSModeDirect
}

// candidates resolves _xmpp-client._tcp (or _xmpps-client._tcp for direct
// TLS) and falls back to domain:port.
func (d *TCPDialer) candidates(ctx context.Context, domain string) []string {
	if d.Address != "" {
		return []string{d.Address}
	}
	if domain == "" {
		return nil
	}
	service, port := "xmpp-client", defaultClientPort
	if d.direct() {
		service, port = "xmpps-client", defaultDirectPort
	}
	resolver := d.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	var out []string
	if _, srvs, err := resolver.LookupSRV(ctx, service, "tcp", domain); err == nil {
		for _, srv := range srvs {
			if srv.Target == "." {
				continue
			}
			host := trimDot(srv.Target)
			out = append(out, net.JoinHostPort(host, strconv.Itoa(int(srv.Port))))
		}
	} else {
		log.Debug().Str("domain", domain).Err(err).Msg("transport.TCPDialer.candidates srv lookup failed")
	}
	if len(out) == 0 {
		out = append(out, net.JoinHostPort(domain, strconv.Itoa(port)))
	}
	return out
}

func (d *TCPDialer) dialOne(ctx context.Context, domain, addr string) (Transport, error) {
	dialer := net.Dialer{Timeout: d.Config.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	serverName := domain
	if serverName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			serverName = host
		}
	}
	c := newConn(rawConn, d.Config, serverName)
	if !d.direct() {
		c.start()
		return c, nil
	}
	if err := c.handshake(ctx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	c.start()
	return c, nil
}

// Conn is a TCP transport.
type Conn struct {
	cfg        session.Config
	serverName string
	limits     stream.Limits

	mu      sync.Mutex
	conn    net.Conn
	secure  bool
	tlsConn *tls.Conn

	writeMu sync.Mutex

	events    chan Event
	upgrade   chan net.Conn
	parked    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewConn wraps an established connection. Use it for tests or custom dialers.
func NewConn(c net.Conn, cfg session.Config, serverName string) *Conn {
	out := newConn(c, cfg.WithDefaults(), serverName)
	out.start()
	return out
}

func newConn(c net.Conn, cfg session.Config, serverName string) *Conn {
	return &Conn{
		cfg:        cfg,
		serverName: serverName,
		limits:     stream.Limits{MaxElementBytes: int64(cfg.MaxElementBytes)},
		conn:       c,
		events:     make(chan Event, eventBuffer),
		upgrade:    make(chan net.Conn, 1),
		parked:     make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
}

func (c *Conn) start() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	go c.readLoop(conn)
}

func (c *Conn) Events() <-chan Event {
	return c.events
}

func (c *Conn) Secure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secure
}

func (c *Conn) TLSState() (tls.ConnectionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tlsConn == nil {
		return tls.ConnectionState{}, false
	}
	return c.tlsConn.ConnectionState(), true
}

func (c *Conn) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Send(b []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if _, err := conn.Write(b); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// StartTLS performs the client handshake on the parked connection and wakes
// the reader on the encrypted conn.
func (c *Conn) StartTLS(ctx context.Context) error {
	if c.Secure() {
		return ErrAlreadySecure
	}
	select {
	case <-c.parked:
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.handshake(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	c.upgrade <- conn
	return nil
}

func (c *Conn) handshake(ctx context.Context) error {
	tlsCfg, err := c.cfg.ClientTLSConfig(c.serverName)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	raw := c.conn
	c.mu.Unlock()

	conn := tls.Client(raw, tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.tlsConn = conn
	c.secure = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		err = conn.Close()
	})
	return err
}

func (c *Conn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Conn) readLoop(conn net.Conn) {
	defer close(c.events)
	r := stream.NewReader(conn, c.limits)
	for {
		tok, err := r.Next()
		if err != nil {
			c.emit(Event{Kind: EventError, Err: err})
			return
		}
		switch tok.Kind {
		case stream.KindOpen:
			if !c.emit(Event{Kind: EventOpen, Header: tok.Header}) {
				return
			}
		case stream.KindClose:
			c.emit(Event{Kind: EventClose})
			return
		case stream.KindElement:
			if !c.emit(Event{Kind: EventElement, Element: tok.Element}) {
				return
			}
			if !tok.Element.Is("proceed", protocol.NSTLS) {
				continue
			}
			c.parked <- struct{}{}
			select {
			case next := <-c.upgrade:
				r = stream.NewReader(next, c.limits)
			case <-c.closed:
				return
			}
		}
	}
}

func trimDot(host string) string {
	if len(host) > 0 && host[len(host)-1] == '.' {
		return host[:len(host)-1]
	}
	return host
}
