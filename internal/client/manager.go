package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/danmuck/xmppctl/internal/events"
	"github.com/danmuck/xmppctl/internal/protocol/element"
	"github.com/danmuck/xmppctl/internal/protocol/jid"
	"github.com/danmuck/xmppctl/internal/protocol/session"
	"github.com/danmuck/xmppctl/internal/protocol/stanza"
	"github.com/danmuck/xmppctl/internal/protocol/stream"
	"github.com/danmuck/xmppctl/internal/sasl"
	"github.com/danmuck/xmppctl/internal/transport"
)

// ResumeInfo is the payload of events.KindSessionResumed.
type ResumeInfo struct {
	ID       string
	Replayed int
}

// link is one connection attempt: a transport plus the timers bound to it.
// gone and timers are guarded by Manager.mu.
type link struct {
	id     string
	cancel context.CancelFunc
	tr     transport.Transport
	timers []Handle
	gone   bool
	once   sync.Once
}

// Manager owns one logical XMPP session across connection attempts. All
// writes go through writeMu; the read goroutine of the current link is the
// only consumer of inbound elements.
type Manager struct {
	opts     Options
	cfg      session.Config
	account  jid.JID
	creds    sasl.Credentials
	dialer   transport.Dialer
	engine   *sasl.Engine
	policy   ReconnectPolicy
	bus      *events.Bus
	sched    *Scheduler
	observer Observer
	limiter  *rate.Limiter

	tracker  *session.DeliveryTracker
	registry *session.RequestRegistry

	writeMu sync.Mutex

	mu           sync.Mutex
	state        ConnectionState
	sess         *session.Session
	link         *link
	attempt      int
	reconnect    Handle
	reconnectGen uint64
	closed       bool
}

// New validates opts and builds a disconnected Manager.
func New(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.Account) == "" {
		return nil, ErrAccountRequired
	}
	account, err := jid.Parse(opts.Account)
	if err != nil {
		return nil, err
	}
	account = account.Bare()

	cfg := opts.Session.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}

	m := &Manager{
		opts:     opts,
		cfg:      cfg,
		account:  account,
		dialer:   opts.Dialer,
		engine:   opts.Engine,
		bus:      opts.Bus,
		observer: opts.Observer,
		sched:    NewScheduler(opts.Clock),
		tracker:  session.NewDeliveryTracker(),
		state:    StateDisconnected,
	}
	m.creds = sasl.Credentials{
		Username:      account.Local,
		Password:      opts.Password,
		AuthzID:       opts.AuthzID,
		HasClientCert: cfg.HasClientCert(),
	}
	if m.dialer == nil {
		m.dialer = transport.NewTCPDialer(cfg, opts.Address)
	}
	if m.engine == nil {
		m.engine = sasl.DefaultEngine()
		if len(cfg.Mechanisms) > 0 {
			m.engine = m.engine.WithPriority(cfg.Mechanisms)
		}
	}
	switch {
	case !opts.AutoReconnect:
		m.policy = NeverReconnect{}
	case opts.Policy != nil:
		m.policy = opts.Policy
	default:
		m.policy = NewBackoffPolicy(cfg)
	}
	if m.bus == nil {
		m.bus = events.New(nil)
	}
	if m.observer == nil {
		m.observer = metricsObserver{}
	}
	if cfg.SendRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst)
	}

	resource := strings.TrimSpace(opts.Resource)
	if resource == "" {
		resource = "xmppctl-" + uuid.NewString()[:8]
	}
	m.sess = session.New(resource)

	m.registry = session.NewRequestRegistry(func(el *element.Element) error {
		return m.SendContext(context.Background(), el)
	}, m.sched.Now)
	m.registry.OnResolve = func(_ string, outcome session.Outcome, latency time.Duration) {
		m.observer.RequestResolved(outcome.String(), latency)
	}
	return m, nil
}

func (m *Manager) Account() jid.JID {
	return m.account
}

func (m *Manager) Bus() *events.Bus {
	return m.bus
}

func (m *Manager) Config() session.Config {
	return m.cfg
}

func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a snapshot of the current session context.
func (m *Manager) Session() session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Clone()
}

func (m *Manager) Counters() session.DeliveryCounters {
	return m.tracker.Counters()
}

// Unacked reports how many sent stanzas await a stream management ack.
func (m *Manager) Unacked() int {
	return m.tracker.Len()
}

func (m *Manager) PendingRequests() int {
	return m.registry.Pending()
}

// Connect dials and negotiates a session. It returns once the manager is
// Connected or the attempt has failed.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	switch m.state {
	case StateConnecting:
		m.mu.Unlock()
		return ErrAlreadyConnecting
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StateDisconnecting:
		m.mu.Unlock()
		return ErrDisconnecting
	}
	m.stopReconnectLocked()
	nctx, cancel := context.WithTimeout(ctx, m.cfg.NegotiationTimeout)
	l := &link{id: uuid.NewString()[:8], cancel: cancel}
	m.link = l
	change, _ := m.transitionLocked(StateConnecting, CauseNone, nil)
	m.mu.Unlock()

	m.publishState(change)
	return m.establish(nctx, l)
}

func (m *Manager) establish(ctx context.Context, l *link) error {
	tr, err := m.dial(ctx)
	if err != nil {
		return m.fail(ctx, l, &TransportError{Op: "dial", Err: err})
	}

	m.mu.Lock()
	if l.gone {
		m.mu.Unlock()
		_ = tr.Close()
		return ErrDisconnectRequest
	}
	l.tr = tr
	prev := m.sess
	m.mu.Unlock()

	log.Debug().Str("link", l.id).Str("remote", tr.RemoteAddr()).Bool("secure", tr.Secure()).Msg("client.manager.establish dialed")

	sess := &session.Session{
		Resource: prev.Resource,
		JID:      prev.JID,
		ResumeID: prev.ResumeID,
		Secure:   tr.Secure(),
	}
	n := &negotiator{
		cfg:     m.cfg,
		domain:  m.account.Domain,
		lang:    m.opts.Lang,
		creds:   m.creds,
		engine:  m.engine,
		tr:      tr,
		tracker: m.tracker,
		sess:    sess,
		send: func(el *element.Element) error {
			return m.writeNegotiation(l, stream.Encode(el))
		},
		sendRaw: func(b []byte) error {
			return m.writeNegotiation(l, b)
		},
	}
	res, err := n.run(ctx)
	if res.ResumeFailed {
		m.observer.Resumption("failed")
	}
	if len(res.Lost) > 0 {
		m.publishLost(res.Lost)
	}
	if err != nil {
		return m.fail(ctx, l, err)
	}
	return m.complete(l, res)
}

// dial prefers the server's advertised resume location while the previous
// stream is still resumable.
func (m *Manager) dial(ctx context.Context) (transport.Transport, error) {
	if _, _, ok := m.tracker.Resumable(); ok {
		if loc := m.tracker.Location(); loc != "" {
			if pd, ok := m.dialer.(transport.PreferredDialer); ok {
				log.Debug().Str("location", loc).Msg("client.manager.dial resume location")
				return pd.DialPreferred(ctx, m.account.Domain, loc)
			}
		}
	}
	return m.dialer.Dial(ctx, m.account.Domain)
}

// fail classifies a Connecting failure and tears the link down.
func (m *Manager) fail(ctx context.Context, l *link, err error) error {
	cause := CauseTransport
	var nerr *NegotiationError
	var terr *TransportError
	var serr *stream.Error
	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		cause = CauseRequested
	case errors.As(err, &nerr):
		cause = CauseNegotiation
		if errors.As(err, &serr) {
			cause = CauseStreamError
		}
		m.observer.NegotiationFailed(nerr.Step, nerr.Fatal)
		m.bus.Publish(events.Event{Kind: events.KindNegotiationFailed, Payload: nerr})
		log.Warn().Err(err).Str("link", l.id).Str("step", nerr.Step.String()).Bool("fatal", nerr.Fatal).Msg("client.manager.negotiation failed")
	case errors.As(err, &terr):
		if errors.Is(err, ErrClosedByPeer) {
			cause = CausePeerClosed
		}
		log.Warn().Err(err).Str("link", l.id).Msg("client.manager.connect transport failure")
	}
	m.mu.Lock()
	disconnected := l.gone
	m.mu.Unlock()
	if disconnected {
		return ErrDisconnectRequest
	}
	m.teardown(l, cause, err)
	return err
}

// complete replays resumed stanzas and enters Connected.
func (m *Manager) complete(l *link, res negotiationResult) error {
	m.writeMu.Lock()
	for _, e := range res.Replay {
		if err := l.tr.Send(e.Raw); err != nil {
			m.writeMu.Unlock()
			werr := &TransportError{Op: "write", Err: err}
			m.teardown(l, CauseTransport, werr)
			return werr
		}
	}

	m.mu.Lock()
	if l.gone {
		m.mu.Unlock()
		m.writeMu.Unlock()
		return ErrDisconnectRequest
	}
	m.sess = res.Session
	m.attempt = 0
	change, _ := m.transitionLocked(StateConnected, CauseNone, nil)
	if m.cfg.TimeoutScanInterval > 0 {
		l.timers = append(l.timers, m.sched.Every(m.cfg.TimeoutScanInterval, func() {
			m.registry.OnTimeoutTick(m.sched.Now())
		}))
	}
	if m.cfg.KeepAliveInterval > 0 {
		l.timers = append(l.timers, m.sched.Every(m.cfg.KeepAliveInterval, func() {
			m.keepAlive(l)
		}))
	}
	sess := res.Session.Clone()
	m.mu.Unlock()
	m.writeMu.Unlock()

	l.cancel()
	go m.readLoop(l, res.Deferred)

	m.publishState(change)
	if res.Resumed {
		m.observer.Resumption("resumed")
		m.bus.Publish(events.Event{
			Kind:    events.KindSessionResumed,
			Payload: ResumeInfo{ID: sess.ResumeID, Replayed: len(res.Replay)},
		})
	}
	log.Info().
		Str("link", l.id).
		Str("jid", sess.JID.String()).
		Bool("resumed", res.Resumed).
		Int("replayed", len(res.Replay)).
		Bool("sm", m.tracker.Enabled()).
		Msg("client.manager.connected")
	return nil
}

// Disconnect closes the session on request. Pending requests fail and no
// reconnect is scheduled. A pending reconnect is cancelled.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	hadTimer := m.reconnect != nil
	m.stopReconnectLocked()
	l := m.link
	m.mu.Unlock()

	if l == nil {
		if hadTimer {
			return nil
		}
		return ErrNotConnected
	}
	m.teardown(l, CauseRequested, ErrDisconnectRequest)
	return nil
}

// Close disconnects and refuses further connects.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	if err := m.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (m *Manager) Send(el *element.Element) error {
	return m.SendContext(context.Background(), el)
}

// SendContext writes el on the current connection. Stanzas are tracked for
// stream management before they reach the wire.
func (m *Manager) SendContext(ctx context.Context, el *element.Element) error {
	if m.State() != StateConnected {
		return ErrNotConnected
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	l := m.currentLink(StateConnected)
	if l == nil {
		return ErrNotConnected
	}
	return m.writeLocked(l, el)
}

// Request sends an iq (or any element with an id) and tracks its reply.
// timeout <= 0 uses the configured request timeout.
func (m *Manager) Request(el *element.Element, timeout time.Duration) (*session.Handle, error) {
	if m.State() != StateConnected {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout
	}
	return m.registry.Submit(el, timeout)
}

// Ping sends an XEP-0199 ping to the account's server and returns the round
// trip time.
func (m *Manager) Ping(ctx context.Context) (time.Duration, error) {
	start := m.sched.Now()
	h, err := m.Request(stanza.NewPing(m.account.Domain), 0)
	if err != nil {
		return 0, err
	}
	if _, err := h.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			m.registry.Cancel(h.ID(), err)
		}
		return 0, err
	}
	return m.sched.Now().Sub(start), nil
}

// writeLocked encodes and writes el. Caller holds writeMu.
func (m *Manager) writeLocked(l *link, el *element.Element) error {
	raw := stream.Encode(el)
	counted := stanza.IsStanza(el)
	if counted {
		m.tracker.Track(el, raw, m.sched.Now())
	}
	if err := l.tr.Send(raw); err != nil {
		werr := &TransportError{Op: "write", Err: err}
		go m.teardown(l, CauseTransport, werr)
		return werr
	}
	if !counted {
		return nil
	}
	m.observer.StanzaSent(el.Name)
	if m.tracker.AckDue(m.cfg.StreamManagement.AckEvery) {
		if err := l.tr.Send(stream.Encode(session.AckRequestElement())); err != nil {
			go m.teardown(l, CauseTransport, &TransportError{Op: "write", Err: err})
		}
	}
	return nil
}

// writeNegotiation writes raw bytes for the negotiator of l.
func (m *Manager) writeNegotiation(l *link, b []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.currentLink(StateConnecting) != l {
		return ErrNotConnected
	}
	return l.tr.Send(b)
}

// currentLink returns the live link when the manager is in state.
func (m *Manager) currentLink(state ConnectionState) *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != state || m.link == nil || m.link.gone {
		return nil
	}
	return m.link
}

func (m *Manager) keepAlive(l *link) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.currentLink(StateConnected) != l {
		return
	}
	payload := []byte(" ")
	if m.tracker.Enabled() {
		payload = stream.Encode(session.AckRequestElement())
	}
	if err := l.tr.Send(payload); err != nil {
		go m.teardown(l, CauseTransport, &TransportError{Op: "write", Err: err})
	}
}

// readLoop consumes inbound events for l after negotiation.
func (m *Manager) readLoop(l *link, deferred []*element.Element) {
	for _, el := range deferred {
		if m.handleElement(l, el, false) {
			return
		}
	}
	for ev := range l.tr.Events() {
		switch ev.Kind {
		case transport.EventElement:
			if m.handleElement(l, ev.Element, true) {
				return
			}
		case transport.EventClose:
			m.teardown(l, CausePeerClosed, ErrClosedByPeer)
			return
		case transport.EventError:
			cause := CauseTransport
			if errors.Is(ev.Err, io.EOF) {
				cause = CausePeerClosed
			}
			m.teardown(l, cause, &TransportError{Op: "read", Err: ev.Err})
			return
		case transport.EventOpen:
			log.Warn().Str("link", l.id).Msg("client.manager.readLoop unexpected stream header")
		}
	}
	m.teardown(l, CauseTransport, &TransportError{Op: "read", Err: io.ErrUnexpectedEOF})
}

// handleElement dispatches one inbound element. It reports true when the
// link was torn down.
func (m *Manager) handleElement(l *link, el *element.Element, count bool) bool {
	switch {
	case stream.IsError(el):
		serr := stream.ParseError(el)
		log.Warn().Str("link", l.id).Str("condition", serr.Condition).Msg("client.manager.stream error")
		m.teardown(l, CauseStreamError, serr)
		return true
	case session.IsSM(el):
		m.handleSM(l, el)
	case stanza.IsStanza(el):
		m.handleStanza(l, el, count)
	default:
		log.Debug().Str("link", l.id).Str("name", el.Name).Str("ns", el.Space).Msg("client.manager.readLoop ignored element")
	}
	return false
}

func (m *Manager) handleSM(l *link, el *element.Element) {
	switch el.Name {
	case "r":
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		if m.currentLink(StateConnected) != l || !m.tracker.Enabled() {
			return
		}
		h := m.tracker.Counters().Received
		if err := l.tr.Send(stream.Encode(session.AckElement(h))); err != nil {
			go m.teardown(l, CauseTransport, &TransportError{Op: "write", Err: err})
			return
		}
		m.observer.AckSent()
	case "a":
		h, err := session.ParseAck(el)
		if err != nil {
			log.Warn().Err(err).Str("link", l.id).Msg("client.manager.ack malformed")
			return
		}
		pruned, err := m.tracker.Acknowledge(h)
		if err != nil {
			log.Warn().Err(err).Uint32("h", h).Msg("client.manager.ack rejected")
			return
		}
		log.Trace().Uint32("h", h).Int("pruned", pruned).Msg("client.manager.ack")
		m.observer.AckReceived(m.tracker.Len())
	default:
		log.Debug().Str("name", el.Name).Msg("client.manager.sm ignored element")
	}
}

func (m *Manager) handleStanza(l *link, el *element.Element, count bool) {
	if count {
		m.tracker.OnInbound()
	}
	m.observer.StanzaReceived(el.Name)
	if m.registry.OnInboundElement(el) {
		return
	}
	if stanza.IsPing(el) {
		m.reply(l, stanza.ResultFor(el))
		return
	}
	handled := false
	if m.opts.Handler != nil {
		handled = m.opts.Handler(el)
	}
	if !handled && stanza.ExpectsReply(el) {
		m.reply(l, stanza.ErrorFor(el, stanza.ErrTypeCancel, stanza.CondServiceUnavailable))
	}
}

func (m *Manager) reply(l *link, el *element.Element) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.currentLink(StateConnected) != l {
		return
	}
	if err := m.writeLocked(l, el); err != nil {
		log.Debug().Err(err).Str("link", l.id).Msg("client.manager.reply failed")
	}
}

// teardown ends l exactly once: pending requests fail, the session is kept
// only when it can be resumed, and the reconnect policy is consulted for
// unrequested losses.
func (m *Manager) teardown(l *link, cause Cause, err error) {
	l.once.Do(func() { m.doTeardown(l, cause, err) })
}

func (m *Manager) doTeardown(l *link, cause Cause, err error) {
	m.mu.Lock()
	if m.link != l {
		tr := l.tr
		m.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		return
	}
	l.gone = true
	prev := m.state
	tr := l.tr
	timers := l.timers
	l.timers = nil
	change, _ := m.transitionLocked(StateDisconnecting, cause, err)
	m.mu.Unlock()
	m.publishState(change)

	l.cancel()
	for _, t := range timers {
		t.Stop()
	}

	failed := m.registry.FailAll(err)

	if tr != nil {
		if cause == CauseRequested && prev == StateConnected {
			m.writeMu.Lock()
			if m.tracker.Enabled() {
				_ = tr.Send(stream.Encode(session.AckElement(m.tracker.Counters().Received)))
			}
			_ = tr.Send([]byte(stream.CloseTag))
			m.writeMu.Unlock()
		}
		_ = tr.Close()
	}

	_, _, resumable := m.tracker.Resumable()
	keep := resumable && cause != CauseRequested && !IsFatal(err)
	if !keep {
		if lost := m.tracker.Reset(); len(lost) > 0 {
			m.publishLost(lost)
		}
	}

	m.mu.Lock()
	m.link = nil
	if !keep {
		m.sess = m.sess.Fresh()
	}
	change, _ = m.transitionLocked(StateDisconnected, cause, err)
	scheduled := false
	var delay time.Duration
	if cause != CauseRequested && !m.closed {
		m.attempt++
		scheduled, delay = m.policy.Decide(cause, err, m.attempt)
		if scheduled {
			m.scheduleReconnectLocked(delay)
		}
	}
	attempt := m.attempt
	m.mu.Unlock()

	m.publishState(change)
	if cause != CauseRequested {
		m.observer.Reconnect(cause, scheduled)
	}
	log.Info().
		Err(err).
		Str("link", l.id).
		Str("cause", cause.String()).
		Int("failed_requests", failed).
		Bool("resumable", keep).
		Bool("reconnect", scheduled).
		Dur("delay", delay).
		Int("attempt", attempt).
		Msg("client.manager.disconnected")
}

// scheduleReconnectLocked arms the reconnect timer. Caller holds mu.
func (m *Manager) scheduleReconnectLocked(delay time.Duration) {
	m.stopReconnectLocked()
	gen := m.reconnectGen
	m.reconnect = m.sched.After(delay, func() { m.reconnectNow(gen) })
}

// stopReconnectLocked cancels a pending reconnect. Caller holds mu.
func (m *Manager) stopReconnectLocked() {
	m.reconnectGen++
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) reconnectNow(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.reconnectGen || m.reconnect == nil {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	attempt := m.attempt
	m.mu.Unlock()

	log.Debug().Int("attempt", attempt).Msg("client.manager.reconnect")
	if err := m.Connect(context.Background()); err != nil {
		log.Debug().Err(err).Int("attempt", attempt).Msg("client.manager.reconnect failed")
	}
}

// transitionLocked moves to `to` when the edge is legal. Caller holds mu.
func (m *Manager) transitionLocked(to ConnectionState, cause Cause, err error) (StateChange, bool) {
	from := m.state
	if !canTransition(from, to) {
		log.Error().Str("from", from.String()).Str("to", to.String()).Msg("client.manager.illegal transition")
		return StateChange{}, false
	}
	m.state = to
	m.observer.StateChanged(to)
	return StateChange{From: from, To: to, Cause: cause, Err: err, Attempt: m.attempt}, true
}

func (m *Manager) publishState(change StateChange) {
	if change.From == change.To {
		return
	}
	log.Debug().Str("from", change.From.String()).Str("to", change.To.String()).Str("cause", change.Cause.String()).Msg("client.manager.state")
	m.bus.Publish(events.Event{Kind: events.KindConnectionState, Payload: change})
}

func (m *Manager) publishLost(lost []session.UnackedEntry) {
	log.Warn().Int("count", len(lost)).Msg("client.manager.delivery lost")
	m.bus.Publish(events.Event{Kind: events.KindDeliveryLost, Payload: lost})
}
