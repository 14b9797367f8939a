package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/xmppctl/internal/protocol"
	"github.com/danmuck/xmppctl/internal/protocol/element"
	"github.com/danmuck/xmppctl/internal/protocol/jid"
	"github.com/danmuck/xmppctl/internal/protocol/session"
	"github.com/danmuck/xmppctl/internal/protocol/stanza"
	"github.com/danmuck/xmppctl/internal/protocol/stream"
	"github.com/danmuck/xmppctl/internal/sasl"
	"github.com/danmuck/xmppctl/internal/transport"
)

// Step is one stage of stream negotiation.
type Step int

const (
	StepOpen Step = iota
	StepStartTLS
	StepAuthenticate
	StepResume
	StepBind
	StepSession
	StepEnableSM
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepOpen:
		return "open"
	case StepStartTLS:
		return "starttls"
	case StepAuthenticate:
		return "authenticate"
	case StepResume:
		return "resume"
	case StepBind:
		return "bind"
	case StepSession:
		return "session"
	case StepEnableSM:
		return "enable_sm"
	case StepDone:
		return "done"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// Negotiation conditions raised locally rather than by the server.
const (
	CondTLSRequired       = "tls-required"
	CondTLSFailure        = "tls-failure"
	CondNoMechanisms      = "no-mechanisms"
	CondBindUnavailable   = "bind-unavailable"
	CondBadResponse       = "bad-response"
	CondTimeout           = "timeout"
	CondUnsupportedStream = "unsupported-version"
)

// negotiationResult is handed back to the manager on success.
type negotiationResult struct {
	Session      *session.Session
	Resumed      bool
	ResumeFailed bool
	// Replay holds unacked entries to resend after <resumed/>.
	Replay []session.UnackedEntry
	// Lost holds entries dropped because resumption was refused or not
	// attempted.
	Lost []session.UnackedEntry
	// Deferred holds stanzas that arrived before negotiation finished.
	Deferred []*element.Element
}

// negotiator drives the ordered step pipeline over one transport. It is the
// only reader of the transport's events until it returns.
type negotiator struct {
	cfg     session.Config
	domain  string
	lang    string
	creds   sasl.Credentials
	engine  *sasl.Engine
	tr      transport.Transport
	send    func(*element.Element) error
	sendRaw func([]byte) error
	tracker *session.DeliveryTracker

	sess        *session.Session
	resumeTried bool
	sessionDone bool
	smRequested bool
	out         negotiationResult
}

// run executes steps until StepDone or a failure.
func (n *negotiator) run(ctx context.Context) (negotiationResult, error) {
	if err := n.openStream(ctx); err != nil {
		return n.out, err
	}
	for {
		step, err := n.next()
		if err != nil {
			return n.out, err
		}
		log.Debug().Str("step", step.String()).Str("domain", n.domain).Msg("client.negotiator.run")
		switch step {
		case StepStartTLS:
			err = n.startTLS(ctx)
		case StepAuthenticate:
			err = n.authenticate(ctx)
		case StepResume:
			err = n.resume(ctx)
		case StepBind:
			err = n.bind(ctx)
		case StepSession:
			err = n.legacySession(ctx)
		case StepEnableSM:
			err = n.enableSM(ctx)
		case StepDone:
			n.sess.Established = true
			n.out.Session = n.sess
			return n.out, nil
		}
		if err != nil {
			return n.out, err
		}
	}
}

// next picks the first step whose precondition holds.
func (n *negotiator) next() (Step, error) {
	f := n.sess.Features
	tlsMode := session.NormalizeTLSMode(n.cfg.TLS.Mode)
	if !n.sess.Secure && tlsMode != session.TLSModeDisabled {
		if f.StartTLS {
			return StepStartTLS, nil
		}
		if n.cfg.TLS.Required {
			return StepStartTLS, &NegotiationError{Step: StepStartTLS, Fatal: true, Condition: CondTLSRequired}
		}
	}
	if !n.sess.Authenticated {
		if len(f.Mechanisms) == 0 {
			return StepAuthenticate, &NegotiationError{Step: StepAuthenticate, Fatal: true, Condition: CondNoMechanisms}
		}
		return StepAuthenticate, nil
	}
	if !n.sess.Bound && !n.resumeTried && f.StreamManagement {
		if _, _, ok := n.tracker.Resumable(); ok {
			return StepResume, nil
		}
	}
	if !n.sess.Bound {
		if !f.Bind {
			return StepBind, &NegotiationError{Step: StepBind, Fatal: true, Condition: CondBindUnavailable}
		}
		return StepBind, nil
	}
	if n.sess.Resumed {
		return StepDone, nil
	}
	if f.Session && !f.SessionOptional && !n.sessionDone {
		return StepSession, nil
	}
	if n.cfg.StreamManagement.Enabled && f.StreamManagement && !n.smRequested {
		return StepEnableSM, nil
	}
	return StepDone, nil
}

// openStream sends a header and waits for the peer's header and features.
func (n *negotiator) openStream(ctx context.Context) error {
	n.sess.ResetForRestart()
	header := stream.Header{To: n.domain, Lang: n.lang}
	if !n.sess.Authenticated && n.creds.Username != "" && n.sess.Secure {
		header.From = jid.JID{Local: n.creds.Username, Domain: n.domain}.String()
	}
	if err := n.sendRaw(stream.OpenHeader(header)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	for {
		ev, err := n.nextEvent(ctx, StepOpen)
		if err != nil {
			return err
		}
		if ev.Kind == transport.EventOpen {
			if ev.Header.Version != "" && ev.Header.Version < protocol.StreamVersion {
				return &NegotiationError{Step: StepOpen, Fatal: true, Condition: CondUnsupportedStream,
					Err: fmt.Errorf("%w: %s", protocol.ErrUnsupportedVersion, ev.Header.Version)}
			}
			n.sess.StreamID = ev.Header.ID
			break
		}
	}
	el, err := n.await(ctx, StepOpen, false)
	if err != nil {
		return err
	}
	if !el.Is("features", protocol.NSStream) {
		return n.unexpected(StepOpen, el)
	}
	n.sess.Features = session.ParseFeatures(el)
	return nil
}

func (n *negotiator) startTLS(ctx context.Context) error {
	if err := n.send(element.New("starttls", protocol.NSTLS)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	el, err := n.await(ctx, StepStartTLS, false)
	if err != nil {
		return err
	}
	switch {
	case el.Is("proceed", protocol.NSTLS):
	case el.Is("failure", protocol.NSTLS):
		return &NegotiationError{Step: StepStartTLS, Fatal: true, Condition: CondTLSFailure}
	default:
		return n.unexpected(StepStartTLS, el)
	}
	if err := n.tr.StartTLS(ctx); err != nil {
		return &NegotiationError{Step: StepStartTLS, Fatal: true, Condition: CondTLSFailure, Err: err}
	}
	n.sess.Secure = true
	return n.openStream(ctx)
}

func (n *negotiator) authenticate(ctx context.Context) error {
	actx := &sasl.Context{
		Secure:             n.sess.Secure,
		ServerName:         n.domain,
		AllowInsecurePlain: n.cfg.AllowInsecurePlain,
	}
	x, auth, err := n.engine.Start(n.sess.Features.Mechanisms, n.creds, actx)
	if err != nil {
		return &NegotiationError{Step: StepAuthenticate, Fatal: true, Condition: CondNoMechanisms, Err: err}
	}
	log.Debug().Str("mechanism", x.Mechanism()).Msg("client.negotiator.authenticate")
	if err := n.send(auth); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	for {
		el, err := n.await(ctx, StepAuthenticate, false)
		if err != nil {
			return err
		}
		reply, done, herr := x.Handle(el)
		if reply != nil {
			if err := n.send(reply); err != nil {
				return &TransportError{Op: "write", Err: err}
			}
		}
		if herr != nil {
			var failure *sasl.Failure
			if errors.As(herr, &failure) {
				return &NegotiationError{Step: StepAuthenticate, Fatal: !failure.Temporary(), Condition: failure.Condition, Err: failure}
			}
			return &NegotiationError{Step: StepAuthenticate, Fatal: true, Condition: sasl.CondNotAuthorized, Err: herr}
		}
		if done {
			break
		}
	}
	n.sess.Authenticated = true
	return n.openStream(ctx)
}

func (n *negotiator) resume(ctx context.Context) error {
	n.resumeTried = true
	id, h, _ := n.tracker.Resumable()
	if err := n.send(session.ResumeElement(id, h)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	el, err := n.await(ctx, StepResume, false)
	if err != nil {
		return err
	}
	switch {
	case el.Is("resumed", protocol.NSSM):
		// The server already resumed the old stream; binding here would open a
		// second session on it.
		r, err := session.ParseResumed(el)
		if err != nil {
			return &NegotiationError{Step: StepResume, Fatal: true, Condition: CondBadResponse, Err: err}
		}
		replay, err := n.tracker.Resume(r.H)
		if err != nil {
			return &NegotiationError{Step: StepResume, Fatal: true, Condition: CondBadResponse, Err: err}
		}
		n.sess.Bound = true
		n.sess.Resumed = true
		n.out.Resumed = true
		n.out.Replay = replay
		return nil
	case el.Is("failed", protocol.NSSM):
		f, err := session.ParseFailed(el)
		if err != nil {
			f = session.Failed{Condition: CondBadResponse}
		}
		return n.resumeFailed(f)
	default:
		return n.unexpected(StepResume, el)
	}
}

// resumeFailed falls back to a full session on the same authenticated stream.
func (n *negotiator) resumeFailed(f session.Failed) error {
	if f.HasH {
		_, _ = n.tracker.Acknowledge(f.H)
	}
	n.out.ResumeFailed = true
	n.out.Lost = append(n.out.Lost, n.tracker.Reset()...)
	fresh := n.sess.Fresh()
	fresh.Secure = n.sess.Secure
	fresh.Authenticated = n.sess.Authenticated
	fresh.Features = n.sess.Features
	fresh.StreamID = n.sess.StreamID
	n.sess = fresh
	log.Info().Str("condition", f.Condition).Int("lost", len(n.out.Lost)).Msg("client.negotiator.resume rejected")
	return nil
}

func (n *negotiator) bind(ctx context.Context) error {
	n.discardPrevious()
	payload := element.New("bind", protocol.NSBind)
	if n.sess.Resource != "" {
		payload.AddChild(element.New("resource", protocol.NSBind).SetText(n.sess.Resource))
	}
	reply, err := n.iq(ctx, StepBind, payload)
	if err != nil {
		return err
	}
	bound := reply.Child("bind", protocol.NSBind)
	if bound == nil || bound.Child("jid", protocol.NSBind) == nil {
		return &NegotiationError{Step: StepBind, Fatal: true, Condition: CondBadResponse}
	}
	j, err := jid.Parse(bound.Child("jid", protocol.NSBind).Text)
	if err != nil {
		return &NegotiationError{Step: StepBind, Fatal: true, Condition: CondBadResponse, Err: err}
	}
	n.sess.JID = j
	n.sess.Resource = j.Resource
	n.sess.Bound = true
	return nil
}

// discardPrevious drops delivery state left over from an earlier stream
// that was not resumed on this one.
func (n *negotiator) discardPrevious() {
	n.sess.ResumeID = ""
	if !n.tracker.Enabled() {
		return
	}
	lost := n.tracker.Reset()
	n.out.Lost = append(n.out.Lost, lost...)
	log.Info().Int("lost", len(lost)).Bool("sm_offered", n.sess.Features.StreamManagement).Msg("client.negotiator.bind previous stream dropped")
}

func (n *negotiator) legacySession(ctx context.Context) error {
	n.sessionDone = true
	_, err := n.iq(ctx, StepSession, element.New("session", protocol.NSSession))
	return err
}

func (n *negotiator) enableSM(ctx context.Context) error {
	n.smRequested = true
	sm := n.cfg.StreamManagement
	if err := n.send(session.EnableElement(sm.Resume, sm.MaxResumeSeconds)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	el, err := n.await(ctx, StepEnableSM, false)
	if err != nil {
		return err
	}
	switch {
	case el.Is("enabled", protocol.NSSM):
		en, err := session.ParseEnabled(el)
		if err != nil {
			// The server counts stanzas either way, so track without resumption.
			log.Warn().Err(err).Msg("client.negotiator.enableSM bad enabled, resumption off")
			n.tracker.Enable("", false, "")
			return nil
		}
		n.tracker.Enable(en.ID, en.Resume && sm.Resume, en.Location)
		log.Debug().Str("id", en.ID).Bool("resume", en.Resume).Int("max", en.Max).Str("location", en.Location).Msg("client.negotiator.enableSM enabled")
		if en.Resume {
			n.sess.ResumeID = en.ID
		}
		return nil
	case el.Is("failed", protocol.NSSM):
		f, _ := session.ParseFailed(el)
		log.Warn().Str("condition", f.Condition).Msg("client.negotiator.enableSM refused")
		return nil
	default:
		return n.unexpected(StepEnableSM, el)
	}
}

// iq sends an iq set during negotiation and waits for its reply.
func (n *negotiator) iq(ctx context.Context, step Step, payload *element.Element) (*element.Element, error) {
	req := stanza.NewIQ(stanza.TypeSet, "", payload)
	id := step.String() + "-" + uuid.NewString()
	req.SetAttr("id", id)
	if err := n.send(req); err != nil {
		return nil, &TransportError{Op: "write", Err: err}
	}
	for {
		el, err := n.await(ctx, step, true)
		if err != nil {
			return nil, err
		}
		if el.Attr("id") != id || !stanza.IsStanza(el) {
			n.out.Deferred = append(n.out.Deferred, el)
			continue
		}
		if el.Attr("type") == stanza.TypeError {
			serr := stanza.ParseError(el)
			return nil, &NegotiationError{Step: step, Fatal: true, Condition: serr.Condition, Err: serr}
		}
		return el, nil
	}
}

// await returns the next negotiation element, deferring stanzas (iq stanzas
// are returned when acceptIQ is set). Stream errors and transport failures
// end the attempt.
func (n *negotiator) await(ctx context.Context, step Step, acceptIQ bool) (*element.Element, error) {
	for {
		ev, err := n.nextEvent(ctx, step)
		if err != nil {
			return nil, err
		}
		if ev.Kind != transport.EventElement {
			continue
		}
		el := ev.Element
		if stream.IsError(el) {
			serr := stream.ParseError(el)
			return nil, &NegotiationError{Step: step, Fatal: serr.Fatal(), Condition: serr.Condition, Err: serr}
		}
		if stanza.IsStanza(el) && !(acceptIQ && el.Name == stanza.KindIQ) {
			n.out.Deferred = append(n.out.Deferred, el)
			continue
		}
		return el, nil
	}
}

func (n *negotiator) nextEvent(ctx context.Context, step Step) (transport.Event, error) {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return transport.Event{}, &NegotiationError{Step: step, Fatal: true, Condition: CondTimeout, Err: ErrNegotiationTimeout}
		}
		return transport.Event{}, ctx.Err()
	case ev, ok := <-n.tr.Events():
		if !ok {
			return transport.Event{}, &TransportError{Op: "read", Err: io.ErrUnexpectedEOF}
		}
		switch ev.Kind {
		case transport.EventClose:
			return ev, &TransportError{Op: "read", Err: ErrClosedByPeer}
		case transport.EventError:
			return ev, &TransportError{Op: "read", Err: ev.Err}
		}
		return ev, nil
	}
}

func (n *negotiator) unexpected(step Step, el *element.Element) error {
	return &NegotiationError{
		Step:      step,
		Fatal:     true,
		Condition: CondBadResponse,
		Err:       fmt.Errorf("%w: %s", protocol.ErrUnexpectedElement, stanza.Describe(el)),
	}
}
