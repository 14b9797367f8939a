package sasl

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/danmuck/xmppctl/internal/protocol"
	"github.com/danmuck/xmppctl/internal/protocol/element"
)

// DefaultPriority lists built-in mechanisms strongest first.
var DefaultPriority = []string{
	"SCRAM-SHA-256",
	"SCRAM-SHA-1",
	"EXTERNAL",
	"PLAIN",
	"ANONYMOUS",
}

// Engine selects a mechanism and hands back an Exchange to drive it.
type Engine struct {
	order []Mechanism
}

// NewEngine builds an engine whose priority is the argument order.
func NewEngine(mechs ...Mechanism) *Engine {
	e := &Engine{}
	for _, m := range mechs {
		e.Register(m)
	}
	return e
}

// DefaultEngine registers every built-in mechanism in DefaultPriority order.
func DefaultEngine() *Engine {
	return NewEngine(ScramSHA256(), ScramSHA1(), External(), Plain(), Anonymous())
}

// Register appends m at the lowest priority, replacing a same-named entry.
func (e *Engine) Register(m Mechanism) {
	for i, cur := range e.order {
		if cur.Name() == m.Name() {
			e.order[i] = m
			return
		}
	}
	e.order = append(e.order, m)
}

// WithPriority returns an engine restricted to names, in that order.
// Unknown names are ignored.
func (e *Engine) WithPriority(names []string) *Engine {
	if len(names) == 0 {
		return e
	}
	out := &Engine{}
	for _, name := range names {
		name = strings.ToUpper(strings.TrimSpace(name))
		for _, m := range e.order {
			if m.Name() == name {
				out.Register(m)
			}
		}
	}
	return out
}

// Names lists registered mechanisms in priority order.
func (e *Engine) Names() []string {
	out := make([]string, 0, len(e.order))
	for _, m := range e.order {
		out = append(out, m.Name())
	}
	return out
}

// Select picks the highest-priority mechanism that is usable and offered.
func (e *Engine) Select(offered []string, creds Credentials, ctx *Context) (Mechanism, error) {
	set := make(map[string]struct{}, len(offered))
	for _, name := range offered {
		set[strings.ToUpper(strings.TrimSpace(name))] = struct{}{}
	}
	for _, m := range e.order {
		if _, ok := set[m.Name()]; !ok {
			continue
		}
		if m.Usable(creds, ctx) {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: offered=%v local=%v", ErrNoUsableMechanism, offered, e.Names())
}

// Start selects a mechanism and builds the initial <auth/> element.
func (e *Engine) Start(offered []string, creds Credentials, ctx *Context) (*Exchange, *element.Element, error) {
	mech, err := e.Select(offered, creds, ctx)
	if err != nil {
		return nil, nil, err
	}
	ctx.Mechanism = mech.Name()
	ctx.State = nil
	initial, err := mech.Evaluate(nil, creds, ctx)
	if err != nil {
		return nil, nil, err
	}
	x := &Exchange{mech: mech, creds: creds, ctx: ctx}
	return x, AuthElement(mech.Name(), initial), nil
}

// Exchange is one running authentication attempt.
type Exchange struct {
	mech  Mechanism
	creds Credentials
	ctx   *Context
}

func (x *Exchange) Mechanism() string {
	return x.mech.Name()
}

// Handle consumes one server element. It returns the reply to send (if any),
// whether the exchange finished successfully, or the failure.
func (x *Exchange) Handle(el *element.Element) (*element.Element, bool, error) {
	if el.Space != protocol.NSSASL {
		return nil, false, fmt.Errorf("%w: %s", ErrUnexpectedElement, el.Name)
	}
	switch el.Name {
	case "challenge":
		data, err := DecodePayload(el.Text)
		if err != nil {
			return nil, false, err
		}
		resp, err := x.mech.Evaluate(data, x.creds, x.ctx)
		if err != nil {
			return AbortElement(), false, err
		}
		return ResponseElement(resp), false, nil
	case "success":
		if strings.TrimSpace(el.Text) != "" && !x.mech.Complete(x.ctx) {
			data, err := DecodePayload(el.Text)
			if err != nil {
				return nil, false, err
			}
			if _, err := x.mech.Evaluate(data, x.creds, x.ctx); err != nil {
				return nil, false, err
			}
		}
		if !x.mech.Complete(x.ctx) {
			return nil, false, ErrIncomplete
		}
		return nil, true, nil
	case "failure":
		return nil, false, ParseFailure(el)
	default:
		return nil, false, fmt.Errorf("%w: %s", ErrUnexpectedElement, el.Name)
	}
}

// AuthElement builds <auth mechanism=.../> with an optional initial response.
func AuthElement(mechanism string, initial []byte) *element.Element {
	el := element.New("auth", protocol.NSSASL).SetAttr("mechanism", mechanism)
	el.Text = EncodePayload(initial)
	return el
}

func ResponseElement(data []byte) *element.Element {
	el := element.New("response", protocol.NSSASL)
	el.Text = EncodePayload(data)
	return el
}

func AbortElement() *element.Element {
	return element.New("abort", protocol.NSSASL)
}

// EncodePayload renders SASL data: nil is absent, empty is "=".
func EncodePayload(data []byte) string {
	if data == nil {
		return ""
	}
	if len(data) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(data)
}

// DecodePayload is the inverse of EncodePayload; absent data decodes to an
// empty slice.
func DecodePayload(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" || text == "=" {
		return []byte{}, nil
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChallenge, err)
	}
	return data, nil
}

// ParseFailure maps a <failure/> element onto *Failure.
func ParseFailure(el *element.Element) *Failure {
	out := &Failure{Condition: CondNotAuthorized}
	for _, c := range el.Children {
		if c.Name == "text" {
			out.Text = c.Text
			continue
		}
		out.Condition = c.Name
	}
	return out
}
