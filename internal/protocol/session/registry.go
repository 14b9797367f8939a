package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/xmppctl/internal/protocol/element"
	"github.com/danmuck/xmppctl/internal/protocol/stanza"
)

var (
	ErrRequestTimeout         = errors.New("session: request timed out")
	ErrNotCompleted           = errors.New("session: request not completed")
	ErrDuplicateCorrelationID = errors.New("session: duplicate correlation id")
)

// Outcome is how a request resolved.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeError
	OutcomeTimeout
	OutcomeNotCompleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNotCompleted:
		return "not_completed"
	default:
		return "unknown"
	}
}

// RequestError is an iq type='error' reply.
type RequestError struct {
	ID     string
	Stanza *stanza.Error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("session: request %s failed: %v", e.ID, e.Stanza)
}

func (e *RequestError) Unwrap() error {
	return e.Stanza
}

// Result is the single resolution of a request.
type Result struct {
	Outcome Outcome
	// Reply is the full inbound stanza for success and error outcomes.
	Reply *element.Element
	// Payload is the first child of a result reply, nil for empty results.
	Payload *element.Element
	Err     error
}

// Handle tracks one outbound request until it resolves.
type Handle struct {
	id        string
	request   *element.Element
	createdAt time.Time
	deadline  time.Time

	once   sync.Once
	done   chan struct{}
	result Result
}

func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) Request() *element.Element {
	return h.request
}

func (h *Handle) Deadline() time.Time {
	return h.deadline
}

// Done is closed once the request resolves.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the resolution, if any.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the request resolves or ctx ends. Non-success outcomes
// come back as errors: *RequestError, ErrRequestTimeout or ErrNotCompleted.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *Handle) resolve(res Result) bool {
	resolved := false
	h.once.Do(func() {
		h.result = res
		close(h.done)
		resolved = true
	})
	return resolved
}

// Sender writes one element through the connection's outbound path.
type Sender func(el *element.Element) error

// RequestRegistry correlates outbound iq requests with their replies.
type RequestRegistry struct {
	mu      sync.Mutex
	pending map[string]*Handle
	send    Sender
	now     func() time.Time

	// OnResolve, when set, observes every resolution. It runs outside the lock.
	OnResolve func(id string, outcome Outcome, latency time.Duration)
}

// NewRequestRegistry builds a registry writing through send. now defaults to
// time.Now.
func NewRequestRegistry(send Sender, now func() time.Time) *RequestRegistry {
	if now == nil {
		now = time.Now
	}
	return &RequestRegistry{
		pending: make(map[string]*Handle),
		send:    send,
		now:     now,
	}
}

// Submit registers el and writes it. A caller-supplied id is honoured; an
// element without one gets a random UUID. timeout <= 0 means no deadline.
func (r *RequestRegistry) Submit(el *element.Element, timeout time.Duration) (*Handle, error) {
	id := strings.TrimSpace(el.Attr("id"))
	now := r.now()
	h := &Handle{request: el, createdAt: now, done: make(chan struct{})}
	if timeout > 0 {
		h.deadline = now.Add(timeout)
	}

	r.mu.Lock()
	if id == "" {
		for {
			id = uuid.NewString()
			if _, exists := r.pending[id]; !exists {
				break
			}
		}
		el.SetAttr("id", id)
	} else if _, exists := r.pending[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelationID, id)
	}
	h.id = id
	r.pending[id] = h
	r.mu.Unlock()

	if r.send == nil {
		return h, nil
	}
	if err := r.send(el); err != nil {
		r.mu.Lock()
		if r.pending[id] == h {
			delete(r.pending, id)
		}
		r.mu.Unlock()
		return nil, err
	}
	return h, nil
}

// OnInboundElement resolves the matching pending request. It returns false
// when el is not a reply to anything pending.
func (r *RequestRegistry) OnInboundElement(el *element.Element) bool {
	if el == nil || el.Name != stanza.KindIQ {
		return false
	}
	typ := el.Attr("type")
	if typ != stanza.TypeResult && typ != stanza.TypeError {
		return false
	}
	id := el.Attr("id")
	r.mu.Lock()
	h, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	res := Result{Outcome: OutcomeSuccess, Reply: el, Payload: el.FirstChild()}
	if typ == stanza.TypeError {
		res = Result{
			Outcome: OutcomeError,
			Reply:   el,
			Err:     &RequestError{ID: id, Stanza: stanza.ParseError(el)},
		}
	}
	r.finish(h, res)
	return true
}

// OnTimeoutTick resolves every request whose deadline is at or before now.
func (r *RequestRegistry) OnTimeoutTick(now time.Time) int {
	var expired []*Handle
	r.mu.Lock()
	for id, h := range r.pending {
		if h.deadline.IsZero() || now.Before(h.deadline) {
			continue
		}
		delete(r.pending, id)
		expired = append(expired, h)
	}
	r.mu.Unlock()

	for _, h := range expired {
		r.finish(h, Result{
			Outcome: OutcomeTimeout,
			Err:     fmt.Errorf("%w: %s", ErrRequestTimeout, h.id),
		})
	}
	return len(expired)
}

// FailAll resolves every pending request as not completed.
func (r *RequestRegistry) FailAll(cause error) int {
	r.mu.Lock()
	all := make([]*Handle, 0, len(r.pending))
	for id, h := range r.pending {
		all = append(all, h)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	err := ErrNotCompleted
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrNotCompleted, cause)
	}
	for _, h := range all {
		r.finish(h, Result{Outcome: OutcomeNotCompleted, Err: err})
	}
	return len(all)
}

// Cancel drops a pending request without resolving it as timed out.
func (r *RequestRegistry) Cancel(id string, cause error) bool {
	r.mu.Lock()
	h, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.finish(h, Result{Outcome: OutcomeNotCompleted, Err: fmt.Errorf("%w: %v", ErrNotCompleted, cause)})
	return true
}

func (r *RequestRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *RequestRegistry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

func (r *RequestRegistry) finish(h *Handle, res Result) {
	if !h.resolve(res) {
		return
	}
	if r.OnResolve != nil {
		r.OnResolve(h.id, res.Outcome, r.now().Sub(h.createdAt))
	}
}
