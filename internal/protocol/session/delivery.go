package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/xmppctl/internal/protocol/element"
)

var (
	ErrAckBeyondSent  = errors.New("session: ack beyond sent count")
	ErrNotResumable   = errors.New("session: stream not resumable")
	ErrTrackerStopped = errors.New("session: stream management not enabled")
)

// UnackedEntry is one outbound stanza awaiting <a/>.
type UnackedEntry struct {
	Seq      uint32
	Element  *element.Element
	Raw      []byte
	QueuedAt time.Time
}

// DeliveryCounters wrap modulo 2^32.
type DeliveryCounters struct {
	Sent     uint32
	Received uint32
}

// seqLE reports a <= b in serial-number order.
func seqLE(a, b uint32) bool {
	return int32(a-b) <= 0
}

// DeliveryTracker keeps stream management counters and the unacked queue.
type DeliveryTracker struct {
	mu        sync.Mutex
	enabled   bool
	resumable bool
	id        string
	location  string
	counters  DeliveryCounters
	queue     []UnackedEntry
	sinceReq  int
}

func NewDeliveryTracker() *DeliveryTracker {
	return &DeliveryTracker{}
}

// NewDeliveryTrackerWithCounters starts enabled from explicit counters.
func NewDeliveryTrackerWithCounters(c DeliveryCounters) *DeliveryTracker {
	return &DeliveryTracker{enabled: true, counters: c}
}

// Enable starts tracking after <enabled/>. Counters restart at zero.
func (t *DeliveryTracker) Enable(id string, resumable bool, location string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = true
	t.resumable = resumable && id != ""
	t.id = id
	t.location = location
	t.counters = DeliveryCounters{}
	t.queue = nil
	t.sinceReq = 0
}

func (t *DeliveryTracker) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Resumable reports whether a previous stream can be resumed and returns the
// id and inbound count to send in <resume/>.
func (t *DeliveryTracker) Resumable() (id string, h uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.resumable {
		return "", 0, false
	}
	return t.id, t.counters.Received, true
}

// Location is the server's preferred reconnect address, if any.
func (t *DeliveryTracker) Location() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.location
}

// Track appends a qualifying outbound stanza. It must be called under the
// same lock as the wire write so sequence order matches send order.
func (t *DeliveryTracker) Track(el *element.Element, raw []byte, at time.Time) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return 0, false
	}
	t.counters.Sent++
	t.sinceReq++
	t.queue = append(t.queue, UnackedEntry{
		Seq:      t.counters.Sent,
		Element:  el,
		Raw:      raw,
		QueuedAt: at,
	})
	return t.counters.Sent, true
}

// OnInbound counts one qualifying inbound stanza and returns the new count.
func (t *DeliveryTracker) OnInbound() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return t.counters.Received
	}
	t.counters.Received++
	return t.counters.Received
}

// Acknowledge drops entries with seq <= h from the head of the queue.
func (t *DeliveryTracker) Acknowledge(h uint32) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return 0, ErrTrackerStopped
	}
	if !seqLE(h, t.counters.Sent) {
		return 0, fmt.Errorf("%w: h=%d sent=%d", ErrAckBeyondSent, h, t.counters.Sent)
	}
	return t.pruneLocked(h), nil
}

func (t *DeliveryTracker) pruneLocked(h uint32) int {
	n := 0
	for n < len(t.queue) && seqLE(t.queue[n].Seq, h) {
		n++
	}
	if n == 0 {
		return 0
	}
	t.queue = append([]UnackedEntry(nil), t.queue[n:]...)
	return n
}

// Resume prunes by the server's h and returns the entries to replay, oldest
// first. The entries stay queued under their original sequence numbers.
func (t *DeliveryTracker) Resume(h uint32) ([]UnackedEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.resumable {
		return nil, ErrNotResumable
	}
	if !seqLE(h, t.counters.Sent) {
		return nil, fmt.Errorf("%w: h=%d sent=%d", ErrAckBeyondSent, h, t.counters.Sent)
	}
	t.pruneLocked(h)
	t.sinceReq = 0
	return append([]UnackedEntry(nil), t.queue...), nil
}

// Reset discards the queue and zeroes the counters. The discarded entries are
// returned so callers can report them as lost.
func (t *DeliveryTracker) Reset() []UnackedEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	lost := t.queue
	t.enabled = false
	t.resumable = false
	t.id = ""
	t.location = ""
	t.counters = DeliveryCounters{}
	t.queue = nil
	t.sinceReq = 0
	return lost
}

// AckDue reports whether at least every stanzas went out since the last ack
// request and restarts the count when it does.
func (t *DeliveryTracker) AckDue(every int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || every <= 0 || t.sinceReq < every {
		return false
	}
	t.sinceReq = 0
	return true
}

func (t *DeliveryTracker) Counters() DeliveryCounters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

func (t *DeliveryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}
