package client

import (
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/xmppctl/internal/protocol/session"
)

// ReconnectPolicy decides whether and when to reconnect after a connection
// ends. attempt counts consecutive failures since the last Connected state,
// starting at 1.
type ReconnectPolicy interface {
	Decide(cause Cause, err error, attempt int) (bool, time.Duration)
}

// BackoffPolicy retries transport-level failures: the first retry is
// immediate, later ones follow the exponential backoff.
type BackoffPolicy struct {
	Backoff     session.BackoffConfig
	MaxAttempts int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoffPolicy(cfg session.Config) *BackoffPolicy {
	return &BackoffPolicy{
		Backoff:     cfg.Backoff,
		MaxAttempts: cfg.MaxReconnectAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *BackoffPolicy) Decide(cause Cause, err error, attempt int) (bool, time.Duration) {
	if cause == CauseRequested || cause == CauseNone {
		return false, 0
	}
	if IsFatal(err) {
		return false, 0
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return false, 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return true, session.ReconnectDelay(p.Backoff, attempt, p.rng)
}

// NeverReconnect disables automatic reconnects.
type NeverReconnect struct{}

func (NeverReconnect) Decide(Cause, error, int) (bool, time.Duration) {
	return false, 0
}
