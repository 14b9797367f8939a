package client

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Handle cancels a scheduled callback. Stop is safe to call more than once.
type Handle interface {
	Stop()
}

// Scheduler runs delayed and periodic callbacks on a clock.Clock so tests can
// drive time with clock.Mock.
type Scheduler struct {
	clock clock.Clock
}

func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{clock: c}
}

func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

type timerHandle struct {
	t *clock.Timer
}

func (h timerHandle) Stop() {
	h.t.Stop()
}

// After runs fn once after d.
func (s *Scheduler) After(d time.Duration, fn func()) Handle {
	return timerHandle{t: s.clock.AfterFunc(d, fn)}
}

type tickerHandle struct {
	ticker *clock.Ticker
	stop   chan struct{}
	once   sync.Once
}

func (h *tickerHandle) Stop() {
	h.once.Do(func() {
		h.ticker.Stop()
		close(h.stop)
	})
}

// Every runs fn every d until the handle is stopped. Ticks are serialized on
// one goroutine; a slow fn drops ticks rather than queueing them.
func (s *Scheduler) Every(d time.Duration, fn func()) Handle {
	h := &tickerHandle{ticker: s.clock.Ticker(d), stop: make(chan struct{})}
	go func() {
		for {
			select {
			case <-h.stop:
				return
			case <-h.ticker.C:
				select {
				case <-h.stop:
					return
				default:
				}
				fn()
			}
		}
	}()
	return h
}
