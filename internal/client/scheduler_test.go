package client

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/danmuck/xmppctl/internal/testutil/testlog"
)

func TestSchedulerAfterFiresOnce(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()
	s := NewScheduler(mock)

	var fired atomic.Int32
	s.After(time.Second, func() { fired.Add(1) })

	mock.Add(500 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("timer fired early")
	}
	mock.Add(500 * time.Millisecond)
	eventually(t, func() bool { return fired.Load() == 1 }, "timer fire")
	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected one fire, got %d", got)
	}
}

func TestSchedulerAfterStop(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()
	s := NewScheduler(mock)

	var fired atomic.Int32
	h := s.After(time.Second, func() { fired.Add(1) })
	h.Stop()
	h.Stop()
	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("stopped timer fired")
	}
}

func TestSchedulerEvery(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()
	s := NewScheduler(mock)

	var ticks atomic.Int32
	h := s.Every(time.Second, func() { ticks.Add(1) })
	for i := 0; i < 3; i++ {
		want := int32(i + 1)
		mock.Add(time.Second)
		eventually(t, func() bool { return ticks.Load() >= want }, "tick")
	}
	h.Stop()
	h.Stop()
	before := ticks.Load()
	mock.Add(5 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if ticks.Load() != before {
		t.Fatalf("ticks continued after stop")
	}
}

func TestSchedulerDefaultsToWallClock(t *testing.T) {
	testlog.Start(t)
	s := NewScheduler(nil)
	if d := time.Since(s.Now()); d < 0 || d > time.Second {
		t.Fatalf("expected wall clock, drift %s", d)
	}
}
