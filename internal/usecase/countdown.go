package usecase

import (
	"sync"
	"time"

	"triageassist/internal/domain"
	"triageassist/internal/ports"
)

// CountdownSink wraps an event sink and emits a per-second countdown whenever a pain capture
// is announced. It only observes transitions; the controller runs its own timer.
type CountdownSink struct {
	ports.EventSink
	seconds int
	tick    time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

func NewCountdownSink(next ports.EventSink, seconds int) *CountdownSink {
	return newCountdownSink(next, seconds, time.Second)
}

func newCountdownSink(next ports.EventSink, seconds int, tick time.Duration) *CountdownSink {
	return &CountdownSink{EventSink: next, seconds: seconds, tick: tick}
}

func (s *CountdownSink) SessionStateChanged(status domain.Status, reason domain.SessionStateReason) {
	s.EventSink.SessionStateChanged(status, reason)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case reason == domain.SessionReasonPainCaptureReady:
		s.stopLocked()
		s.startLocked()
	case status.State != domain.StateAwaitingPainCapture:
		s.stopLocked()
	}
}

// Stop ends a running countdown.
func (s *CountdownSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *CountdownSink) startLocked() {
	if s.seconds <= 0 {
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	next := s.EventSink

	go func() {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for remaining := s.seconds; remaining >= 0; remaining-- {
			if remaining < s.seconds {
				select {
				case <-ticker.C:
				case <-stop:
					return
				}
			}
			select {
			case <-stop:
				return
			default:
			}
			next.Countdown(remaining)
		}
	}()
}

func (s *CountdownSink) stopLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}
