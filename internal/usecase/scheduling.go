package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type hardwareOwner string

const (
	ownerNone         hardwareOwner = ""
	ownerConversation hardwareOwner = "conversation"
	ownerPainCapture  hardwareOwner = "pain_capture"
	ownerMotion       hardwareOwner = "motion_capture"
)

// hardwareLease hands the microphone/camera to one owner at a time. It outlives resets so a
// capture still winding down from a previous session blocks the next acquisition.
type hardwareLease struct {
	slot chan struct{}

	mu     sync.Mutex
	holder hardwareOwner
}

func newHardwareLease() *hardwareLease {
	return &hardwareLease{slot: make(chan struct{}, 1)}
}

func (l *hardwareLease) Acquire(ctx context.Context, owner hardwareOwner) error {
	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.mu.Lock()
	l.holder = owner
	l.mu.Unlock()
	return nil
}

func (l *hardwareLease) Release(owner hardwareOwner) {
	l.mu.Lock()
	if l.holder != owner || owner == ownerNone {
		l.mu.Unlock()
		return
	}
	l.holder = ownerNone
	l.mu.Unlock()
	<-l.slot
}

func (l *hardwareLease) Holder() hardwareOwner {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// captureCycle is one bounded acquisition. Its completion is latched: the capture returning
// and the watchdog firing race, and only the first one is handled.
type captureCycle struct {
	id    string
	owner hardwareOwner
	fired atomic.Bool
}

func newCaptureCycle(owner hardwareOwner) *captureCycle {
	return &captureCycle{id: uuid.NewString(), owner: owner}
}

func (cy *captureCycle) complete() bool {
	return cy.fired.CompareAndSwap(false, true)
}

// afterLocked runs fn under the lock after d, unless the session was reset in between.
func (c *SessionController) afterLocked(d time.Duration, fn func()) {
	epoch := c.epoch
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.timers, timer)
		if !c.currentLocked(epoch) {
			c.log.WithField("epoch", epoch).Debug("dropped stale timer")
			return
		}
		fn()
	})
	c.timers[timer] = struct{}{}
}
