package usecase

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"triageassist/internal/domain"
)

func TestCountdownSinkCountsDownOnCaptureReady(t *testing.T) {
	t.Parallel()

	inner := &fakeEventSink{}
	sink := newCountdownSink(inner, 3, 5*time.Millisecond)

	status := domain.Status{State: domain.StateAwaitingPainCapture, Step: domain.StepPainCapture}
	sink.SessionStateChanged(status, domain.SessionReasonPainCaptureReady)

	eventually(t, func() bool { return len(inner.countdownValues()) == 4 }, "countdown incomplete")
	assert.Equal(t, []int{3, 2, 1, 0}, inner.countdownValues())
	assert.True(t, inner.sawReason(domain.SessionReasonPainCaptureReady), "state changes pass through")
}

func TestCountdownSinkStopsOnTransition(t *testing.T) {
	t.Parallel()

	inner := &fakeEventSink{}
	sink := newCountdownSink(inner, 100, 5*time.Millisecond)

	sink.SessionStateChanged(domain.Status{State: domain.StateAwaitingPainCapture}, domain.SessionReasonPainCaptureReady)
	eventually(t, func() bool { return len(inner.countdownValues()) >= 2 }, "countdown not started")

	sink.SessionStateChanged(domain.Status{State: domain.StateChatting}, domain.SessionReasonProcessing)
	stopped := len(inner.countdownValues())
	time.Sleep(40 * time.Millisecond)
	assert.LessOrEqual(t, len(inner.countdownValues()), stopped+1)
}

func TestCountdownSinkRestartsOnRearm(t *testing.T) {
	t.Parallel()

	inner := &fakeEventSink{}
	sink := newCountdownSink(inner, 2, 5*time.Millisecond)
	ready := domain.Status{State: domain.StateAwaitingPainCapture}

	sink.SessionStateChanged(ready, domain.SessionReasonPainCaptureReady)
	eventually(t, func() bool { return len(inner.countdownValues()) == 3 }, "first countdown incomplete")

	sink.SessionStateChanged(ready, domain.SessionReasonCaptureFailed)
	sink.SessionStateChanged(ready, domain.SessionReasonPainCaptureReady)
	eventually(t, func() bool { return len(inner.countdownValues()) == 6 }, "second countdown incomplete")
	assert.True(t, slices.Equal([]int{2, 1, 0, 2, 1, 0}, inner.countdownValues()))
	sink.Stop()
}
