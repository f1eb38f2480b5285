package speech

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Backend is the speech variant currently selected by the availability flag.
type Backend string

const (
	BackendRemote   Backend = "remote"
	BackendOnDevice Backend = "on_device"
)

// HealthChecker reports whether the remote speech backend works.
type HealthChecker interface {
	Healthy(ctx context.Context) (bool, error)
}

// Availability is the process-wide remote speech flag. It is set by Probe and only ever
// downgraded afterwards, until Reset re-arms it for the next session.
type Availability struct {
	checker HealthChecker
	timeout time.Duration
	log     logrus.FieldLogger

	remote      atomic.Bool
	onDowngrade atomic.Pointer[func(error)]
}

func NewAvailability(checker HealthChecker, timeout time.Duration, log logrus.FieldLogger) *Availability {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Availability{checker: checker, timeout: timeout, log: log.WithField("component", "speech")}
}

// Probe runs the health check and sets the flag from its result. Failures select on-device speech.
func (a *Availability) Probe(ctx context.Context) bool {
	if a.checker == nil {
		a.remote.Store(false)
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	ok, err := a.checker.Healthy(probeCtx)
	if err != nil {
		a.log.WithError(err).Warn("speech health probe failed; using on-device speech")
		ok = false
	}
	a.remote.Store(ok)
	a.log.WithField("backend", a.Backend()).Info("speech backend selected")
	return ok
}

// Downgrade permanently switches to on-device speech for the rest of the session.
func (a *Availability) Downgrade(cause error) {
	if !a.remote.CompareAndSwap(true, false) {
		return
	}
	a.log.WithError(cause).Warn("remote speech failed; downgraded to on-device speech")
	if fn := a.onDowngrade.Load(); fn != nil {
		(*fn)(cause)
	}
}

// OnDowngrade registers a callback invoked once per downgrade.
func (a *Availability) OnDowngrade(fn func(error)) {
	a.onDowngrade.Store(&fn)
}

func (a *Availability) RemoteAvailable() bool {
	return a.remote.Load()
}

func (a *Availability) Backend() Backend {
	if a.remote.Load() {
		return BackendRemote
	}
	return BackendOnDevice
}

// Reset clears the flag until the next Probe.
func (a *Availability) Reset() {
	a.remote.Store(false)
}
