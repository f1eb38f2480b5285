package speech

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"triageassist/internal/ports"
)

var ErrDuplicateUtterance = errors.New("duplicate utterance suppressed")

// Output is the speech output provider. One utterance plays at a time; starting a new one cancels the old.
type Output struct {
	availability *Availability
	remote       ports.Synthesizer
	onDevice     ports.Synthesizer
	player       ports.Player
	cooldown     time.Duration
	now          func() time.Time
	log          logrus.FieldLogger

	mu       sync.Mutex
	seq      uint64
	cancel   context.CancelFunc
	lastText string
	lastAt   time.Time
}

func NewOutput(availability *Availability, remote ports.Synthesizer, onDevice ports.Synthesizer, player ports.Player, cooldown time.Duration, log logrus.FieldLogger) *Output {
	return &Output{
		availability: availability,
		remote:       remote,
		onDevice:     onDevice,
		player:       player,
		cooldown:     cooldown,
		now:          time.Now,
		log:          log.WithField("component", "speech_output"),
	}
}

// Speak renders text and returns when playback ends, fails or is cancelled.
// Repeating the previous text within the cooldown returns ErrDuplicateUtterance and leaves
// the first utterance playing.
func (o *Output) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	o.mu.Lock()
	now := o.now()
	if text == o.lastText && now.Sub(o.lastAt) < o.cooldown {
		o.mu.Unlock()
		o.log.WithField("text", text).Debug("duplicate utterance suppressed")
		return ErrDuplicateUtterance
	}
	if o.cancel != nil {
		o.cancel()
	}
	utteranceCtx, cancel := context.WithCancel(ctx)
	o.seq++
	id := o.seq
	o.cancel = cancel
	o.lastText = text
	o.lastAt = now
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		if o.seq == id {
			o.cancel = nil
		}
		o.mu.Unlock()
	}()

	return o.render(utteranceCtx, text)
}

func (o *Output) render(ctx context.Context, text string) error {
	if o.remote != nil && o.availability.RemoteAvailable() {
		audio, err := o.remote.Synthesize(ctx, text)
		if err == nil {
			if playErr := o.player.Play(ctx, audio); playErr != nil && ctx.Err() == nil {
				o.log.WithError(playErr).Warn("playback failed")
				return playErr
			}
			return ctx.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.availability.Downgrade(err)
	}

	if o.onDevice == nil {
		return ErrNoBackend
	}
	if _, err := o.onDevice.Synthesize(ctx, text); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.log.WithError(err).Warn("on-device synthesis failed")
		return err
	}
	return nil
}

// Cancel stops the in-flight utterance and forgets the last text.
func (o *Output) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.lastText = ""
	o.lastAt = time.Time{}
}
