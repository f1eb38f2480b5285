package speech

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"triageassist/internal/domain"
	"triageassist/internal/ports"
)

var (
	ErrNoSpeech          = errors.New("no speech recognized")
	ErrTranscriptionBusy = errors.New("transcription already in progress")
	ErrNoBackend         = errors.New("no speech backend available")
)

// Input is the speech input provider: remote recognition first while available, on-device otherwise.
type Input struct {
	availability *Availability
	remote       ports.Recognizer
	onDevice     ports.Recognizer
	language     string
	log          logrus.FieldLogger

	busy atomic.Bool
}

func NewInput(availability *Availability, remote ports.Recognizer, onDevice ports.Recognizer, language string, log logrus.FieldLogger) *Input {
	return &Input{
		availability: availability,
		remote:       remote,
		onDevice:     onDevice,
		language:     language,
		log:          log.WithField("component", "speech_input"),
	}
}

// Transcribe returns recognized text. ErrNoSpeech covers silence and failure of every backend.
// A call made while another is outstanding fails with ErrTranscriptionBusy.
func (i *Input) Transcribe(ctx context.Context, audio domain.Artifact) (string, error) {
	if !i.busy.CompareAndSwap(false, true) {
		return "", ErrTranscriptionBusy
	}
	defer i.busy.Store(false)

	if audio.Empty() {
		return "", ErrNoSpeech
	}

	type candidate struct {
		backend    Backend
		recognizer ports.Recognizer
	}
	var candidates []candidate
	if i.remote != nil && i.availability.RemoteAvailable() {
		candidates = append(candidates, candidate{BackendRemote, i.remote})
	}
	if i.onDevice != nil {
		candidates = append(candidates, candidate{BackendOnDevice, i.onDevice})
	}
	if len(candidates) == 0 {
		return "", ErrNoBackend
	}

	var lastErr error
	for _, c := range candidates {
		text, err := c.recognizer.Recognize(ctx, audio, i.language)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err
			i.log.WithError(err).WithField("backend", c.backend).Warn("speech recognition failed")
			if c.backend == BackendRemote {
				i.availability.Downgrade(err)
			}
			continue
		}
		if text == "" {
			return "", ErrNoSpeech
		}
		return text, nil
	}
	return "", errors.Join(ErrNoSpeech, lastErr)
}
