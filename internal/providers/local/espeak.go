package local

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// EspeakSynthesizer speaks text on the default audio device with espeak-ng.
// It plays directly, so Synthesize returns no audio bytes.
type EspeakSynthesizer struct {
	command string
	voice   string
	rate    int
}

func NewEspeakSynthesizer(command string, language string, speakingRate float64) *EspeakSynthesizer {
	if command == "" {
		command = "espeak-ng"
	}
	if speakingRate <= 0 {
		speakingRate = 1
	}
	voice := strings.ToLower(strings.TrimSpace(language))
	if voice == "" {
		voice = "en-us"
	}
	// espeak-ng speaks 175 words per minute at its default rate.
	return &EspeakSynthesizer{command: command, voice: voice, rate: int(175 * speakingRate)}
}

// Synthesize blocks until the utterance has been spoken. Cancelling ctx cuts it off.
func (e *EspeakSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, e.command, "-v", e.voice, "-s", strconv.Itoa(e.rate), "--stdin")
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("espeak failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil, nil
}
