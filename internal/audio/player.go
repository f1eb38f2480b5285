package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// FFPlayPlayer plays encoded audio through ffplay without a window.
type FFPlayPlayer struct {
	command string
}

func NewFFPlayPlayer(command string) *FFPlayPlayer {
	if command == "" {
		command = "ffplay"
	}
	return &FFPlayPlayer{command: command}
}

// Play blocks until playback ends. Cancelling ctx stops playback.
func (p *FFPlayPlayer) Play(ctx context.Context, audio []byte) error {
	if len(audio) == 0 {
		return errors.New("no audio to play")
	}
	args := []string{
		"-nodisp",
		"-autoexit",
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
	}
	proc, err := startProcess(p.command, args, bytes.NewReader(audio), nil, nil)
	if err != nil {
		return err
	}
	if err := proc.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if tail := proc.stderrTail(); tail != "" {
			return fmt.Errorf("ffplay failed: %w: %s", err, tail)
		}
		return fmt.Errorf("ffplay failed: %w", err)
	}
	return nil
}
