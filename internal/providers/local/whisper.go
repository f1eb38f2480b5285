package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"triageassist/internal/domain"
)

// ErrNotConfigured is returned when an on-device backend has no usable model or binary.
var ErrNotConfigured = errors.New("on-device speech backend not configured")

// WhisperRecognizer transcribes WAV audio with the whisper.cpp command line tool.
type WhisperRecognizer struct {
	command string
	model   string
	tempDir string
}

func NewWhisperRecognizer(command string, model string) *WhisperRecognizer {
	if command == "" {
		command = "whisper-cli"
	}
	return &WhisperRecognizer{command: command, model: strings.TrimSpace(model)}
}

// Recognize returns the trimmed transcript. Silence yields an empty string.
func (w *WhisperRecognizer) Recognize(ctx context.Context, audio domain.Artifact, language string) (string, error) {
	if w.model == "" {
		return "", fmt.Errorf("%w: whisper model path is empty", ErrNotConfigured)
	}
	if audio.Empty() {
		return "", nil
	}

	f, err := os.CreateTemp(w.tempDir, "whisper-*.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create whisper input: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(audio.Data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to write whisper input: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	args := []string{"-m", w.model, "-f", path, "-nt", "-np"}
	if lang := baseLanguage(language); lang != "" {
		args = append(args, "-l", lang)
	}

	cmd := exec.CommandContext(ctx, w.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("whisper failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return cleanTranscript(stdout.String()), nil
}

// cleanTranscript joins output lines and drops whisper's non-speech markers such as [BLANK_AUDIO].
func cleanTranscript(out string) string {
	var parts []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			continue
		}
		if strings.HasPrefix(line, "(") && strings.HasSuffix(line, ")") {
			continue
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, " ")
}

func baseLanguage(code string) string {
	code = strings.TrimSpace(code)
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	return strings.ToLower(code)
}
