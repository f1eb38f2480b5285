package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"triageassist/internal/domain"
	"triageassist/internal/ports"
)

const wavHeaderSize = 44

var silenceStartPattern = regexp.MustCompile(`silence_start:\s*(-?[0-9.]+)`)

// FFMPEGCapture records microphone and camera input using ffmpeg.
// Devices are held only while a capture call runs.
type FFMPEGCapture struct {
	command string
	cfg     ports.CaptureConfig
	tempDir string
}

func NewFFMPEGCapture(command string, cfg ports.CaptureConfig) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 10
	}
	if cfg.AudioInputFormat == "" {
		cfg.AudioInputFormat = "pulse"
	}
	if cfg.AudioInputDevice == "" {
		cfg.AudioInputDevice = "default"
	}
	if cfg.VideoInputFormat == "" {
		cfg.VideoInputFormat = "v4l2"
	}
	if cfg.VideoInputDevice == "" {
		cfg.VideoInputDevice = "/dev/video0"
	}
	return &FFMPEGCapture{command: command, cfg: cfg}
}

// CaptureUtterance records one utterance as 16-bit WAV. Recording ends after a pause that follows
// speech, or at maxDuration. A capture with no samples returns an empty artifact.
func (c *FFMPEGCapture) CaptureUtterance(ctx context.Context, maxDuration time.Duration) (domain.Artifact, error) {
	if maxDuration <= 0 {
		maxDuration = 8 * time.Second
	}
	artifact := domain.Artifact{Kind: domain.MediaAudio, MIMEType: "audio/wav"}

	out, err := os.CreateTemp(c.tempDir, "utterance-*.wav")
	if err != nil {
		return artifact, fmt.Errorf("failed to create utterance file: %w", err)
	}
	path := out.Name()
	_ = out.Close()
	defer os.Remove(path)

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-nostats",
		"-loglevel", "info",
		"-f", c.cfg.AudioInputFormat,
		"-i", c.cfg.AudioInputDevice,
		"-t", formatSeconds(maxDuration),
		"-af", "silencedetect=noise=-40dB:d=1.2",
		"-ac", strconv.Itoa(c.cfg.Channels),
		"-ar", strconv.Itoa(c.cfg.SampleRate),
		"-c:a", "pcm_s16le",
		"-y", path,
	}

	var (
		watcher silenceWatcher
		pause   lateInterrupt
	)
	proc, err := startProcess(c.command, args, nil, nil, func(line string) {
		if watcher.observe(line) {
			pause.fire()
		}
	})
	if err != nil {
		return artifact, err
	}
	pause.attach(proc)

	// A hung device turns into an empty result once the duration bound plus grace passes.
	bound, cancel := context.WithTimeout(ctx, maxDuration+2*time.Second)
	defer cancel()
	waitErr := proc.Wait(bound)
	if ctx.Err() != nil {
		return artifact, ctx.Err()
	}
	if waitErr != nil && !errors.Is(waitErr, context.DeadlineExceeded) {
		if err := normalizeStopErr(waitErr); err != nil {
			return artifact, fmt.Errorf("ffmpeg utterance capture failed: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return artifact, fmt.Errorf("failed to read utterance: %w", err)
	}
	if len(data) <= wavHeaderSize {
		return artifact, nil
	}
	artifact.Data = data
	return artifact, nil
}

// CaptureTimedVideo records exactly duration of camera video as fragmented MP4.
func (c *FFMPEGCapture) CaptureTimedVideo(ctx context.Context, duration time.Duration) (domain.Artifact, error) {
	if duration <= 0 {
		duration = 5 * time.Second
	}
	artifact := domain.Artifact{Kind: domain.MediaVideo, MIMEType: "video/mp4"}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.cfg.VideoInputFormat,
		"-framerate", strconv.Itoa(c.cfg.FrameRate),
		"-i", c.cfg.VideoInputDevice,
		"-t", formatSeconds(duration),
		"-an",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-pix_fmt", "yuv420p",
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4",
		"-",
	}

	var stdout bytes.Buffer
	proc, err := startProcess(c.command, args, nil, &stdout, nil)
	if err != nil {
		return artifact, err
	}

	bound, cancel := context.WithTimeout(ctx, duration+5*time.Second)
	defer cancel()
	if err := proc.Wait(bound); err != nil {
		if ctx.Err() != nil {
			return artifact, ctx.Err()
		}
		if stopErr := normalizeStopErr(err); stopErr != nil {
			return artifact, fmt.Errorf("ffmpeg video capture failed: %w", stopErr)
		}
	}
	if stdout.Len() == 0 {
		if tail := proc.stderrTail(); tail != "" {
			return artifact, fmt.Errorf("ffmpeg produced no video: %s", tail)
		}
		return artifact, nil
	}
	artifact.Data = stdout.Bytes()
	return artifact, nil
}

// lateInterrupt interrupts a process that may not have been attached yet when the pause was seen.
type lateInterrupt struct {
	mu    sync.Mutex
	proc  *process
	fired bool
}

func (l *lateInterrupt) fire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fired = true
	if l.proc != nil {
		l.proc.Interrupt()
	}
}

func (l *lateInterrupt) attach(p *process) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.proc = p
	if l.fired {
		p.Interrupt()
	}
}

// silenceWatcher decides when a pause after speech ends the utterance.
type silenceWatcher struct {
	spoke bool
}

func (w *silenceWatcher) observe(line string) bool {
	if m := silenceStartPattern.FindStringSubmatch(line); m != nil {
		at, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return false
		}
		return w.spoke || at > 0.3
	}
	if strings.Contains(line, "silence_end:") {
		w.spoke = true
	}
	return false
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
