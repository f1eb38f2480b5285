package audio

import (
	"bytes"
	"context"
	"io"
	"strconv"

	"triageassist/internal/ports"
)

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

const maxFrameSize = 8 << 20

// StreamFrames starts the camera and yields JPEG frames until Stop or ctx ends.
func (c *FFMPEGCapture) StreamFrames(ctx context.Context) (ports.FrameStream, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.cfg.VideoInputFormat,
		"-framerate", strconv.Itoa(c.cfg.FrameRate),
		"-i", c.cfg.VideoInputDevice,
		"-an",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	}

	pr, pw := io.Pipe()
	proc, err := startProcess(c.command, args, nil, pw, nil)
	if err != nil {
		_ = pw.Close()
		return nil, err
	}

	stream := &frameStream{
		proc:   proc,
		frames: make(chan []byte, 4),
	}
	go func() {
		<-proc.done
		_ = pw.Close()
	}()
	go stream.readLoop(pr)
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Stop()
		case <-proc.done:
		}
	}()
	return stream, nil
}

type frameStream struct {
	proc   *process
	frames chan []byte
}

func (s *frameStream) Frames() <-chan []byte {
	return s.frames
}

// Stop releases the camera. It is safe to call more than once.
func (s *frameStream) Stop() error {
	return s.proc.Stop()
}

func (s *frameStream) readLoop(r io.ReadCloser) {
	defer close(s.frames)
	defer r.Close()

	var splitter jpegSplitter
	buf := make([]byte, 64<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, frame := range splitter.push(buf[:n]) {
				s.emit(frame)
			}
		}
		if err != nil {
			return
		}
	}
}

// emit never blocks: when the consumer lags the oldest buffered frame is dropped.
func (s *frameStream) emit(frame []byte) {
	for {
		select {
		case s.frames <- frame:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

// jpegSplitter cuts a concatenated MJPEG byte stream into whole JPEG images.
type jpegSplitter struct {
	pending []byte
}

func (j *jpegSplitter) push(chunk []byte) [][]byte {
	j.pending = append(j.pending, chunk...)
	var frames [][]byte
	for {
		start := bytes.Index(j.pending, jpegStart)
		if start < 0 {
			// Keep a trailing 0xFF that may begin the next marker.
			if n := len(j.pending); n > 0 && j.pending[n-1] == 0xFF {
				j.pending = j.pending[n-1:]
			} else {
				j.pending = j.pending[:0]
			}
			return frames
		}
		end := bytes.Index(j.pending[start+2:], jpegEnd)
		if end < 0 {
			j.pending = j.pending[start:]
			if len(j.pending) > maxFrameSize {
				j.pending = j.pending[:0]
			}
			return frames
		}
		stop := start + 2 + end + 2
		frames = append(frames, append([]byte(nil), j.pending[start:stop]...))
		j.pending = j.pending[stop:]
	}
}
