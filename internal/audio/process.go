package audio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const stopGrace = 1200 * time.Millisecond

// process is one running media tool. It is stopped at most once: interrupt first, kill after a grace period.
type process struct {
	cmd *exec.Cmd

	tailMu sync.Mutex
	tail   []string

	done    chan struct{}
	exitErr error

	stopOnce sync.Once
}

func startProcess(command string, args []string, stdin io.Reader, stdout io.Writer, onStderr func(line string)) (*process, error) {
	cmd := exec.Command(command, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s stderr pipe: %w", command, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			p.remember(line)
			if onStderr != nil {
				onStderr(line)
			}
		}
		p.exitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *process) remember(line string) {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	p.tail = append(p.tail, line)
	if len(p.tail) > 8 {
		p.tail = p.tail[len(p.tail)-8:]
	}
}

func (p *process) stderrTail() string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	return stringsTrimSpaceSafe(strings.Join(p.tail, "\n"))
}

// Wait blocks until the process exits or ctx ends, in which case the process is stopped.
func (p *process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.exitErr
	case <-ctx.Done():
		_ = p.Stop()
		return ctx.Err()
	}
}

// Interrupt asks the process to finish its output and exit without waiting.
func (p *process) Interrupt() {
	select {
	case <-p.done:
		return
	default:
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *process) Stop() error {
	p.stopOnce.Do(func() {
		p.Interrupt()
		select {
		case <-p.done:
		case <-time.After(stopGrace):
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	})
	<-p.done

	err := normalizeStopErr(p.exitErr)
	if err != nil {
		if tail := p.stderrTail(); tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
	}
	return err
}

func (p *process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func stringsTrimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}
