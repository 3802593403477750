package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CaptureConfig configures a microphone capture stream.
type CaptureConfig struct {
	SampleRate  int    // default 24000
	Channels    int    // default 1
	InputFormat string // default pulse
	InputDevice string // default "default"
}

// Capture streams microphone PCM audio using an ffmpeg subprocess.
type Capture struct {
	command string
}

// NewCapture returns a Capture using the given ffmpeg binary. Empty
// means "ffmpeg" from PATH.
func NewCapture(command string) *Capture {
	if command == "" {
		command = "ffmpeg"
	}
	return &Capture{command: command}
}

// Start launches the capture subprocess and returns a session streaming
// raw s16le PCM. The subprocess is given a short grace period to fail
// fast on a missing device before the session is handed out.
func (c *Capture) Start(ctx context.Context, cfg CaptureConfig) (*CaptureSession, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create capture stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("capture process exited before capture started: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, errors.New("capture process exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	return &CaptureSession{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

// CaptureSession is one live microphone stream. Read yields raw s16le
// PCM until the session is stopped.
type CaptureSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *CaptureSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *CaptureSession) Close() error {
	return s.Stop()
}

// Stop interrupts the subprocess and waits for it to exit, escalating to
// a kill if it lingers. Idempotent.
func (s *CaptureSession) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})

	return s.stopErr
}

// normalizeStopErr discards the expected non-zero exit status produced by
// interrupting the subprocess.
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
