package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RecorderConfig configures an on-demand session recording.
type RecorderConfig struct {
	// Path is the output file. The container format is inferred by the
	// encoder from the extension; .ogg gives opus.
	Path       string
	SampleRate int // default 24000
	Channels   int // default 1
}

// Recorder encodes raw PCM into a compressed container using an ffmpeg
// subprocess fed over stdin.
type Recorder struct {
	command string
}

// NewRecorder returns a Recorder using the given ffmpeg binary. Empty
// means "ffmpeg" from PATH.
func NewRecorder(command string) *Recorder {
	if command == "" {
		command = "ffmpeg"
	}
	return &Recorder{command: command}
}

// Start launches the encoder. Feed it PCM with Write; Stop finalizes the
// container and reports the artifact.
func (r *Recorder) Start(ctx context.Context, cfg RecorderConfig) (*Recording, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("recording path must not be empty")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "s16le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
		"-i", "-",
		"-y",
		cfg.Path,
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create recorder stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start recorder process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	return &Recording{
		path:    cfg.Path,
		stdin:   stdin,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

// Recording is one in-progress session recording.
type Recording struct {
	path   string
	stdin  io.WriteCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
	size     int64
}

// Write feeds raw PCM to the encoder.
func (r *Recording) Write(p []byte) (int, error) {
	return r.stdin.Write(p)
}

// Path returns the output file path.
func (r *Recording) Path() string {
	return r.path
}

// Stop closes the input stream, waits for the encoder to finalize the
// container, and returns the artifact size. Idempotent.
func (r *Recording) Stop() (int64, error) {
	r.stopOnce.Do(func() {
		_ = r.stdin.Close()

		select {
		case err, ok := <-r.waitErr:
			if ok {
				r.stopErr = normalizeStopErr(err)
			}
		case <-time.After(5 * time.Second):
			if r.process != nil {
				_ = r.process.Kill()
			}
			err, ok := <-r.waitErr
			if ok {
				r.stopErr = normalizeStopErr(err)
			}
		}

		if r.stopErr != nil && r.stderr != nil && r.stderr.Len() > 0 {
			r.stopErr = fmt.Errorf("%w: %s", r.stopErr, strings.TrimSpace(r.stderr.String()))
		}
		if info, err := os.Stat(r.path); err == nil {
			r.size = info.Size()
		}
	})
	return r.size, r.stopErr
}
