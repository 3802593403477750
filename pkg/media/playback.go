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

	"github.com/vango-go/parley/pkg/realtime"
)

// Compile-time interface check.
var _ realtime.MediaSink = (*Playback)(nil)

// PlaybackConfig configures a local audio output sink.
type PlaybackConfig struct {
	SampleRate int // default 24000
	Channels   int // default 1
}

// Playback plays raw PCM through an ffplay subprocess fed over stdin.
// It satisfies the session manager's media sink contract so teardown can
// force-stop it and verification can inspect it.
type Playback struct {
	command string

	mu      sync.Mutex
	stdin   io.WriteCloser
	process *os.Process
	waitErr <-chan error
	paused  bool
	active  bool
}

// NewPlayback returns an unstarted Playback using the given ffplay
// binary. Empty means "ffplay" from PATH.
func NewPlayback(command string) *Playback {
	if command == "" {
		command = "ffplay"
	}
	return &Playback{command: command}
}

// Start launches the player subprocess.
func (p *Playback) Start(ctx context.Context, cfg PlaybackConfig) error {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return fmt.Errorf("playback is already started")
	}

	args := []string{
		"-nodisp",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "s16le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ch_layout", channelLayout(cfg.Channels),
		"-i", "-",
	}

	cmd := exec.CommandContext(ctx, p.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create playback stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start playback process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	p.stdin = stdin
	p.process = cmd.Process
	p.waitErr = waitErr
	p.paused = false
	p.active = true
	return nil
}

// Write feeds PCM to the player. Paused or detached playback silently
// drops the audio so the feeding loop does not need to care.
func (p *Playback) Write(pcm []byte) (int, error) {
	p.mu.Lock()
	stdin := p.stdin
	paused := p.paused
	active := p.active
	p.mu.Unlock()
	if !active || paused || stdin == nil {
		return len(pcm), nil
	}
	return stdin.Write(pcm)
}

// Pause halts playback without releasing the subprocess.
func (p *Playback) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

// Detach drops the audio source so nothing can restart playback.
func (p *Playback) Detach() error {
	p.mu.Lock()
	stdin := p.stdin
	p.stdin = nil
	p.mu.Unlock()
	if stdin != nil {
		return stdin.Close()
	}
	return nil
}

// Stop releases the subprocess. Idempotent; safe to call while stopped.
func (p *Playback) Stop() error {
	p.mu.Lock()
	stdin := p.stdin
	process := p.process
	waitErr := p.waitErr
	p.stdin = nil
	p.process = nil
	p.waitErr = nil
	p.active = false
	p.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if process == nil {
		return nil
	}
	_ = process.Signal(os.Interrupt)
	select {
	case err := <-waitErr:
		return normalizeStopErr(err)
	case <-time.After(1200 * time.Millisecond):
		_ = process.Kill()
		return normalizeStopErr(<-waitErr)
	}
}

// Active reports whether the player subprocess is still held.
func (p *Playback) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func channelLayout(channels int) string {
	if channels == 2 {
		return "stereo"
	}
	return "mono"
}

// Cleanup releases every resource a voice pipeline acquired: the capture
// session, the recording, and the playback sink. Idempotent; failures
// are collected so one broken component cannot shield the rest.
type Cleanup struct {
	mu       sync.Mutex
	capture  *CaptureSession
	record   *Recording
	playback *Playback
	done     bool
}

func NewCleanup(capture *CaptureSession, record *Recording, playback *Playback) *Cleanup {
	return &Cleanup{capture: capture, record: record, playback: playback}
}

// Run releases everything. Later calls are no-ops.
func (c *Cleanup) Run() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil
	}
	c.done = true

	var errs []string
	if c.capture != nil {
		if err := c.capture.Stop(); err != nil {
			errs = append(errs, fmt.Sprintf("capture: %v", err))
		}
	}
	if c.record != nil {
		if _, err := c.record.Stop(); err != nil {
			errs = append(errs, fmt.Sprintf("recording: %v", err))
		}
	}
	if c.playback != nil {
		if err := c.playback.Stop(); err != nil {
			errs = append(errs, fmt.Sprintf("playback: %v", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("media cleanup: %s", strings.Join(errs, "; "))
	}
	return nil
}
