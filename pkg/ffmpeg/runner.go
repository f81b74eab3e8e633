package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Process is a running ffmpeg invocation with lifecycle management.
type Process struct {
	cmd    *exec.Cmd
	pid    int
	done   chan struct{}
	err    error
	stderr bytes.Buffer
}

// PID returns the process ID, or 0 if not started.
func (p *Process) PID() int {
	return p.pid
}

// Wait blocks until the process completes and returns any error.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Kill sends SIGKILL to the process.
func (p *Process) Kill() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Done returns a channel that closes when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stderr returns the captured stderr output (available after Wait).
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// Start launches ffmpeg with the provided args. When progress is non-nil the
// caller must have included "-progress pipe:1 -nostats" in args; updates are
// parsed off stdout and the channel is closed when the process exits. The
// caller owns the handle and must Wait or Kill it.
func Start(ctx context.Context, args []string, progress chan<- Progress) (*Process, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	p := &Process{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	cmd.Stderr = &p.stderr

	if progress != nil {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: failed to create stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("ffmpeg: failed to start: %w", err)
		}
		p.pid = cmd.Process.Pid

		go func() {
			defer close(p.done)
			scanner := bufio.NewScanner(stdout)
			ParseProgressOutput(scanner, progress)
			p.err = wrapWaitError(cmd.Wait(), args, &p.stderr)
			close(progress)
		}()
		return p, nil
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: failed to start: %w", err)
	}
	p.pid = cmd.Process.Pid

	go func() {
		defer close(p.done)
		p.err = wrapWaitError(cmd.Wait(), args, &p.stderr)
	}()
	return p, nil
}

// Run executes ffmpeg and waits for completion. The progress channel, when
// provided, is always closed before Run returns.
func Run(ctx context.Context, args []string, progress chan<- Progress) error {
	proc, err := Start(ctx, args, progress)
	if err != nil {
		if progress != nil {
			close(progress)
		}
		return err
	}
	return proc.Wait()
}

func wrapWaitError(waitErr error, args []string, stderr *bytes.Buffer) error {
	if waitErr == nil {
		return nil
	}
	return &Error{
		Args:   args,
		Stderr: stderr.String(),
		Err:    waitErr,
	}
}

// Error is an ffmpeg execution failure with captured context.
type Error struct {
	Args   []string
	Stderr string
	Err    error
}

// Error implements error. Only the tail of stderr is included; the full text
// stays available through FullStderr.
func (e *Error) Error() string {
	lines := strings.Split(strings.TrimSpace(e.Stderr), "\n")
	var lastLines string
	if len(lines) > 3 {
		lastLines = strings.Join(lines[len(lines)-3:], "\n")
	} else {
		lastLines = strings.Join(lines, "\n")
	}

	if lastLines != "" {
		return fmt.Sprintf("ffmpeg: %v: %s", e.Err, lastLines)
	}
	return fmt.Sprintf("ffmpeg: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// FullStderr returns the complete stderr output.
func (e *Error) FullStderr() string {
	return e.Stderr
}

// Command returns the command line that was executed.
func (e *Error) Command() string {
	return "ffmpeg " + strings.Join(e.Args, " ")
}
