// Package execx runs the external command line tools flydo drives and turns
// their failures into errors that carry the tool's own diagnostics.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/picklr-io/flydo/internal/logging"
)

// waitDelay bounds how long Wait blocks on output pipes after the process
// has been killed on context cancellation.
const waitDelay = 5 * time.Second

// stderrTail is how much of a streamed stderr is kept for error messages.
const stderrTail = 4 << 10

// CommandFunc creates an exec.Cmd. Tests replace it to fake external tools.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// CommandError is returned when a tool exits unsuccessfully.
type CommandError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Tool, firstArg(e.Args))
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		return msg + ": " + e.Stderr
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// Tracker is told about every command a Runner runs to completion. Track is
// called before the command starts; the returned func runs once the command
// has been reaped.
type Tracker interface {
	Track() (done func())
}

// Runner invokes a single binary.
type Runner struct {
	binary  string
	dir     string
	env     []string
	command CommandFunc
	tracker Tracker
}

// Option configures a Runner.
type Option func(*Runner)

// WithCommandFunc replaces exec.CommandContext.
func WithCommandFunc(fn CommandFunc) Option {
	return func(r *Runner) {
		if fn != nil {
			r.command = fn
		}
	}
}

// WithDir sets the working directory of every command.
func WithDir(dir string) Option {
	return func(r *Runner) { r.dir = dir }
}

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(env ...string) Option {
	return func(r *Runner) { r.env = append(r.env, env...) }
}

// WithTracker reports every Output, OutputInput and Stream call to t.
func WithTracker(t Tracker) Option {
	return func(r *Runner) { r.tracker = t }
}

// New returns a runner for binary.
func New(binary string, opts ...Option) *Runner {
	r := &Runner{
		binary:  binary,
		command: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Binary returns the configured binary name or path.
func (r *Runner) Binary() string {
	return r.binary
}

// LookPath resolves the binary on PATH.
func (r *Runner) LookPath() (string, error) {
	p, err := exec.LookPath(r.binary)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", r.binary, err)
	}
	return p, nil
}

// Command builds an unstarted command in its own process group. Cancelling
// ctx kills the whole group. The caller owns its lifecycle.
func (r *Runner) Command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := r.command(ctx, r.binary, args...)
	if r.dir != "" {
		cmd.Dir = r.dir
	}
	if len(r.env) > 0 {
		cmd.Env = append(cmd.Environ(), r.env...)
	}
	SetProcessGroup(cmd)
	cmd.Cancel = func() error { return KillGroup(cmd) }
	cmd.WaitDelay = waitDelay
	return cmd
}

// run runs cmd to completion, reporting it to the tracker.
func (r *Runner) run(cmd *exec.Cmd) error {
	if r.tracker != nil {
		done := r.tracker.Track()
		defer done()
	}
	return cmd.Run()
}

// Output runs the command and returns its trimmed stdout.
func (r *Runner) Output(ctx context.Context, args ...string) (string, error) {
	return r.OutputInput(ctx, nil, args...)
}

// OutputInput is Output with stdin fed from in.
func (r *Runner) OutputInput(ctx context.Context, in io.Reader, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer

	cmd := r.Command(ctx, args...)
	cmd.Stdin = in
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.Debug("exec", "cmd", r.binary, "args", args)
	if err := r.run(cmd); err != nil {
		return "", r.wrap(ctx, args, stderr.String(), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Stream runs the command with its output forwarded to stdout and stderr.
// The tail of stderr is kept for the error message.
func (r *Runner) Stream(ctx context.Context, stdout, stderr io.Writer, args ...string) error {
	tail := &tailBuffer{max: stderrTail}

	cmd := r.Command(ctx, args...)
	cmd.Stdout = stdout
	if stderr != nil {
		cmd.Stderr = io.MultiWriter(stderr, tail)
	} else {
		cmd.Stderr = tail
	}

	logging.Debug("exec", "cmd", r.binary, "args", args)
	if err := r.run(cmd); err != nil {
		return r.wrap(ctx, args, tail.String(), err)
	}
	return nil
}

func (r *Runner) wrap(ctx context.Context, args []string, stderr string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s %s: %w", r.binary, firstArg(args), ctxErr)
	}

	ce := &CommandError{
		Tool:   r.binary,
		Args:   args,
		Stderr: strings.TrimSpace(stderr),
		Err:    err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ce.ExitCode = exitErr.ExitCode()
	}
	return ce
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
