// Package supervisor owns the single long-running external process flydo may
// have in flight, tracks the blocking tool calls bound to the process-wide
// context and tears both down when the operator interrupts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/picklr-io/flydo/internal/execx"
	"github.com/picklr-io/flydo/internal/failure"
	"github.com/picklr-io/flydo/internal/logging"
)

// DefaultGracePeriod is how long a stopped process gets between SIGTERM and SIGKILL.
const DefaultGracePeriod = 3 * time.Second

// DefaultReapTimeout bounds how long Interrupt waits for tracked calls to be
// reaped after the context is cancelled.
const DefaultReapTimeout = 10 * time.Second

// ErrBusy is returned by Start when a process is already active.
var ErrBusy = errors.New("supervisor already has an active process")

// State is the supervisor's lifecycle state.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

type run struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Supervisor tracks at most one active process.
type Supervisor struct {
	mu     sync.Mutex
	active *run
	last   *run

	calls   int
	drained chan struct{}

	grace  time.Duration
	reap   time.Duration
	cancel context.CancelFunc
	exit   func(int)

	interruptOnce sync.Once
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

// WithReapTimeout overrides DefaultReapTimeout.
func WithReapTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.reap = d }
}

// WithCancel registers the cancel func of the process-wide context. Interrupt
// calls it so blocking calls bound to that context are torn down too.
func WithCancel(cancel context.CancelFunc) Option {
	return func(s *Supervisor) { s.cancel = cancel }
}

// WithExit replaces os.Exit.
func WithExit(exit func(int)) Option {
	return func(s *Supervisor) { s.exit = exit }
}

// New returns an idle supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		grace: DefaultGracePeriod,
		reap:  DefaultReapTimeout,
		exit:  os.Exit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns Active while a started process has not exited.
func (s *Supervisor) State() State {
	if s.Active() {
		return Active
	}
	return Idle
}

// Active reports whether a process is running.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Start launches cmd in its own process group and makes it the active process.
func (s *Supervisor) Start(cmd *exec.Cmd) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return ErrBusy
	}

	execx.SetProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	r := &run{cmd: cmd, done: make(chan struct{})}
	s.active = r
	s.last = r

	logging.Debug("process started", "cmd", cmd.String(), "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()

		s.mu.Lock()
		r.err = err
		if s.active == r {
			s.active = nil
		}
		s.mu.Unlock()

		close(r.done)
		logging.Debug("process exited", "pid", cmd.Process.Pid, "error", err)
	}()

	return nil
}

// Wait blocks until the most recently started process exits and returns its
// exit error.
func (s *Supervisor) Wait() error {
	s.mu.Lock()
	r := s.last
	s.mu.Unlock()

	if r == nil {
		return nil
	}
	<-r.done
	return r.err
}

// Stop terminates the active process group: SIGTERM, then SIGKILL once the
// grace period runs out. It returns once the process has been reaped.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()

	if r == nil {
		return nil
	}

	pid := r.cmd.Process.Pid
	if err := execx.TerminateGroup(r.cmd); err != nil {
		logging.Warn("failed to send SIGTERM", "pid", pid, "error", err)
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-r.done:
		return nil
	case <-timer.C:
	}

	logging.Warn("process did not exit after SIGTERM, sending SIGKILL", "pid", pid)
	if err := execx.KillGroup(r.cmd); err != nil {
		return fmt.Errorf("failed to kill process group %d: %w", pid, err)
	}
	<-r.done
	return nil
}

// Track registers a blocking call. The returned func marks it reaped and is
// safe to call more than once. Supervisor satisfies execx.Tracker.
func (s *Supervisor) Track() (done func()) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.calls--
			if s.calls == 0 && s.drained != nil {
				close(s.drained)
				s.drained = nil
			}
		})
	}
}

// Calls returns the number of tracked calls that have not been reaped.
func (s *Supervisor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// awaitCalls blocks until every tracked call is reaped or timeout passes.
func (s *Supervisor) awaitCalls(timeout time.Duration) bool {
	s.mu.Lock()
	if s.calls == 0 {
		s.mu.Unlock()
		return true
	}
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	drained := s.drained
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-drained:
		return true
	case <-timer.C:
		return false
	}
}

// Interrupt handles operator cancellation. It cancels the process-wide
// context, stops the active process if there is one, waits for tracked calls
// to be reaped and exits with the interrupted status. Only the first call has
// any effect.
func (s *Supervisor) Interrupt() {
	s.interruptOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}

		if s.Active() {
			logging.Info("interrupted, stopping active process")
			if err := s.Stop(); err != nil {
				logging.Error("failed to stop active process", "error", err)
			}
		} else {
			logging.Debug("interrupted while idle")
		}

		if n := s.Calls(); n > 0 {
			logging.Debug("waiting for cancelled calls", "count", n)
			if !s.awaitCalls(s.reap) {
				logging.Warn("cancelled calls still running at exit", "count", s.Calls())
			}
		}

		s.exit(failure.ExitInterrupted)
	})
}

// Watch delivers the given signals (os.Interrupt and SIGTERM when none are
// given) as Interrupt. The returned func stops watching.
func (s *Supervisor) Watch(signals ...os.Signal) (stop func()) {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			logging.Debug("received signal", "signal", sig.String())
			s.Interrupt()
		case <-quit:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}

// Shutdown stops any process still active on a normal exit path.
func (s *Supervisor) Shutdown() {
	if err := s.Stop(); err != nil {
		logging.Warn("failed to stop process on shutdown", "error", err)
	}
}
