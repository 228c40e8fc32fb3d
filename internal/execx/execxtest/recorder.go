// Package execxtest fakes external tools by re-executing the test binary.
//
// A test package using it declares
//
//	func TestHelperProcess(t *testing.T) { execxtest.HelperProcess() }
//
// and passes Recorder.CommandFunc wherever an execx.CommandFunc is accepted.
package execxtest

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/picklr-io/flydo/internal/execx"
)

const (
	envWant      = "GO_WANT_HELPER_PROCESS"
	envStdout    = "GO_HELPER_STDOUT"
	envStderr    = "GO_HELPER_STDERR"
	envExitCode  = "GO_HELPER_EXIT_CODE"
	envStdinFile = "GO_HELPER_STDIN_FILE"
	envBlock     = "GO_HELPER_BLOCK"
)

// Response is what a faked tool prints and how it exits.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Block keeps the process alive until it is killed.
	Block bool
}

// Invocation is one recorded command.
type Invocation struct {
	Name string
	Args []string

	stdinFile string
}

// Line returns the command as a single space-joined string.
func (i Invocation) Line() string {
	return strings.TrimSpace(i.Name + " " + strings.Join(i.Args, " "))
}

// Stdin returns what the command read on stdin.
func (i Invocation) Stdin() string {
	data, err := os.ReadFile(i.stdinFile)
	if err != nil {
		return ""
	}
	return string(data)
}

// Recorder records invocations and answers them with configured responses.
type Recorder struct {
	mu          sync.Mutex
	dir         string
	responses   map[string][]Response
	invocations []Invocation
}

// NewRecorder returns a recorder whose unmatched commands succeed silently.
func NewRecorder(t *testing.T) *Recorder {
	t.Helper()
	return &Recorder{
		dir:       t.TempDir(),
		responses: make(map[string][]Response),
	}
}

// On answers every command whose line starts with prefix. The longest
// matching prefix wins.
func (r *Recorder) On(prefix string, resp Response) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[prefix] = []Response{resp}
	return r
}

// OnSequence answers successive commands matching prefix with resps in
// order. The last response repeats once the others are used up.
func (r *Recorder) OnSequence(prefix string, resps ...Response) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[prefix] = append([]Response(nil), resps...)
	return r
}

// Invocations returns a copy of every recorded command.
func (r *Recorder) Invocations() []Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Invocation(nil), r.invocations...)
}

// Lines returns the recorded commands as strings.
func (r *Recorder) Lines() []string {
	var lines []string
	for _, inv := range r.Invocations() {
		lines = append(lines, inv.Line())
	}
	return lines
}

// Last returns the most recent invocation.
func (r *Recorder) Last() (Invocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.invocations) == 0 {
		return Invocation{}, false
	}
	return r.invocations[len(r.invocations)-1], true
}

func (r *Recorder) match(line string) Response {
	var (
		best    string
		bestLen = -1
	)
	for prefix, resps := range r.responses {
		if len(resps) > 0 && strings.HasPrefix(line, prefix) && len(prefix) > bestLen {
			best, bestLen = prefix, len(prefix)
		}
	}
	if bestLen < 0 {
		return Response{}
	}

	resps := r.responses[best]
	if len(resps) > 1 {
		r.responses[best] = resps[1:]
	}
	return resps[0]
}

// CommandFunc returns an execx.CommandFunc that runs HelperProcess.
func (r *Recorder) CommandFunc() execx.CommandFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		r.mu.Lock()
		inv := Invocation{
			Name:      name,
			Args:      append([]string(nil), args...),
			stdinFile: filepath.Join(r.dir, fmt.Sprintf("stdin-%d", len(r.invocations))),
		}
		r.invocations = append(r.invocations, inv)
		resp := r.match(inv.Line())
		r.mu.Unlock()

		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(),
			envWant+"=1",
			envStdout+"="+resp.Stdout,
			envStderr+"="+resp.Stderr,
			envExitCode+"="+strconv.Itoa(resp.ExitCode),
			envStdinFile+"="+inv.stdinFile,
		)
		if resp.Block {
			cmd.Env = append(cmd.Env, envBlock+"=1")
		}
		return cmd
	}
}

// HelperProcess is the body of the faked tool. It returns immediately unless
// the test binary was started by a Recorder.
func HelperProcess() {
	if os.Getenv(envWant) != "1" {
		return
	}

	if path := os.Getenv(envStdinFile); path != "" {
		if data, err := readStdin(); err == nil && len(data) > 0 {
			_ = os.WriteFile(path, data, 0o600)
		}
	}

	fmt.Fprint(os.Stdout, os.Getenv(envStdout))
	fmt.Fprint(os.Stderr, os.Getenv(envStderr))

	if os.Getenv(envBlock) == "1" {
		time.Sleep(time.Hour)
	}

	code, _ := strconv.Atoi(os.Getenv(envExitCode))
	os.Exit(code)
}

// readStdin reads stdin only when something other than a terminal or the
// null device is attached.
func readStdin() ([]byte, error) {
	info, err := os.Stdin.Stat()
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return nil, nil
	}
	return io.ReadAll(os.Stdin)
}
