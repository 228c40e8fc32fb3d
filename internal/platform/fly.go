// Package platform drives the Fly.io platform through flyctl.
package platform

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"

	"github.com/picklr-io/flydo/internal/execx"
	"github.com/picklr-io/flydo/internal/logging"
)

// DefaultBinary is the flyctl executable name.
const DefaultBinary = "fly"

// tokenListHeaderLines is how many lines precede the token rows in
// `fly tokens list` output.
const tokenListHeaderLines = 2

var machineIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?mi)^\s*machine id:\s*([0-9a-z]+)\s*$`),
	regexp.MustCompile(`(?i)\bmachine\s+([0-9a-f]{8,})\b`),
}

// DefaultPollInterval is how often WaitStopped asks flyctl for the machine state.
const DefaultPollInterval = 2 * time.Second

// ErrNoMachineID is returned when machine creation output carries no id.
var ErrNoMachineID = errors.New("no machine id in output")

// ErrMachineNotFound is returned when the app lists no machine with the id.
var ErrMachineNotFound = errors.New("machine not found")

// ErrMachineFailed is returned when a run ends in the failed state.
var ErrMachineFailed = errors.New("machine failed")

// Machine states in which a one-off run is over.
const (
	StateStopped   = "stopped"
	StateDestroyed = "destroyed"
	StateFailed    = "failed"
)

// Fly implements the platform operations over flyctl.
type Fly struct {
	runner *execx.Runner
	dir    string
	poll   time.Duration
	stdout io.Writer
	stderr io.Writer
}

// FlyOption configures Fly.
type FlyOption func(*Fly)

// WithDir resolves relative config paths against dir.
func WithDir(dir string) FlyOption {
	return func(f *Fly) { f.dir = dir }
}

// WithOutput sets where streamed flyctl output (logs, machine updates) goes.
func WithOutput(stdout, stderr io.Writer) FlyOption {
	return func(f *Fly) {
		f.stdout = stdout
		f.stderr = stderr
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) FlyOption {
	return func(f *Fly) { f.poll = d }
}

// NewFly returns a platform adapter that runs flyctl through runner.
func NewFly(runner *execx.Runner, opts ...FlyOption) *Fly {
	f := &Fly{
		runner: runner,
		poll:   DefaultPollInterval,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ValidateConfig checks the platform config and returns its absolute path.
// An empty path lets flyctl discover the file.
func (f *Fly) ValidateConfig(ctx context.Context, path string) (string, error) {
	args := []string{"config", "validate"}
	if path != "" {
		args = append(args, "-c", path)
	}

	out, err := f.runner.Output(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to validate platform config: %w", err)
	}

	location := parseValidatedPath(out)
	if location == "" {
		location = path
	}
	if location == "" {
		location = DefaultConfigFile
	}
	if !filepath.IsAbs(location) {
		location = filepath.Join(f.baseDir(), location)
	}
	return filepath.Clean(location), nil
}

// parseValidatedPath takes the second field of the first output line
// ("Validating /path/to/fly.toml").
func parseValidatedPath(out string) string {
	line, _, _ := strings.Cut(out, "\n")
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func (f *Fly) baseDir() string {
	if f.dir != "" {
		return f.dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// AppName returns the app declared in the platform config.
func (f *Fly) AppName(cfg string) (string, error) {
	app, err := LoadAppConfig(cfg)
	if err != nil {
		return "", err
	}
	return app.App, nil
}

// IssueToken creates a deploy token valid for ttl.
func (f *Fly) IssueToken(ctx context.Context, ttl, cfg string) (string, error) {
	out, err := f.runner.Output(ctx, "tokens", "create", "deploy", "-x", ttl, "-c", cfg)
	if err != nil {
		return "", fmt.Errorf("failed to create deploy token: %w", err)
	}
	if out == "" {
		return "", errors.New("failed to create deploy token: flyctl printed no token")
	}
	return out, nil
}

// RevokeTokens revokes every token listed for the app.
func (f *Fly) RevokeTokens(ctx context.Context, cfg string) error {
	out, err := f.runner.Output(ctx, "tokens", "list", "-c", cfg)
	if err != nil {
		return fmt.Errorf("failed to list tokens: %w", err)
	}

	ids := parseTokenIDs(out)
	if len(ids) == 0 {
		logging.Debug("no tokens to revoke")
		return nil
	}

	args := append([]string{"tokens", "revoke"}, ids...)
	if _, err := f.runner.Output(ctx, args...); err != nil {
		return fmt.Errorf("failed to revoke %d tokens: %w", len(ids), err)
	}
	logging.Debug("tokens revoked", "count", len(ids))
	return nil
}

// parseTokenIDs returns the first column of every row after the header.
func parseTokenIDs(out string) []string {
	var ids []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for n := 1; scanner.Scan(); n++ {
		if n <= tokenListHeaderLines {
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		ids = append(ids, fields[0])
	}
	return ids
}

// CreateMachine creates a stopped machine for image and returns its id.
func (f *Fly) CreateMachine(ctx context.Context, image, cfg string) (string, error) {
	out, err := f.runner.Output(ctx, "machine", "create", image, "-c", cfg)
	if err != nil {
		return "", fmt.Errorf("failed to create machine: %w", err)
	}

	id := parseMachineID(out)
	if id == "" {
		return "", fmt.Errorf("failed to create machine: %w", ErrNoMachineID)
	}
	return id, nil
}

func parseMachineID(out string) string {
	for _, re := range machineIDPatterns {
		if m := re.FindStringSubmatch(out); m != nil {
			return m[1]
		}
	}
	return ""
}

// UpdateMachine points the machine at image and starts entrypoint once. It
// blocks until flyctl has applied the update; output is streamed. Use
// WaitStopped to wait for the entrypoint to exit.
func (f *Fly) UpdateMachine(ctx context.Context, id, image string, entrypoint []string, cfg string) error {
	ep, err := quoteEntrypoint(entrypoint)
	if err != nil {
		return err
	}

	err = f.runner.Stream(ctx, f.stdout, f.stderr,
		"machine", "update", id,
		"--image", image,
		"--entrypoint", ep,
		"--restart", "no",
		"--yes",
		"-c", cfg,
	)
	if err != nil {
		return fmt.Errorf("failed to update machine %s: %w", id, err)
	}
	return nil
}

// WaitStopped polls the machine until its run is over. A machine that ends
// in the failed state returns ErrMachineFailed.
func (f *Fly) WaitStopped(ctx context.Context, id, cfg string) error {
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	for {
		state, err := f.MachineState(ctx, id, cfg)
		if err != nil {
			return fmt.Errorf("failed to wait for machine %s: %w", id, err)
		}

		switch state {
		case StateStopped, StateDestroyed:
			logging.Debug("machine stopped", "id", id, "state", state)
			return nil
		case StateFailed:
			return fmt.Errorf("machine %s: %w", id, ErrMachineFailed)
		}
		logging.Debug("waiting for machine", "id", id, "state", state)

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to wait for machine %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

type machineSummary struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// MachineState returns the current state of machine id.
func (f *Fly) MachineState(ctx context.Context, id, cfg string) (string, error) {
	out, err := f.runner.Output(ctx, "machine", "list", "--json", "-c", cfg)
	if err != nil {
		return "", err
	}

	var machines []machineSummary
	if err := json.Unmarshal([]byte(out), &machines); err != nil {
		return "", fmt.Errorf("failed to parse machine list: %w", err)
	}
	for _, m := range machines {
		if m.ID == id {
			return m.State, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrMachineNotFound, id)
}

// quoteEntrypoint joins argv into the single shell-quoted string flyctl's
// --entrypoint expects.
func quoteEntrypoint(argv []string) (string, error) {
	parts := make([]string, 0, len(argv))
	for _, arg := range argv {
		q, err := syntax.Quote(arg, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("failed to quote entrypoint argument %q: %w", arg, err)
		}
		parts = append(parts, q)
	}
	return strings.Join(parts, " "), nil
}

// FollowLogs returns an unstarted `fly logs` command; the caller owns its
// lifecycle.
func (f *Fly) FollowLogs(cfg, machineID string) *exec.Cmd {
	args := []string{"logs", "-c", cfg}
	if machineID != "" {
		args = append(args, "--machine", machineID)
	}
	cmd := f.runner.Command(context.Background(), args...)
	cmd.Stdout = f.stdout
	cmd.Stderr = f.stderr
	return cmd
}
