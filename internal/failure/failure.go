// Package failure classifies flydo errors into the kinds the CLI reports
// and maps each kind to a distinct process exit status.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

const (
	// Unknown is any error that was never classified.
	Unknown Kind = iota
	// Usage is a malformed invocation (bad arguments, unknown command).
	Usage
	// ConfigInvalid means the remote platform config is missing or invalid.
	ConfigInvalid
	// Auth covers token issuance, token revocation and registry login.
	Auth
	// Deploy covers fingerprinting, image build, image push and machine creation.
	Deploy
	// NotProvisioned means run was attempted before a machine exists.
	NotProvisioned
	// Run means the remote execute call failed.
	Run
	// StateCorrupt means the state file exists but cannot be parsed.
	StateCorrupt
	// StateWrite means the state file could not be written.
	StateWrite
	// Interrupted means the operator cancelled the invocation.
	Interrupted
)

// Exit statuses. Every kind has its own status so scripts can tell them apart.
const (
	ExitOK             = 0
	ExitUnknown        = 1
	ExitUsage          = 2
	ExitAuth           = 3
	ExitDeploy         = 4
	ExitNotProvisioned = 5
	ExitRun            = 6
	ExitStateCorrupt   = 7
	ExitStateWrite     = 8
	ExitConfigInvalid  = 99
	ExitInterrupted    = 130
)

var kindNames = map[Kind]string{
	Unknown:        "unknown",
	Usage:          "usage",
	ConfigInvalid:  "config",
	Auth:           "auth",
	Deploy:         "deploy",
	NotProvisioned: "not provisioned",
	Run:            "run",
	StateCorrupt:   "state corrupt",
	StateWrite:     "state write",
	Interrupted:    "interrupted",
}

// String returns a short lowercase name for the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ExitCode returns the process exit status for the kind.
func (k Kind) ExitCode() int {
	switch k {
	case Usage:
		return ExitUsage
	case ConfigInvalid:
		return ExitConfigInvalid
	case Auth:
		return ExitAuth
	case Deploy:
		return ExitDeploy
	case NotProvisioned:
		return ExitNotProvisioned
	case Run:
		return ExitRun
	case StateCorrupt:
		return ExitStateCorrupt
	case StateWrite:
		return ExitStateWrite
	case Interrupted:
		return ExitInterrupted
	default:
		return ExitUnknown
	}
}

// Error is a classified error. Phase names the step that failed
// (for example "issue deploy token") and is what the operator sees first.
type Error struct {
	Kind  Kind
	Phase string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Phase
	case e.Phase == "":
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s: %v", e.Phase, e.Err)
	}
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, phase string) error {
	return &Error{Kind: kind, Phase: phase}
}

// Wrap classifies err. A nil err yields nil so call sites can wrap
// unconditionally.
func Wrap(kind Kind, phase string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Phase: phase, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode returns the exit status for err; nil maps to ExitOK.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	return KindOf(err).ExitCode()
}
