package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/picklr-io/flydo/internal/state"
)

// Status is a snapshot of the persisted progress.
type Status struct {
	StateFile string
	// Token is the masked deploy token, or "" when logged out.
	Token     string
	Workdir   string
	FlyConfig string
	MachineID string
	Hash      string
	// Pending reports whether the tracked directory differs from the last deploy.
	Pending bool
}

// Status reads the state and checks the tracked directory for changes. It
// makes no external calls.
func (p *Pipeline) Status(ctx context.Context) (*Status, error) {
	st, err := p.Store.Read()
	if err != nil {
		return nil, err
	}

	dir := p.workdir(st)
	pending, err := p.NewDetector(dir).HasChanges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to detect changes: %w", err)
	}

	s := &Status{
		StateFile: p.Store.Path(),
		Token:     maskToken(st.Get(state.KeyToken)),
		Workdir:   dir,
		MachineID: st.Get(state.KeyMachineID),
		Hash:      st.Get(state.KeyHash),
		Pending:   pending,
	}
	if cfg := st.Get(state.KeyFlyConfigFile); cfg != "" {
		s.FlyConfig = p.abs(cfg)
	}
	return s, nil
}

// maskToken keeps the first four characters.
func maskToken(token string) string {
	const visible = 4
	if token == "" {
		return ""
	}
	if len(token) <= visible {
		return strings.Repeat("*", len(token))
	}
	return token[:visible] + strings.Repeat("*", 8)
}
