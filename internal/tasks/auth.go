package tasks

import (
	"context"

	"github.com/picklr-io/flydo/internal/failure"
	"github.com/picklr-io/flydo/internal/logging"
	"github.com/picklr-io/flydo/internal/state"
)

// Login reuses the persisted deploy token or issues a new one, then logs the
// builder in to the image registry with it.
func (p *Pipeline) Login(ctx context.Context) error {
	st, err := p.Store.Read()
	if err != nil {
		return err
	}

	token := st.Get(state.KeyToken)
	if token == "" {
		cfg, err := p.ResolveConfig(ctx)
		if err != nil {
			return err
		}

		p.Reporter.Step("Issuing deploy token")
		token, err = p.Platform.IssueToken(ctx, p.opts.TokenTTL, cfg)
		if err != nil {
			return classify(failure.Auth, "issue deploy token", err)
		}
		if err := p.Store.Set(state.KeyToken, token); err != nil {
			return err
		}
	} else {
		logging.Debug("reusing persisted deploy token")
	}

	p.Reporter.Step("Logging in to " + p.opts.Registry)
	if err := p.Builder.RegistryLogin(ctx, p.opts.RegistryUser, token, p.opts.Registry); err != nil {
		return classify(failure.Auth, "registry login", err)
	}

	p.Reporter.Done("Logged in")
	return nil
}

// Logout forgets the local token, then revokes every deploy token of the app.
// The local token stays cleared even when revocation fails.
func (p *Pipeline) Logout(ctx context.Context) error {
	if err := p.Store.Delete(state.KeyToken); err != nil {
		return err
	}

	cfg, err := p.ResolveConfig(ctx)
	if err != nil {
		return err
	}

	p.Reporter.Step("Revoking deploy tokens")
	if err := p.Platform.RevokeTokens(ctx, cfg); err != nil {
		return classify(failure.Auth, "revoke deploy tokens", err)
	}

	p.Reporter.Done("Logged out")
	return nil
}
