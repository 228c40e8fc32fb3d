// Package container builds and pushes the task image with podman, the docker
// CLI or the Docker Engine API.
package container

import (
	"context"
	"fmt"
	"io"
	"strings"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/picklr-io/flydo/internal/execx"
)

// Builder names accepted by New.
const (
	Podman    = "podman"
	Docker    = "docker"
	DockerAPI = "docker-api"
)

// DefaultPlatform is the platform images are built for.
const DefaultPlatform = "linux/amd64"

// DefaultDockerfile is used when BuildOptions.Dockerfile is empty.
const DefaultDockerfile = "Dockerfile"

// BuildOptions describes one image build.
type BuildOptions struct {
	Tag        string
	Platform   string
	ContextDir string
	// Dockerfile is relative to ContextDir.
	Dockerfile string
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o BuildOptions) dockerfile() string {
	if o.Dockerfile == "" {
		return DefaultDockerfile
	}
	return o.Dockerfile
}

// Builder builds, pushes and authenticates against a registry.
type Builder interface {
	Build(ctx context.Context, opts BuildOptions) error
	Push(ctx context.Context, local, remote string) error
	RegistryLogin(ctx context.Context, user, token, host string) error
}

// CredentialUser is implemented by builders whose registry login does not
// outlive the process and must be restored before a push.
type CredentialUser interface {
	UseCredentials(user, token, host string)
}

// New returns the builder called name. CLI builders run through runnerOpts;
// the API builder writes daemon progress to out.
func New(name string, out io.Writer, runnerOpts ...execx.Option) (Builder, error) {
	switch name {
	case "", Podman:
		return NewCLIBuilder(Podman, execx.New(Podman, runnerOpts...)), nil
	case Docker:
		return NewCLIBuilder(Docker, execx.New(Docker, runnerOpts...)), nil
	case DockerAPI:
		b, err := NewAPIBuilder(out)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown builder %q: want %s, %s or %s", name, Podman, Docker, DockerAPI)
	}
}

// ParsePlatform parses "os/arch[/variant]".
func ParsePlatform(s string) (v1.Platform, error) {
	if s == "" {
		s = DefaultPlatform
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return v1.Platform{}, fmt.Errorf("invalid platform %q: want os/arch[/variant]", s)
	}

	p := v1.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		if parts[2] == "" {
			return v1.Platform{}, fmt.Errorf("invalid platform %q: empty variant", s)
		}
		p.Variant = parts[2]
	}
	return p, nil
}

// FormatPlatform is the inverse of ParsePlatform.
func FormatPlatform(p v1.Platform) string {
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}
