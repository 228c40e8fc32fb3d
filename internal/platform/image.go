package platform

import "fmt"

const (
	DefaultRegistry    = "registry.fly.io"
	DefaultImageSuffix = "tasks"
)

// ImageRef names the image locally and in the platform registry.
type ImageRef struct {
	// LocalTag is what the builder tags, e.g. "myapp-tasks:latest".
	LocalTag string
	// Remote is where it is pushed, e.g. "registry.fly.io/myapp:tasks".
	Remote string
}

// NewImageRef derives the image names for app. Empty registry and suffix
// fall back to the defaults.
func NewImageRef(app, registry, suffix string) ImageRef {
	if registry == "" {
		registry = DefaultRegistry
	}
	if suffix == "" {
		suffix = DefaultImageSuffix
	}
	return ImageRef{
		LocalTag: fmt.Sprintf("%s-%s:latest", app, suffix),
		Remote:   fmt.Sprintf("%s/%s:%s", registry, app, suffix),
	}
}
