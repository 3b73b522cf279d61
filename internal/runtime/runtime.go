package runtime

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnavailable = errors.New("runtime: daemon unavailable")
)

// ContainerSpec describes one container to create. HostPort 0 means the
// container is reachable only inside its network.
type ContainerSpec struct {
	Image         string
	Name          string
	Network       string
	Alias         string
	ContainerPort int
	HostPort      int
}

// Runtime is the container engine consumed by the lifecycle manager.
// Implementations must be safe for concurrent use across twins.
type Runtime interface {
	PullImage(ctx context.Context, image string) error
	CreateNetwork(ctx context.Context, name string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, name string) error
	StopContainer(ctx context.Context, name string, grace time.Duration) error
	RemoveContainer(ctx context.Context, name string, force bool) error
	RemoveNetwork(ctx context.Context, name string) error
}
