package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Docker adapts the docker engine API to the Runtime interface.
type Docker struct {
	cli *client.Client
}

var _ Runtime = (*Docker)(nil)

// OpenDocker connects to the engine using the standard environment
// (DOCKER_HOST et al.) and verifies the daemon responds.
func OpenDocker(ctx context.Context) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) Close() error { return d.cli.Close() }

func (d *Docker) PullImage(ctx context.Context, ref string) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (d *Docker) CreateNetwork(ctx context.Context, name string) error {
	if _, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{}); err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	return nil
}

func (d *Docker) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	if spec.HostPort > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("create container %s: %w", spec.Name, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(spec.HostPort),
		}}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Tty:          true,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{PortBindings: bindings}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.Network: {Aliases: []string{spec.Alias}},
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *Docker) StartContainer(ctx context.Context, name string) error {
	if err := d.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", name, err)
	}
	return nil
}

func (d *Docker) StopContainer(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace / time.Second)
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	return nil
}

func (d *Docker) RemoveContainer(ctx context.Context, name string, force bool) error {
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

func (d *Docker) RemoveNetwork(ctx context.Context, name string) error {
	if err := d.cli.NetworkRemove(ctx, name); err != nil {
		return fmt.Errorf("remove network %s: %w", name, err)
	}
	return nil
}
