package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/melih/lighthouse-runner/internal/core/domain"
)

// DependenciesLabel records the declared dependencies of a container.
const DependenciesLabel = "lighthouse.dependencies"

// stopTimeout bounds how long stop and restart wait before the engine kills.
const stopTimeout = 10 * time.Second

// Adapter implements ports.ContainerService and ports.ExecService using
// Docker SDK. The underlying client is safe for concurrent use and is shared
// by every session.
type Adapter struct {
	cli    client.APIClient
	logger *log.Logger
}

// NewAdapter creates a new Docker adapter instance
func NewAdapter(logger *log.Logger, opts ...client.Opt) (*Adapter, error) {
	opts = append([]client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}, opts...)
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewAdapterFromClient(cli, logger), nil
}

// NewAdapterFromClient wraps an existing Docker API client.
func NewAdapterFromClient(cli client.APIClient, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{cli: cli, logger: logger.WithPrefix("docker")}
}

// Client exposes the engine client so other adapters can share it.
func (a *Adapter) Client() client.APIClient {
	return a.cli
}

// Close releases the client's transport.
func (a *Adapter) Close() error {
	return a.cli.Close()
}

// Ping checks that the daemon is reachable.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// ListContainers returns containers with details; stopped ones are included
// when all is set.
func (a *Adapter) ListContainers(ctx context.Context, all bool) ([]domain.Container, error) {
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]domain.Container, 0, len(containers))
	for _, c := range containers {
		names := make([]string, 0, len(c.Names))
		for _, n := range c.Names {
			names = append(names, strings.TrimPrefix(n, "/"))
		}
		name := ""
		if len(names) > 0 {
			name = names[0]
		}

		var ports []string
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				ports = append(ports, fmt.Sprintf("%d:%d/%s", p.PublicPort, p.PrivatePort, p.Type))
			} else {
				ports = append(ports, fmt.Sprintf("%d/%s", p.PrivatePort, p.Type))
			}
		}

		var ip string
		if c.NetworkSettings != nil {
			for _, nw := range c.NetworkSettings.Networks {
				if nw != nil && nw.IPAddress != "" {
					ip = nw.IPAddress
					break
				}
			}
		}

		result = append(result, domain.Container{
			ID:        c.ID,
			Names:     names,
			Name:      name,
			Image:     c.Image,
			Status:    c.Status,
			State:     string(c.State),
			Ports:     ports,
			IPAddress: ip,
		})
	}
	return result, nil
}

// PullImage makes sure the image exists locally.
// In a real production system, we should handle auth and pull policy better.
func (a *Adapter) PullImage(ctx context.Context, ref string) error {
	reader, err := a.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", ref, err)
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read pull progress for %q: %w", ref, err)
	}
	return nil
}

// CreateContainer creates (but does not start) a container from a
// validated spec.
func (a *Adapter) CreateContainer(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	exposed, bindings, err := nat.ParsePortSpecs(spec.Ports)
	if err != nil {
		return "", fmt.Errorf("failed to parse ports: %w", err)
	}

	cfg := &container.Config{
		Image:        spec.BaseImage,
		Env:          envList(spec.Env),
		ExposedPorts: exposed,
		Labels:       map[string]string{},
	}
	if len(spec.Dependencies) > 0 {
		cfg.Labels[DependenciesLabel] = strings.Join(spec.Dependencies, ",")
	}

	hostCfg := &container.HostConfig{
		Binds:        spec.Volumes,
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyMode(spec.RestartPolicy),
		},
	}
	hostCfg.Resources.Memory = spec.MemoryBytes
	if spec.CPU != nil {
		hostCfg.Resources.NanoCPUs = int64(*spec.CPU * 1e9)
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		a.logger.Warn("create warning", "container", resp.ID, "warning", w)
	}
	return resp.ID, nil
}

// StartContainer starts a created or stopped container.
func (a *Adapter) StartContainer(ctx context.Context, id string) error {
	if err := a.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// StopContainer stops a running container
func (a *Adapter) StopContainer(ctx context.Context, id string) error {
	timeout := int(stopTimeout.Seconds())
	if err := a.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (a *Adapter) RestartContainer(ctx context.Context, id string) error {
	timeout := int(stopTimeout.Seconds())
	if err := a.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to restart container: %w", err)
	}
	return nil
}

func (a *Adapter) RemoveContainer(ctx context.Context, id string, force bool) error {
	if err := a.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (a *Adapter) RenameContainer(ctx context.Context, id, newName string) error {
	if err := a.cli.ContainerRename(ctx, id, newName); err != nil {
		return fmt.Errorf("failed to rename container: %w", err)
	}
	return nil
}

// InspectContainer resolves a container by id or name.
func (a *Adapter) InspectContainer(ctx context.Context, id string) (domain.ContainerDetail, error) {
	info, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return domain.ContainerDetail{}, fmt.Errorf("failed to inspect container %q: %w", id, err)
	}
	if info.ContainerJSONBase == nil {
		return domain.ContainerDetail{}, fmt.Errorf("failed to inspect container %q: empty response", id)
	}

	detail := domain.ContainerDetail{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
		Raw:  info,
	}
	if info.Config != nil {
		detail.Image = info.Config.Image
		detail.Env = info.Config.Env
		detail.Labels = info.Config.Labels
	}
	if info.State != nil {
		detail.State = string(info.State.Status)
		detail.Running = info.State.Running
		detail.ExitCode = info.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			detail.StartedAt = t
		}
	}
	if info.HostConfig != nil {
		detail.MemoryByte = info.HostConfig.Memory
		detail.NanoCPUs = info.HostConfig.NanoCPUs
	}
	return detail, nil
}

// GetContainerLogs returns a stream of container logs. Logs of a container
// without a TTY are demultiplexed, so callers read plain text.
func (a *Adapter) GetContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	info, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	options := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     false, // Can be true for streaming
		Timestamps: true,
	}
	rc, err := a.cli.ContainerLogs(ctx, id, options)
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	if info.Config != nil && info.Config.Tty {
		return rc, nil
	}
	return newDemuxReader(rc), nil
}

// demuxReader strips the engine's stream headers from a multiplexed log
// stream. Stdout and stderr are written to one pipe in arrival order.
type demuxReader struct {
	src io.ReadCloser
	*io.PipeReader
}

func newDemuxReader(src io.ReadCloser) *demuxReader {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, src)
		pw.CloseWithError(err)
	}()
	return &demuxReader{src: src, PipeReader: pr}
}

func (d *demuxReader) Close() error {
	d.PipeReader.Close()
	return d.src.Close()
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// shortID trims an engine id for log lines.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
