package ports

import (
	"context"
	"io"

	"github.com/melih/lighthouse-runner/internal/core/domain"
)

// ContainerService defines the core operations for managing containers.
// This interface allows us to switch between Docker, Podman, or Kubernetes
// without changing the business logic.
//
// Implementations hold no container state: every call resolves the
// container through the engine.
type ContainerService interface {
	Ping(ctx context.Context) error
	ListContainers(ctx context.Context, all bool) ([]domain.Container, error)
	PullImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, spec domain.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	RenameContainer(ctx context.Context, id, newName string) error
	InspectContainer(ctx context.Context, id string) (domain.ContainerDetail, error)
	GetContainerLogs(ctx context.Context, id string) (io.ReadCloser, error)
}

// ExecService opens exec channels on running containers.
type ExecService interface {
	Exec(ctx context.Context, containerID string, req domain.ExecRequest) (ExecStream, error)
}

// ExecStream is one attached exec process. Read yields output in the order
// the engine produced it; Write feeds the process input when the exec was
// opened with Stdin.
type ExecStream interface {
	io.ReadWriteCloser
	// CloseWrite signals end of input to the process.
	CloseWrite() error
	// ExitCode waits for the process to finish and returns its status.
	ExitCode(ctx context.Context) (int, error)
	Resize(ctx context.Context, cols, rows uint) error
}
