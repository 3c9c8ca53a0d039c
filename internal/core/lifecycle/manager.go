// Package lifecycle is the container lifecycle manager: a stateless layer
// over the container engine that gates creation on spec validation and
// turns engine errors into domain failures.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/containerd/errdefs"

	"github.com/melih/lighthouse-runner/internal/core/domain"
	"github.com/melih/lighthouse-runner/internal/core/ports"
	"github.com/melih/lighthouse-runner/internal/core/validation"
)

// Manager delegates every operation to the engine. It keeps no container
// state, so calls for different ids may run concurrently.
type Manager struct {
	engine  ports.ContainerService
	builder ports.BuilderService
	logger  *log.Logger
}

// NewManager creates a Manager. builder may be nil, in which case specs
// carrying a repository URL are rejected.
func NewManager(engine ports.ContainerService, builder ports.BuilderService, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{engine: engine, builder: builder, logger: logger.WithPrefix("lifecycle")}
}

func (m *Manager) Ping(ctx context.Context) error {
	if err := m.engine.Ping(ctx); err != nil {
		return translate(err, "container engine unreachable")
	}
	return nil
}

func (m *Manager) List(ctx context.Context, all bool) ([]domain.Container, error) {
	containers, err := m.engine.ListContainers(ctx, all)
	if err != nil {
		return nil, translate(err, "list containers")
	}
	return containers, nil
}

// Create validates spec, makes its image available, then creates and
// starts the container. If start fails the container is left in place and
// its id is reported on the failure.
func (m *Manager) Create(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	normalized, violations := validation.Validate(spec)
	if len(violations) > 0 {
		msgs := make([]string, 0, len(violations))
		for _, v := range violations {
			msgs = append(msgs, v.String())
		}
		return "", &domain.Failure{
			Kind:       domain.KindValidation,
			Message:    "invalid container spec: " + strings.Join(msgs, "; "),
			Violations: violations,
		}
	}

	if err := m.prepareImage(ctx, normalized); err != nil {
		return "", err
	}

	id, err := m.engine.CreateContainer(ctx, normalized)
	if err != nil {
		return "", translate(err, "create container")
	}

	if err := m.engine.StartContainer(ctx, id); err != nil {
		m.logger.Error("created container failed to start", "container", id, "err", err)
		f := translate(err, "start container")
		f.ContainerID = id
		return "", f
	}

	m.logger.Info("container created", "container", id, "image", normalized.BaseImage, "name", normalized.Name)
	return id, nil
}

func (m *Manager) prepareImage(ctx context.Context, spec domain.ContainerSpec) error {
	if spec.RepoURL != "" {
		if m.builder == nil {
			return &domain.Failure{Kind: domain.KindValidation, Message: "building from a repository is not enabled"}
		}
		if _, err := m.builder.BuildImage(ctx, spec.RepoURL, spec.BaseImage); err != nil {
			return translate(err, "build image from %s", spec.RepoURL)
		}
		return nil
	}

	// A failed pull is not fatal: the image may already exist locally, and
	// create reports a missing image on its own.
	if err := m.engine.PullImage(ctx, spec.BaseImage); err != nil {
		m.logger.Warn("image pull failed, trying local image", "image", spec.BaseImage, "err", err)
	}
	return nil
}

func (m *Manager) Start(ctx context.Context, id string) error {
	if err := m.engine.StartContainer(ctx, id); err != nil {
		return translate(err, "start container %s", id)
	}
	return nil
}

func (m *Manager) Stop(ctx context.Context, id string) error {
	if err := m.engine.StopContainer(ctx, id); err != nil {
		return translate(err, "stop container %s", id)
	}
	return nil
}

func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.engine.RestartContainer(ctx, id); err != nil {
		return translate(err, "restart container %s", id)
	}
	return nil
}

func (m *Manager) Delete(ctx context.Context, id string, force bool) error {
	if err := m.engine.RemoveContainer(ctx, id, force); err != nil {
		return translate(err, "delete container %s", id)
	}
	return nil
}

func (m *Manager) Rename(ctx context.Context, id, newName string) error {
	newName = strings.TrimSpace(newName)
	if !validation.ValidName(newName) {
		return &domain.Failure{
			Kind:       domain.KindValidation,
			Message:    fmt.Sprintf("invalid container name %q", newName),
			Violations: []domain.Violation{{Field: "newName", Message: validation.NameRule}},
		}
	}
	if err := m.engine.RenameContainer(ctx, id, newName); err != nil {
		return translate(err, "rename container %s", id)
	}
	return nil
}

func (m *Manager) Inspect(ctx context.Context, id string) (domain.ContainerDetail, error) {
	detail, err := m.engine.InspectContainer(ctx, id)
	if err != nil {
		return domain.ContainerDetail{}, translate(err, "inspect container %s", id)
	}
	return detail, nil
}

func (m *Manager) Logs(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := m.engine.GetContainerLogs(ctx, id)
	if err != nil {
		return nil, translate(err, "container logs %s", id)
	}
	return rc, nil
}

// translate maps an engine error to a domain failure.
func translate(err error, format string, args ...any) *domain.Failure {
	var f *domain.Failure
	if errors.As(err, &f) {
		return f
	}

	kind := domain.KindEngine
	switch {
	case errdefs.IsNotFound(err):
		kind = domain.KindNotFound
	case errdefs.IsConflict(err), errdefs.IsAlreadyExists(err):
		kind = domain.KindConflict
	case errdefs.IsInvalidArgument(err):
		kind = domain.KindValidation
	case errdefs.IsDeadlineExceeded(err), errors.Is(err, context.DeadlineExceeded):
		kind = domain.KindTimeout
	}
	return domain.NewFailure(kind, err, format, args...)
}
