package http

import (
	"context"
	"io"

	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse-runner/internal/core/domain"
)

// ContainerManager is the lifecycle surface the container routes need.
type ContainerManager interface {
	Ping(ctx context.Context) error
	List(ctx context.Context, all bool) ([]domain.Container, error)
	Create(ctx context.Context, spec domain.ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Delete(ctx context.Context, id string, force bool) error
	Rename(ctx context.Context, id, newName string) error
	Inspect(ctx context.Context, id string) (domain.ContainerDetail, error)
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
}

type ContainerHandler struct {
	manager ContainerManager
}

func NewContainerHandler(manager ContainerManager) *ContainerHandler {
	return &ContainerHandler{manager: manager}
}

// Health reports whether the container engine answers.
func (h *ContainerHandler) Health(c *fiber.Ctx) error {
	if err := h.manager.Ping(c.Context()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unavailable",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *ContainerHandler) ListContainers(c *fiber.Ctx) error {
	containers, err := h.manager.List(c.Context(), c.QueryBool("all"))
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(containers)
}

func (h *ContainerHandler) CreateContainer(c *fiber.Ctx) error {
	var spec domain.ContainerSpec
	if err := c.BodyParser(&spec); err != nil {
		return badRequest(c, "Invalid request body")
	}

	id, err := h.manager.Create(c.Context(), spec)
	if err != nil {
		return writeFailure(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
}

func (h *ContainerHandler) StartContainer(c *fiber.Ctx) error {
	if err := h.manager.Start(c.Context(), c.Params("id")); err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(fiber.Map{"started": true})
}

func (h *ContainerHandler) StopContainer(c *fiber.Ctx) error {
	if err := h.manager.Stop(c.Context(), c.Params("id")); err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(fiber.Map{"stopped": true})
}

func (h *ContainerHandler) RestartContainer(c *fiber.Ctx) error {
	if err := h.manager.Restart(c.Context(), c.Params("id")); err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(fiber.Map{"restarted": true})
}

// DeleteContainer force-removes unless ?force=false is given.
func (h *ContainerHandler) DeleteContainer(c *fiber.Ctx) error {
	if err := h.manager.Delete(c.Context(), c.Params("id"), c.QueryBool("force", true)); err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(fiber.Map{"deleted": true})
}

type renameRequest struct {
	NewName string `json:"newName"`
}

func (h *ContainerHandler) RenameContainer(c *fiber.Ctx) error {
	var req renameRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := h.manager.Rename(c.Context(), c.Params("id"), req.NewName); err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(fiber.Map{"renamed": true})
}

// InspectContainer returns the engine's inspect payload as is.
func (h *ContainerHandler) InspectContainer(c *fiber.Ctx) error {
	detail, err := h.manager.Inspect(c.Context(), c.Params("id"))
	if err != nil {
		return writeFailure(c, err)
	}
	if detail.Raw != nil {
		return c.JSON(detail.Raw)
	}
	return c.JSON(detail)
}

func (h *ContainerHandler) GetContainerLogs(c *fiber.Ctx) error {
	logs, err := h.manager.Logs(c.Context(), c.Params("id"))
	if err != nil {
		return writeFailure(c, err)
	}
	// SendStream closes logs once the body is written.
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendStream(logs)
}
