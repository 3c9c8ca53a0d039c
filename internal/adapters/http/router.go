package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// Handlers groups everything the router mounts. Proxy and Terminal are
// optional.
type Handlers struct {
	Containers *ContainerHandler
	Sandbox    *SandboxHandler
	Terminal   *TerminalHandler
	Proxy      *ProxyHandler
}

// NewApp builds the Fiber application with all routes mounted.
func NewApp(h Handlers) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	// The proxy runs first so app subdomains never reach the API.
	if h.Proxy != nil {
		app.Use(h.Proxy.ProxyRequest)
	}

	app.Get("/healthz", h.Containers.Health)

	v1 := app.Group("/api").Group("/v1")

	containers := v1.Group("/containers")
	containers.Get("/", h.Containers.ListContainers)
	containers.Post("/", h.Containers.CreateContainer)
	containers.Get("/:id", h.Containers.InspectContainer)
	containers.Delete("/:id", h.Containers.DeleteContainer)
	containers.Post("/:id/start", h.Containers.StartContainer)
	containers.Post("/:id/stop", h.Containers.StopContainer)
	containers.Post("/:id/restart", h.Containers.RestartContainer)
	containers.Patch("/:id/rename", h.Containers.RenameContainer)
	containers.Get("/:id/logs", h.Containers.GetContainerLogs)

	sandbox := v1.Group("/sandbox/:tenantKey")
	sandbox.Post("/register", h.Sandbox.RegisterTool)
	sandbox.Get("/tools", h.Sandbox.ListTools)
	sandbox.Post("/tools/:toolName", h.Sandbox.InvokeTool)
	sandbox.Delete("/", h.Sandbox.EvictTenant)

	if h.Terminal != nil {
		app.Get("/ws/terminal", h.Terminal.RequireUpgrade, h.Terminal.Serve())
	}
	return app
}

// errorHandler keeps error bodies in the {error} shape.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
