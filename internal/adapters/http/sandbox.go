package http

import (
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse-runner/internal/core/ports"
)

type SandboxHandler struct {
	service ports.SandboxService
}

func NewSandboxHandler(service ports.SandboxService) *SandboxHandler {
	return &SandboxHandler{service: service}
}

type registerToolRequest struct {
	ToolName string `json:"toolName"`
	Code     string `json:"code"`
}

func (h *SandboxHandler) RegisterTool(c *fiber.Ctx) error {
	var req registerToolRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.ToolName == "" || req.Code == "" {
		return badRequest(c, "toolName and code are required")
	}

	tenant := c.Params("tenantKey")
	if err := h.service.Register(c.Context(), tenant, req.ToolName, req.Code); err != nil {
		return writeSandboxError(c, err)
	}
	return c.JSON(fiber.Map{
		"message": fmt.Sprintf("Tool %s registered for %s", req.ToolName, tenant),
	})
}

// InvokeTool passes the whole request body to the tool as its input. An
// empty body is a null input.
func (h *SandboxHandler) InvokeTool(c *fiber.Ctx) error {
	var input any
	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &input); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}

	result, err := h.service.Invoke(c.Context(), c.Params("tenantKey"), c.Params("toolName"), input)
	if err != nil {
		return writeSandboxError(c, err)
	}
	return c.JSON(fiber.Map{"result": result})
}

func (h *SandboxHandler) ListTools(c *fiber.Ctx) error {
	tools := h.service.Tools(c.Params("tenantKey"))
	if tools == nil {
		tools = []string{}
	}
	return c.JSON(fiber.Map{"tools": tools})
}

func (h *SandboxHandler) EvictTenant(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"evicted": h.service.Evict(c.Params("tenantKey"))})
}
