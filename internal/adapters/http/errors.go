package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse-runner/internal/adapters/sandbox"
	"github.com/melih/lighthouse-runner/internal/core/domain"
)

// statusFor maps a failure kind to its HTTP status.
func statusFor(kind domain.FailureKind) int {
	switch kind {
	case domain.KindValidation:
		return fiber.StatusBadRequest
	case domain.KindNotFound:
		return fiber.StatusNotFound
	case domain.KindConflict:
		return fiber.StatusConflict
	case domain.KindTimeout:
		return fiber.StatusRequestTimeout
	case domain.KindEngine:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// writeFailure renders a core failure as {error} plus any violations and
// leftover container id.
func writeFailure(c *fiber.Ctx, err error) error {
	body := fiber.Map{"error": err.Error()}

	var f *domain.Failure
	if !errors.As(err, &f) {
		return c.Status(fiber.StatusInternalServerError).JSON(body)
	}
	if len(f.Violations) > 0 {
		body["violations"] = f.Violations
	}
	if f.ContainerID != "" {
		body["containerId"] = f.ContainerID
	}
	return c.Status(statusFor(f.Kind)).JSON(body)
}

// writeSandboxError renders a sandbox error. A value that is not callable
// also reports its type and the wrapped source.
func writeSandboxError(c *fiber.Ctx, err error) error {
	var notCallable *sandbox.NotCallableError
	if errors.As(err, &notCallable) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":       sandbox.ErrInvalidTool.Error(),
			"codeType":    notCallable.Type,
			"wrappedCode": notCallable.WrappedCode,
		})
	}

	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, sandbox.ErrToolNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, sandbox.ErrInvalidTool):
		status = fiber.StatusBadRequest
	case errors.Is(err, sandbox.ErrTimeout):
		status = fiber.StatusRequestTimeout
	case errors.Is(err, sandbox.ErrClosed):
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
