package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for error classification.
var (
	// ErrToolNotFound is returned when the tenant or the tool within the
	// tenant is unknown.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidTool indicates a bad tool name, tenant key or source text.
	ErrInvalidTool = errors.New("invalid toolName or code")

	// ErrTimeout indicates a compile, run or invoke passed its deadline.
	ErrTimeout = errors.New("sandbox deadline exceeded")

	// ErrMemoryLimit indicates a call grew the heap past the isolate ceiling.
	ErrMemoryLimit = errors.New("sandbox memory limit exceeded")

	// ErrClosed is returned after the registry has been closed.
	ErrClosed = errors.New("sandbox registry closed")
)

// CompileError reports source text that does not compile.
type CompileError struct {
	Message     string
	WrappedCode string
}

func (e *CompileError) Error() string {
	return "compile error: " + e.Message
}

// Is lets CompileError match ErrInvalidTool.
func (e *CompileError) Is(target error) bool {
	return target == ErrInvalidTool
}

// NotCallableError reports source text whose value is not a function.
type NotCallableError struct {
	// Type is the JavaScript typeof of the value found.
	Type        string
	WrappedCode string
}

func (e *NotCallableError) Error() string {
	return fmt.Sprintf("code did not evaluate to a function (got %s)", e.Type)
}

func (e *NotCallableError) Is(target error) bool {
	return target == ErrInvalidTool
}

// ToolError is an exception thrown by tool code inside the sandbox.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	if e.Tool == "" {
		return e.Message
	}
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}
