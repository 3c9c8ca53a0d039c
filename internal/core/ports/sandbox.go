package ports

import "context"

// SandboxService registers and runs tenant tools inside isolated script
// environments, one environment per tenant key.
type SandboxService interface {
	Register(ctx context.Context, tenantKey, toolName, code string) error
	Invoke(ctx context.Context, tenantKey, toolName string, input any) (any, error)
	Tools(tenantKey string) []string
	Evict(tenantKey string) bool
}
