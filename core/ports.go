package core

import "context"

// HealthChecker is what the HTTP boundary and the CLIs depend on.
// CheckHealth must always return a status.
type HealthChecker interface {
	CheckHealth(ctx context.Context) HealthStatus
}
