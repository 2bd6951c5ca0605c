package health

import (
	"time"

	"github.com/tKwbr999/supabase-toolbox/core"
)

// FallbackChecker produces the canonical healthy status without any module.
type FallbackChecker struct {
	now func() time.Time
}

// NewFallbackChecker creates a fallback checker reading time from now.
// A nil clock uses time.Now.
func NewFallbackChecker(now func() time.Time) *FallbackChecker {
	if now == nil {
		now = time.Now
	}
	return &FallbackChecker{now: now}
}

// Check always succeeds.
func (f *FallbackChecker) Check() core.HealthStatus {
	return core.HealthStatus{
		Status:    core.StatusHealthy,
		Timestamp: core.FormatTimestamp(f.now()),
		Version:   core.FallbackVersion,
		Source:    core.SourceFallback,
	}
}
