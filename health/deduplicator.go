package health

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/tKwbr999/supabase-toolbox/core"
)

const checkKey = "check"

// Deduplicator lets concurrent callers share one in-flight check, so a burst
// of requests waits on a single module invocation instead of queueing behind
// the checker mutex one by one.
type Deduplicator struct {
	checker core.HealthChecker
	group   singleflight.Group

	requests     atomic.Int64
	deduplicated atomic.Int64
}

// DedupStats represents deduplication statistics
type DedupStats struct {
	Requests     int64 `json:"requests"`
	Deduplicated int64 `json:"deduplicated"`
}

// NewDeduplicator wraps checker
func NewDeduplicator(checker core.HealthChecker) *Deduplicator {
	return &Deduplicator{checker: checker}
}

// CheckHealth runs or joins a check. The shared status is copied per caller.
func (d *Deduplicator) CheckHealth(ctx context.Context) core.HealthStatus {
	d.requests.Add(1)

	// Callers leaving early must not cut the check short for the others.
	result, _, shared := d.group.Do(checkKey, func() (interface{}, error) {
		return d.checker.CheckHealth(context.WithoutCancel(ctx)), nil
	})
	if shared {
		d.deduplicated.Add(1)
	}

	status := result.(core.HealthStatus)
	if status.Extra != nil {
		extra := make(map[string]any, len(status.Extra))
		for k, v := range status.Extra {
			extra[k] = v
		}
		status.Extra = extra
	}
	return status
}

// Stats returns deduplication statistics
func (d *Deduplicator) Stats() DedupStats {
	return DedupStats{
		Requests:     d.requests.Load(),
		Deduplicated: d.deduplicated.Load(),
	}
}

// DedupRate is the fraction of requests that joined another check
func (d *Deduplicator) DedupRate() float64 {
	stats := d.Stats()
	if stats.Requests == 0 {
		return 0.0
	}
	return float64(stats.Deduplicated) / float64(stats.Requests)
}
