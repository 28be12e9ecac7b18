// Package reliability provides a pre-flight host health check run before
// each batch, so a run starting on a starved host is flagged in its
// durable record instead of silently producing slow or flaky results.
package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Thresholds above which the host is considered under pressure.
const (
	DefaultCPUWarnPercent = 90.0
	DefaultMemWarnPercent = 90.0
)

// HealthReport summarizes host resource usage at the moment a batch run
// started.
type HealthReport struct {
	CPUPercent float64
	MemPercent float64
	Healthy    bool
}

// String renders the report the way it's stored in a run's Notes field.
func (r HealthReport) String() string {
	status := "ok"
	if !r.Healthy {
		status = "degraded"
	}
	return fmt.Sprintf("host_health=%s cpu=%.1f%% mem=%.1f%%", status, r.CPUPercent, r.MemPercent)
}

// HealthChecker samples CPU and memory usage.
type HealthChecker struct {
	cpuWarnPercent float64
	memWarnPercent float64
}

// NewHealthChecker constructs a HealthChecker with the default warn
// thresholds.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{cpuWarnPercent: DefaultCPUWarnPercent, memWarnPercent: DefaultMemWarnPercent}
}

// Check samples CPU (over a short 100ms window, to avoid blocking a run's
// start for too long) and memory usage and reports whether either exceeds
// its warn threshold.
func (h *HealthChecker) Check(ctx context.Context) (HealthReport, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		return HealthReport{}, fmt.Errorf("reliability: sampling cpu usage: %w", err)
	}
	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HealthReport{}, fmt.Errorf("reliability: sampling memory usage: %w", err)
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	report := HealthReport{CPUPercent: cpuAvg, MemPercent: memStat.UsedPercent}
	report.Healthy = cpuAvg < h.cpuWarnPercent && memStat.UsedPercent < h.memWarnPercent
	return report, nil
}
