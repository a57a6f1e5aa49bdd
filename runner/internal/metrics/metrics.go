// Package metrics collects host resource utilization for the runner-status
// heartbeat. Adapted from the teacher's agent/internal/metrics stub, which
// shaped the call site (a single Collect-like call on a heartbeat tick) but
// always returned zeros with a "TODO: implement with gopsutil" left open —
// this package fills that gap.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// sampleWindow is how long cpu.PercentWithContext averages over. Short
// enough not to stall a heartbeat tick, long enough to smooth single-sample
// noise.
const sampleWindow = 200 * time.Millisecond

// Host is a point-in-time snapshot of host resource usage.
type Host struct {
	CPUPercent float64
	MemPercent float64
}

// Collect samples current CPU and memory utilization. Errors from either
// sampler are non-fatal — a heartbeat missing one metric is still useful —
// so Collect returns whatever it has, leaving the failed field at zero
// rather than failing the whole heartbeat tick.
func Collect(ctx context.Context) Host {
	var h Host

	if percents, err := cpu.PercentWithContext(ctx, sampleWindow, false); err == nil && len(percents) > 0 {
		h.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.MemPercent = vm.UsedPercent
	}

	return h
}
