// Package hostinfo reports the local machine's CPU and memory, used to pick
// default process counts.
package hostinfo

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Info describes the local host
type Info struct {
	Hostname     string  `json:"hostname" yaml:"hostname"`
	OS           string  `json:"os" yaml:"os"`
	Platform     string  `json:"platform,omitempty" yaml:"platform,omitempty"`
	Arch         string  `json:"arch" yaml:"arch"`
	CPUModel     string  `json:"cpu_model,omitempty" yaml:"cpu_model,omitempty"`
	LogicalCPUs  int     `json:"logical_cpus" yaml:"logical_cpus"`
	PhysicalCPUs int     `json:"physical_cpus" yaml:"physical_cpus"`
	MemTotal     uint64  `json:"mem_total_bytes" yaml:"mem_total_bytes"`
	MemAvailable uint64  `json:"mem_available_bytes" yaml:"mem_available_bytes"`
	MemUsedPct   float64 `json:"mem_used_percent" yaml:"mem_used_percent"`
}

// Collect gathers host information. Only the logical CPU count is required;
// everything else is best effort.
func Collect(ctx context.Context) (*Info, error) {
	info := &Info{OS: runtime.GOOS, Arch: runtime.GOARCH}

	logical, err := cpu.CountsWithContext(ctx, true)
	if err != nil || logical < 1 {
		logical = runtime.NumCPU()
	}
	info.LogicalCPUs = logical

	if physical, err := cpu.CountsWithContext(ctx, false); err == nil {
		info.PhysicalCPUs = physical
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}
	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.Platform = h.Platform
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("failed to read memory info: %w", err)
	}
	info.MemTotal = vm.Total
	info.MemAvailable = vm.Available
	info.MemUsedPct = vm.UsedPercent
	return info, nil
}

// LogicalCPUs returns the local logical CPU count, never less than 1
func LogicalCPUs(ctx context.Context) int {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// AutoNP is the process count used when none is configured: one rank per
// logical CPU on every host, assuming homogeneous nodes. With no hosts the
// job runs locally.
func AutoNP(hosts, cpusPerHost int) int {
	if hosts < 1 {
		hosts = 1
	}
	if cpusPerHost < 1 {
		cpusPerHost = 1
	}
	return hosts * cpusPerHost
}
