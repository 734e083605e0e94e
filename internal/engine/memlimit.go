package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// AvailableMemoryMB returns the system's available memory in MB,
// preferring /proc/meminfo MemAvailable over the coarser sysinfo free
// count.
func AvailableMemoryMB() (int64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	return int64(sysinfo.Freeram) * int64(sysinfo.Unit) / (1024 * 1024), nil
}

// admission computes the memory-budgeted worker count for one job:
// floor(availableMB / (frameMB * multiplier)), clamped to
// [1, threadCap], then bounded by the number of eligible frames.
// Evaluated once per job at dispatch time; jobs are short relative to
// memory-pressure changes, and a mid-job adjustment would race with
// the pool.
func (e *Engine) admission(frameBytes int64, multiplier float64, eligible int) int {
	availMB, err := e.availableMB()
	if err != nil || availMB <= 0 {
		availMB = e.fallbackMB
		e.log.Warn("memory query unavailable, using configured fallback",
			"fallback_mb", availMB, "error", err)
	}

	frameMB := float64(frameBytes) / (1024 * 1024)
	perImageMB := frameMB * multiplier
	workers := eligible
	if perImageMB > 0 {
		workers = int(float64(availMB) / perImageMB)
	}
	if workers > e.threadCap {
		workers = e.threadCap
	}
	if workers > eligible {
		workers = eligible
	}
	// A frame larger than available memory still gets one worker:
	// refusing to run is worse than the swap risk on a single image.
	if workers < 1 {
		workers = 1
	}

	e.log.Debug("admission control",
		"available_mb", availMB,
		"per_image_mb", fmt.Sprintf("%.1f", perImageMB),
		"thread_cap", e.threadCap,
		"eligible", eligible,
		"workers", workers,
	)
	return workers
}
