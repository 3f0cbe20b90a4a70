//go:build linux

package api

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// systemStats reads utilization from /proc and the root filesystem.
// Any read that fails leaves its field at zero.
func systemStats() SystemStats {
	return SystemStats{
		MemoryPercent: memoryPercent(),
		CPUPercent:    cpuPercent(),
		DiskPercent:   diskPercent("/"),
	}
}

func memoryPercent() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total <= 0 || available > total {
		return 0
	}
	return round1((total - available) / total * 100)
}

// cpuPercent approximates utilization as the one-minute load average
// over the core count. It avoids the two-sample delay a true /proc/stat
// reading needs.
func cpuPercent() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	pct := load / float64(runtime.NumCPU()) * 100
	if pct > 100 {
		pct = 100
	}
	return round1(pct)
}

func diskPercent(path string) float64 {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err != nil {
		return 0
	}
	used := fs.Blocks - fs.Bfree
	visible := used + fs.Bavail
	if visible == 0 {
		return 0
	}
	return round1(float64(used) / float64(visible) * 100)
}
