package util

import (
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemInfo holds information about the host system.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	GoVersion    string `json:"go_version"`
	CPUModel     string `json:"cpu_model"`
	CPUThreads   int    `json:"cpu_threads"`
	TotalMemory  uint64 `json:"total_memory_mb"`
}

// GetSystemInfo gathers system information.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		GoVersion:    runtime.Version(),
		CPUThreads:   runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}

	return info
}

// ProcessUsage is the resource usage of the running proxy process.
type ProcessUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSMB      uint64  `json:"rss_mb"`
	Goroutines int     `json:"goroutines"`
	OpenFiles  int32   `json:"open_fds"`
}

// GetProcessUsage returns resource usage for the current process. Fields the
// platform cannot report are left zero.
func GetProcessUsage() ProcessUsage {
	usage := ProcessUsage{Goroutines: runtime.NumGoroutine()}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return usage
	}
	if pct, err := proc.CPUPercent(); err == nil {
		usage.CPUPercent = pct
	}
	if memInfo, err := proc.MemoryInfo(); err == nil {
		usage.RSSMB = memInfo.RSS / (1024 * 1024)
	}
	if fds, err := proc.NumFDs(); err == nil {
		usage.OpenFiles = fds
	}
	return usage
}

// DiskUsage describes the filesystem holding a path.
type DiskUsage struct {
	TotalMB     uint64  `json:"total_mb"`
	FreeMB      uint64  `json:"free_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// GetDiskUsage returns disk usage for the filesystem containing path.
func GetDiskUsage(path string) (DiskUsage, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return DiskUsage{}, err
	}
	return DiskUsage{
		TotalMB:     usage.Total / (1024 * 1024),
		FreeMB:      usage.Free / (1024 * 1024),
		UsedPercent: usage.UsedPercent,
	}, nil
}

// GetLocalIP returns the primary local IPv4 address.
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "127.0.0.1", nil
}

// EnsureDir creates a directory and all parent directories if they don't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
