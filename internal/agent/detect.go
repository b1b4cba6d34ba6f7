package agent

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/st7ma784/CMACatalyst-sub011/shared/logger"
	"github.com/st7ma784/CMACatalyst-sub011/shared/protocol"
)

// DetectCapabilities probes the local hardware once at startup. The result
// is a pure fact report; classification happens on the coordinator.
func DetectCapabilities(ctx context.Context, coordinatorURL, typeHint string) protocol.Capabilities {
	caps := protocol.Capabilities{TypeHint: typeHint}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		caps.CoreCount = cores
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps.MemoryMB = int(vm.Total / (1 << 20))
	}
	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		caps.DiskGB = int(usage.Total / (1 << 30))
	}
	caps.DiskType = detectDiskType()

	if vramGB, ok := detectGPU(ctx); ok {
		caps.HasGPU = true
		caps.VRAMGB = vramGB
	}

	caps.HasPublicIP = hasPublicIPv4()

	if coordinatorURL != "" {
		if ms, err := measureLatency(ctx, coordinatorURL); err == nil {
			caps.LatencyMS = ms
		}
	}

	logger.Info("detected capabilities",
		"cores", caps.CoreCount,
		"memory_mb", caps.MemoryMB,
		"gpu", caps.HasGPU,
		"vram_gb", caps.VRAMGB,
		"public_ip", caps.HasPublicIP,
		"latency_ms", caps.LatencyMS,
		"disk", caps.DiskType,
		"disk_gb", caps.DiskGB)
	return caps
}

// detectGPU probes nvidia-smi for total VRAM in MiB.
func detectGPU(ctx context.Context) (vramGB int, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, false
	}
	return parseVRAM(string(out))
}

// parseVRAM reads the first GPU's memory.total line (MiB) from nvidia-smi
// output.
func parseVRAM(out string) (int, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		mib, err := strconv.Atoi(line)
		if err != nil {
			return 0, false
		}
		return mib / 1024, true
	}
	return 0, false
}

// detectDiskType inspects /sys/block rotational flags for the first real
// disk. NVMe devices are reported as "nvme" regardless of the flag.
func detectDiskType() string {
	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return ""
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") ||
			strings.HasPrefix(name, "zram") || strings.HasPrefix(name, "dm-") {
			continue
		}
		if strings.HasPrefix(name, "nvme") {
			return "nvme"
		}
		data, err := os.ReadFile(filepath.Join("/sys/block", name, "queue", "rotational"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(data)) == "0" {
			return "ssd"
		}
		return "hdd"
	}
	return ""
}

// hasPublicIPv4 scans interface addresses for a globally routable IPv4.
func hasPublicIPv4() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if isPublicIPv4(ipNet.IP) {
			return true
		}
	}
	return false
}

func isPublicIPv4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	if v4.IsLoopback() || v4.IsLinkLocalUnicast() || v4.IsPrivate() || v4.IsUnspecified() {
		return false
	}
	// Carrier-grade NAT range is not reachable from the open internet.
	if v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127 {
		return false
	}
	return true
}

// measureLatency times one round trip to the coordinator health endpoint.
func measureLatency(ctx context.Context, coordinatorURL string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, coordinatorURL+protocol.PathHealth, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return float64(time.Since(start).Microseconds()) / 1000, nil
}
