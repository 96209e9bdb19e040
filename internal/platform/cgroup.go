package platform

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	_ "go.uber.org/automaxprocs" // sets GOMAXPROCS from the cgroup CPU quota on import
)

// MemoryLimit returns the container memory limit in bytes, trying
// cgroup v2 (memory.max) then cgroup v1 (memory.limit_in_bytes). It
// returns 0, nil when no limit is detected (bare metal, VMs, an
// unconstrained container).
func MemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	return 0, nil
}

// MemoryUsed returns the host-wide used memory reported by gopsutil's
// VirtualMemory; it is not specific to this process or its cgroup.
func MemoryUsed() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Used, nil
}

// ThrottleStats mirrors the cgroup CPU controller's throttling counters.
type ThrottleStats struct {
	NrPeriods    uint64
	NrThrottled  uint64
	ThrottledSec float64
}

// ContainerCPU computes CPU usage as a percentage of the cgroup's own
// quota (rather than of the whole host), reading cpu.stat/cpu.max
// directly rather than through gopsutil, which has no notion of
// container quotas.
type ContainerCPU struct {
	mu             sync.Mutex
	lastUsageUsec  uint64
	lastSampleTime time.Time
	cgroupPath     string
	version        int
	allocatedCPUs  float64
	lastThrottle   ThrottleStats
}

// NewContainerCPU detects the calling process's cgroup and its CPU
// quota. It returns an error when no cgroup can be found, at which
// point the caller should fall back to host-wide gopsutil sampling.
func NewContainerCPU() (*ContainerCPU, error) {
	path, version, err := detectCgroupPath()
	if err != nil {
		return nil, fmt.Errorf("detect cgroup path: %w", err)
	}

	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, fmt.Errorf("read cpu quota: %w", err)
	}

	allocated := float64(runtime.NumCPU())
	if quota > 0 && period > 0 {
		allocated = float64(quota) / float64(period)
	}

	usage, err := readCPUUsageUsec(path, version)
	if err != nil {
		return nil, fmt.Errorf("read cpu usage: %w", err)
	}

	return &ContainerCPU{
		lastUsageUsec:  usage,
		lastSampleTime: time.Now(),
		cgroupPath:     path,
		version:        version,
		allocatedCPUs:  allocated,
	}, nil
}

// Percent returns CPU usage as a percentage of the cgroup's own
// allocation (100% == fully using the quota), plus the throttling
// delta observed since the previous call.
func (cc *ContainerCPU) Percent() (percent float64, throttled ThrottleStats, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	now := time.Now()
	elapsedUsec := now.Sub(cc.lastSampleTime).Microseconds()
	if elapsedUsec <= 0 {
		return 0, ThrottleStats{}, fmt.Errorf("sample interval too small")
	}

	usage, err := readCPUUsageUsec(cc.cgroupPath, cc.version)
	if err != nil {
		return 0, ThrottleStats{}, err
	}
	rawPercent := (float64(usage-cc.lastUsageUsec) / float64(elapsedUsec)) * 100.0
	percent = rawPercent / cc.allocatedCPUs

	if current, terr := readThrottleStats(cc.cgroupPath, cc.version); terr == nil {
		throttled = ThrottleStats{
			NrPeriods:    current.NrPeriods - cc.lastThrottle.NrPeriods,
			NrThrottled:  current.NrThrottled - cc.lastThrottle.NrThrottled,
			ThrottledSec: current.ThrottledSec - cc.lastThrottle.ThrottledSec,
		}
		cc.lastThrottle = current
	}

	cc.lastUsageUsec = usage
	cc.lastSampleTime = now
	return percent, throttled, nil
}

// Allocation returns the number of CPUs the cgroup quota grants.
func (cc *ContainerCPU) Allocation() float64 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.allocatedCPUs
}

func detectCgroupPath() (path string, version int, err error) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("no cgroup cpu controller found")
}

func readCPUQuota(cgroupPath string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(cgroupPath + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("unexpected cpu.max format: %q", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(cgroupPath + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(cgroupPath + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsageUsec(cgroupPath string, version int) (uint64, error) {
	if version == 2 {
		f, err := os.Open(cgroupPath + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if fields := strings.Fields(scanner.Text()); len(fields) == 2 && fields[0] == "usage_usec" {
				return strconv.ParseUint(fields[1], 10, 64)
			}
		}
		return 0, fmt.Errorf("usage_usec not found")
	}

	data, err := os.ReadFile(cgroupPath + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}

func readThrottleStats(cgroupPath string, version int) (ThrottleStats, error) {
	var stats ThrottleStats
	f, err := os.Open(cgroupPath + "/cpu.stat")
	if err != nil {
		return stats, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		value, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "nr_periods":
			stats.NrPeriods = value
		case "nr_throttled":
			stats.NrThrottled = value
		case "throttled_usec":
			stats.ThrottledSec = float64(value) / 1e6
		case "throttled_time":
			stats.ThrottledSec = float64(value) / 1e9
		}
	}
	return stats, nil
}

// CPUMonitor unifies container-aware and host-wide CPU sampling,
// falling back to gopsutil's host-wide cpu.Percent when no cgroup CPU
// controller can be found (e.g. running outside a container).
type CPUMonitor struct {
	containerCPU *ContainerCPU // nil selects the host-wide fallback
}

// NewCPUMonitor tries the cgroup-aware path first.
func NewCPUMonitor() *CPUMonitor {
	cc, err := NewContainerCPU()
	if err != nil {
		return &CPUMonitor{}
	}
	return &CPUMonitor{containerCPU: cc}
}

func (cm *CPUMonitor) Percent() (float64, ThrottleStats, error) {
	if cm.containerCPU != nil {
		return cm.containerCPU.Percent()
	}
	pcts, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, ThrottleStats{}, err
	}
	if len(pcts) == 0 {
		return 0, ThrottleStats{}, fmt.Errorf("no cpu sample")
	}
	return pcts[0], ThrottleStats{}, nil
}

func (cm *CPUMonitor) Allocation() float64 {
	if cm.containerCPU != nil {
		return cm.containerCPU.Allocation()
	}
	return float64(runtime.NumCPU())
}

// CalculateMaxClients sizes a safe maximum client count from the
// memory budget, the same way the teacher sized max WebSocket
// connections: reserve a fixed runtime overhead, divide the remainder
// by a conservative per-client footprint, then clamp to sane bounds.
// The sink's own per-client footprint is smaller than a full WebSocket
// connection (no replay buffer, no send channel) since retransmission
// comes from the shared queue rather than a per-client copy.
func CalculateMaxClients(memoryLimitBytes int64) int {
	const (
		runtimeOverheadBytes = 128 * 1024 * 1024
		bytesPerClient       = 32 * 1024
		minClients           = 100
		maxClients           = 100000
	)

	if memoryLimitBytes == 0 {
		return 10000
	}

	available := memoryLimitBytes - runtimeOverheadBytes
	if available < 0 {
		available = memoryLimitBytes / 2
	}

	n := int(available / bytesPerClient)
	if n < minClients {
		n = minClients
	}
	if n > maxClients {
		n = maxClients
	}
	return n
}
