// Package metrics collects host and Docker resource usage and exports
// Prometheus instrumentation for the rest of the service.
package metrics

import (
	"bufio"
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"golang.org/x/sync/errgroup"
)

// SystemMetrics is a snapshot of host resource usage.
type SystemMetrics struct {
	CollectedAt time.Time        `json:"collected_at"`
	Hostname    string           `json:"hostname,omitempty"`
	OS          string           `json:"os,omitempty"`
	Disks       []DiskMetrics    `json:"disks"`
	Network     []NetworkMetrics `json:"network"`
	LoadAvg     []float64        `json:"load_avg"` // 1, 5, 15 min
	CPU         CPUMetrics       `json:"cpu"`
	Memory      MemoryMetrics    `json:"memory"`
	Uptime      int64            `json:"uptime"` // seconds
}

type CPUMetrics struct {
	PerCore      []float64 `json:"per_core"`
	UsagePercent float64   `json:"usage_percent"`
	Cores        int       `json:"cores"`
}

type MemoryMetrics struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
	SwapTotal   uint64  `json:"swap_total"`
	SwapUsed    uint64  `json:"swap_used"`
}

type DiskMetrics struct {
	Device      string  `json:"device"`
	MountPoint  string  `json:"mount_point"`
	Filesystem  string  `json:"filesystem"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
}

type NetworkMetrics struct {
	Interface   string `json:"interface"`
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
	ErrIn       uint64 `json:"err_in"`
	ErrOut      uint64 `json:"err_out"`
	IsUp        bool   `json:"is_up"`
}

// RootDisk returns the disk mounted at "/" or the first disk found.
func (m *SystemMetrics) RootDisk() (DiskMetrics, bool) {
	for _, d := range m.Disks {
		if d.MountPoint == "/" {
			return d, true
		}
	}
	if len(m.Disks) > 0 {
		return m.Disks[0], true
	}
	return DiskMetrics{}, false
}

// CollectSystem gathers a local snapshot. Individual readers that fail leave
// their section zeroed; only context cancellation is returned as an error.
func CollectSystem(ctx context.Context) (*SystemMetrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := &SystemMetrics{CollectedAt: time.Now().UTC()}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		perCore, err := cpu.PercentWithContext(gctx, 200*time.Millisecond, true)
		cores, _ := cpu.CountsWithContext(gctx, true)
		mu.Lock()
		defer mu.Unlock()
		m.CPU.Cores = cores
		if err == nil && len(perCore) > 0 {
			m.CPU.PerCore = perCore
			var total float64
			for _, p := range perCore {
				total += p
			}
			m.CPU.UsagePercent = total / float64(len(perCore))
		}
		return nil
	})

	g.Go(func() error {
		vm, err := mem.VirtualMemoryWithContext(gctx)
		if err != nil {
			return nil
		}
		swap, _ := mem.SwapMemoryWithContext(gctx)
		mu.Lock()
		defer mu.Unlock()
		m.Memory = MemoryMetrics{Total: vm.Total, Used: vm.Used, Available: vm.Available, UsedPercent: vm.UsedPercent}
		if swap != nil {
			m.Memory.SwapTotal, m.Memory.SwapUsed = swap.Total, swap.Used
		}
		return nil
	})

	g.Go(func() error {
		disks := collectDisks(gctx)
		mu.Lock()
		m.Disks = disks
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		nics := collectNetwork(gctx)
		mu.Lock()
		m.Network = nics
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		info, err := host.InfoWithContext(gctx)
		avg, lerr := load.AvgWithContext(gctx)
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			m.Uptime = int64(info.Uptime)
			m.Hostname = info.Hostname
			m.OS = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		}
		if lerr == nil {
			m.LoadAvg = []float64{avg.Load1, avg.Load5, avg.Load15}
		}
		return nil
	})

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// DiskUsage reports usage for the filesystem holding path.
func DiskUsage(ctx context.Context, path string) (*DiskMetrics, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return nil, err
	}
	return &DiskMetrics{
		MountPoint:  u.Path,
		Filesystem:  u.Fstype,
		Total:       u.Total,
		Used:        u.Used,
		Available:   u.Free,
		UsedPercent: u.UsedPercent,
	}, nil
}

func collectDisks(ctx context.Context) []DiskMetrics {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil
	}
	var out []DiskMetrics
	for _, p := range parts {
		if isVirtualFilesystem(p.Fstype) {
			continue
		}
		u, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		out = append(out, DiskMetrics{
			Device:      p.Device,
			MountPoint:  p.Mountpoint,
			Filesystem:  p.Fstype,
			Total:       u.Total,
			Used:        u.Used,
			Available:   u.Free,
			UsedPercent: u.UsedPercent,
		})
	}
	return out
}

func collectNetwork(ctx context.Context) []NetworkMetrics {
	counters, err := net.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil
	}
	up := make(map[string]bool)
	if ifaces, err := net.InterfacesWithContext(ctx); err == nil {
		for _, iface := range ifaces {
			up[iface.Name] = slices.Contains(iface.Flags, "up")
		}
	}
	var out []NetworkMetrics
	for _, c := range counters {
		if isVirtualInterface(c.Name) {
			continue
		}
		out = append(out, NetworkMetrics{
			Interface:   c.Name,
			BytesSent:   c.BytesSent,
			BytesRecv:   c.BytesRecv,
			PacketsSent: c.PacketsSent,
			PacketsRecv: c.PacketsRecv,
			ErrIn:       c.Errin,
			ErrOut:      c.Errout,
			IsUp:        up[c.Name],
		})
	}
	return out
}

var virtualFilesystems = []string{
	"sysfs", "proc", "devfs", "devpts", "tmpfs", "debugfs",
	"securityfs", "cgroup", "cgroup2", "pstore", "bpf",
	"autofs", "mqueue", "hugetlbfs", "fusectl", "configfs",
	"devtmpfs", "overlay", "squashfs", "nsfs", "ramfs",
}

func isVirtualFilesystem(fstype string) bool {
	return slices.Contains(virtualFilesystems, fstype)
}

var virtualPrefixes = []string{"veth", "docker", "br-", "virbr", "vnet", "flannel", "cni", "calico", "weave"}

func isVirtualInterface(name string) bool {
	if name == "lo" || name == "lo0" {
		return true
	}
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// RemoteStatsScript prints the sections ParseRemote understands. It only
// relies on coreutils and procps.
const RemoteStatsScript = `echo "== nproc"; nproc 2>/dev/null
echo "== free"; free -b 2>/dev/null
echo "== df"; df -B1 -P / 2>/dev/null
echo "== loadavg"; cat /proc/loadavg 2>/dev/null
echo "== uptime"; cat /proc/uptime 2>/dev/null
echo "== os"; (. /etc/os-release 2>/dev/null && echo "$PRETTY_NAME") || uname -sr`

// ParseRemote builds a snapshot from the output of RemoteStatsScript.
func ParseRemote(out string) *SystemMetrics {
	m := &SystemMetrics{CollectedAt: time.Now().UTC()}
	sections := make(map[string][]string)
	var current string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "== ") {
			current = strings.TrimPrefix(line, "== ")
			continue
		}
		if line != "" && current != "" {
			sections[current] = append(sections[current], line)
		}
	}

	if lines := sections["nproc"]; len(lines) > 0 {
		m.CPU.Cores, _ = strconv.Atoi(lines[0])
	}
	m.Memory = parseFree(sections["free"])
	if d, ok := parseDF(sections["df"]); ok {
		m.Disks = []DiskMetrics{d}
	}
	if lines := sections["loadavg"]; len(lines) > 0 {
		fields := strings.Fields(lines[0])
		for i := 0; i < 3 && i < len(fields); i++ {
			v, _ := strconv.ParseFloat(fields[i], 64)
			m.LoadAvg = append(m.LoadAvg, v)
		}
	}
	if lines := sections["uptime"]; len(lines) > 0 {
		if fields := strings.Fields(lines[0]); len(fields) > 0 {
			v, _ := strconv.ParseFloat(fields[0], 64)
			m.Uptime = int64(v)
		}
	}
	if lines := sections["os"]; len(lines) > 0 {
		m.OS = lines[0]
	}
	return m
}

// parseFree reads `free -b` output.
func parseFree(lines []string) MemoryMetrics {
	var mm MemoryMetrics
	for _, line := range lines {
		f := strings.Fields(line)
		if len(f) < 3 {
			continue
		}
		switch strings.TrimSuffix(f[0], ":") {
		case "Mem":
			mm.Total, _ = strconv.ParseUint(f[1], 10, 64)
			mm.Used, _ = strconv.ParseUint(f[2], 10, 64)
			if len(f) >= 7 {
				mm.Available, _ = strconv.ParseUint(f[6], 10, 64)
			} else {
				mm.Available = mm.Total - mm.Used
			}
			if mm.Total > 0 {
				mm.UsedPercent = float64(mm.Used) / float64(mm.Total) * 100
			}
		case "Swap":
			mm.SwapTotal, _ = strconv.ParseUint(f[1], 10, 64)
			mm.SwapUsed, _ = strconv.ParseUint(f[2], 10, 64)
		}
	}
	return mm
}

// parseDF reads `df -B1 -P /` output.
func parseDF(lines []string) (DiskMetrics, bool) {
	for _, line := range lines {
		f := strings.Fields(line)
		if len(f) < 6 || f[0] == "Filesystem" {
			continue
		}
		total, err := strconv.ParseUint(f[1], 10, 64)
		if err != nil {
			continue
		}
		used, _ := strconv.ParseUint(f[2], 10, 64)
		avail, _ := strconv.ParseUint(f[3], 10, 64)
		d := DiskMetrics{Device: f[0], MountPoint: f[5], Total: total, Used: used, Available: avail}
		if total > 0 {
			d.UsedPercent = float64(used) / float64(total) * 100
		}
		return d, true
	}
	return DiskMetrics{}, false
}
