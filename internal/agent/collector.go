package agent

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/vesaa/talonscope/internal/models"
)

// physicalDisk matches whole block devices, not partitions.
var physicalDisk = regexp.MustCompile(`^(nvme\d+n\d+|sd[a-z]+|vd[a-z]+|xvd[a-z]+|md\d+)$`)

// cpuBaseline is how long the first collection waits to get a CPU delta.
const cpuBaseline = 200 * time.Millisecond

// Collector gathers one models.Sample per call from the local host. CPU
// percentages come from the delta of cumulative CPU times between calls.
type Collector struct {
	disks []string

	mu      sync.Mutex
	prevCPU *cpu.TimesStat

	// probes are replaceable in tests.
	gpus    func(ctx context.Context) []models.GPUSample
	sensors func(ctx context.Context) ([]models.FanSample, *float64)
}

// NewCollector returns a Collector. disks restricts disk counters to the
// named devices; when empty, whole physical disks are tracked.
func NewCollector(disks []string) *Collector {
	return &Collector{disks: disks, gpus: probeGPUs, sensors: probeSensors}
}

// Collect samples the host. GPU and sensor probes run concurrently with
// the core counters and never fail the sample.
func (c *Collector) Collect(ctx context.Context) (models.Sample, error) {
	var (
		s       models.Sample
		gpus    []models.GPUSample
		fans    []models.FanSample
		cpuTemp *float64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gpus = c.gpus(gctx)
		return nil
	})
	g.Go(func() error {
		fans, cpuTemp = c.sensors(gctx)
		return nil
	})
	g.Go(func() error {
		return c.collectCore(gctx, &s)
	})
	if err := g.Wait(); err != nil {
		return models.Sample{}, err
	}

	s.GPUs = gpus
	s.Fans = fans
	s.CPUTemperatureC = cpuTemp
	s.CollectedAt = time.Now().UTC()
	return s, nil
}

func (c *Collector) collectCore(ctx context.Context, s *models.Sample) error {
	if err := c.collectCPU(ctx, s); err != nil {
		return err
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.CPULoad1, s.CPULoad5, s.CPULoad15 = &avg.Load1, &avg.Load5, &avg.Load15
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 && infos[0].Mhz > 0 {
		mhz := infos[0].Mhz
		s.CPUFrequencyMHz = &mhz
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		s.CPUCountLogical = n
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil && n > 0 {
		s.CPUCountPhysical = &n
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	s.MemoryTotalBytes = int64(vm.Total)
	s.MemoryUsedBytes = int64(vm.Used)
	s.MemoryAvailableBytes = int64(vm.Available)
	s.MemoryPercent = vm.UsedPercent

	if sw, err := mem.SwapMemoryWithContext(ctx); err == nil {
		s.SwapTotalBytes = int64(sw.Total)
		s.SwapUsedBytes = int64(sw.Used)
		s.SwapPercent = sw.UsedPercent
	}

	if counters, err := disk.IOCountersWithContext(ctx); err == nil {
		s.Disks = diskSamples(counters, c.disks)
	}

	if stats, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(stats) > 0 {
		s.NetworkRxBytesTotal = int64(stats[0].BytesRecv)
		s.NetworkTxBytesTotal = int64(stats[0].BytesSent)
	}

	if pids, err := process.PidsWithContext(ctx); err == nil {
		s.ProcessCount = len(pids)
	}
	return nil
}

func (c *Collector) collectCPU(ctx context.Context, s *models.Sample) error {
	c.mu.Lock()
	prev := c.prevCPU
	c.mu.Unlock()

	cur, err := cpuTimes(ctx)
	if err != nil {
		return err
	}
	if prev == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cpuBaseline):
		}
		prev = cur
		if cur, err = cpuTimes(ctx); err != nil {
			return err
		}
	}

	p := cpuPercents(*prev, *cur)
	s.CPUUsagePercent = p.total
	s.CPUUserPercent, s.CPUSystemPercent = &p.user, &p.system
	if runtime.GOOS == "linux" {
		s.CPUIowaitPercent = &p.iowait
	}

	c.mu.Lock()
	c.prevCPU = cur
	c.mu.Unlock()
	return nil
}

func cpuTimes(ctx context.Context) (*cpu.TimesStat, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("cpu times: %w", err)
	}
	if len(times) == 0 {
		return nil, fmt.Errorf("cpu times: no data")
	}
	return &times[0], nil
}

type cpuPercent struct {
	total, user, system, iowait float64
}

func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
}

// cpuPercents converts two cumulative CPU time readings into busy
// percentages over the interval between them.
func cpuPercents(prev, cur cpu.TimesStat) cpuPercent {
	dt := cpuTotal(cur) - cpuTotal(prev)
	if dt <= 0 {
		return cpuPercent{}
	}
	pct := func(a, b float64) float64 {
		v := (b - a) / dt * 100
		switch {
		case v < 0:
			return 0
		case v > 100:
			return 100
		}
		return v
	}
	idle := pct(prev.Idle+prev.Iowait, cur.Idle+cur.Iowait)
	return cpuPercent{
		total:  100 - idle,
		user:   pct(prev.User+prev.Nice, cur.User+cur.Nice),
		system: pct(prev.System+prev.Irq+prev.Softirq, cur.System+cur.Irq+cur.Softirq),
		iowait: pct(prev.Iowait, cur.Iowait),
	}
}

// diskSamples picks the tracked devices from counters, sorted by name.
func diskSamples(counters map[string]disk.IOCountersStat, configured []string) []models.DiskSample {
	var names []string
	if len(configured) > 0 {
		for _, name := range configured {
			if _, ok := counters[name]; ok {
				names = append(names, name)
			}
		}
	} else {
		for name := range counters {
			if physicalDisk.MatchString(name) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
	}

	out := make([]models.DiskSample, 0, len(names))
	for _, name := range names {
		st := counters[name]
		busy := int64(st.IoTime)
		out = append(out, models.DiskSample{
			Device:          name,
			ReadBytesTotal:  int64(st.ReadBytes),
			WriteBytesTotal: int64(st.WriteBytes),
			ReadCountTotal:  int64(st.ReadCount),
			WriteCountTotal: int64(st.WriteCount),
			BusyTimeMsTotal: &busy,
		})
	}
	return out
}

// HostInfo describes the machine for enrollment and agent metadata.
type HostInfo struct {
	Hostname string
	Platform string
}

// DescribeHost returns the hostname and a platform string such as
// "ubuntu 24.04 (linux 6.8.0, x86_64)".
func DescribeHost(ctx context.Context) HostInfo {
	info := HostInfo{Platform: runtime.GOOS + "/" + runtime.GOARCH}
	if h, err := os.Hostname(); err == nil {
		info.Hostname = h
	}
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return info
	}
	if info.Hostname == "" {
		info.Hostname = hi.Hostname
	}
	if hi.Platform != "" {
		info.Platform = fmt.Sprintf("%s %s (%s %s, %s)", hi.Platform, hi.PlatformVersion, hi.OS, hi.KernelVersion, hi.KernelArch)
	}
	return info
}
