package analysis

import (
	"github.com/vesaa/talonscope/internal/models"
)

const maxReasonLen = 255

// BuildSnapshot derives the snapshot for sample. prev is the server's
// immediately preceding snapshot with its disks loaded, or nil. Per-device
// rates match disks by device name; a device absent from prev gets zero rates.
func BuildSnapshot(serverID uint, sample models.Sample, prev *models.MetricSnapshot) *models.MetricSnapshot {
	var interval *float64
	prevDisks := map[string]*models.DiskMetric{}
	if prev != nil {
		interval = Interval(&prev.CollectedAt, sample.CollectedAt)
		for i := range prev.Disks {
			prevDisks[prev.Disks[i].Device] = &prev.Disks[i]
		}
	}

	snap := &models.MetricSnapshot{
		ServerID:             serverID,
		CollectedAt:          sample.CollectedAt,
		IntervalSeconds:      interval,
		CPUUsagePercent:      sample.CPUUsagePercent,
		CPUUserPercent:       sample.CPUUserPercent,
		CPUSystemPercent:     sample.CPUSystemPercent,
		CPUIowaitPercent:     sample.CPUIowaitPercent,
		CPULoad1:             sample.CPULoad1,
		CPULoad5:             sample.CPULoad5,
		CPULoad15:            sample.CPULoad15,
		CPUFrequencyMHz:      sample.CPUFrequencyMHz,
		CPUTemperatureC:      sample.CPUTemperatureC,
		CPUCountLogical:      sample.CPUCountLogical,
		CPUCountPhysical:     sample.CPUCountPhysical,
		MemoryTotalBytes:     sample.MemoryTotalBytes,
		MemoryUsedBytes:      sample.MemoryUsedBytes,
		MemoryAvailableBytes: sample.MemoryAvailableBytes,
		MemoryPercent:        sample.MemoryPercent,
		SwapTotalBytes:       sample.SwapTotalBytes,
		SwapUsedBytes:        sample.SwapUsedBytes,
		SwapPercent:          sample.SwapPercent,
		NetworkRxBytesTotal:  sample.NetworkRxBytesTotal,
		NetworkTxBytesTotal:  sample.NetworkTxBytesTotal,
		ProcessCount:         sample.ProcessCount,
	}

	// ── Disks ────────────────────────────────────────────────────────────────
	utils := make([]float64, 0, len(sample.Disks))
	for _, d := range sample.Disks {
		r := DeriveDiskRates(d, prevDisks[d.Device], interval)
		snap.DiskReadBps += r.ReadBps
		snap.DiskWriteBps += r.WriteBps
		snap.DiskReadIOPS += r.ReadIOPS
		snap.DiskWriteIOPS += r.WriteIOPS
		utils = append(utils, r.UtilPercent)
		snap.Disks = append(snap.Disks, models.DiskMetric{
			Device:          d.Device,
			ReadBytesTotal:  d.ReadBytesTotal,
			WriteBytesTotal: d.WriteBytesTotal,
			ReadCountTotal:  d.ReadCountTotal,
			WriteCountTotal: d.WriteCountTotal,
			BusyTimeMsTotal: d.BusyTimeMsTotal,
			ReadBps:         r.ReadBps,
			WriteBps:        r.WriteBps,
			ReadIOPS:        r.ReadIOPS,
			WriteIOPS:       r.WriteIOPS,
			UtilPercent:     r.UtilPercent,
		})
	}
	snap.DiskUtilPercent, snap.DiskAvgUtilPercent = MaxMean(utils)

	// ── Network ──────────────────────────────────────────────────────────────
	snap.NetworkRxBps, snap.NetworkTxBps = DeriveNetworkRates(sample.NetworkRxBytesTotal, sample.NetworkTxBytesTotal, prev, interval)

	// ── GPUs ─────────────────────────────────────────────────────────────────
	gpuUtil := make([]*float64, 0, len(sample.GPUs))
	gpuMem := make([]*float64, 0, len(sample.GPUs))
	for _, g := range sample.GPUs {
		gpuUtil = append(gpuUtil, g.UtilizationGPUPercent)
		gpuMem = append(gpuMem, g.MemoryPercent)
		snap.GPUs = append(snap.GPUs, models.GpuMetric{
			GPUIndex:                 g.GPUIndex,
			Name:                     g.Name,
			UUID:                     g.UUID,
			UtilizationGPUPercent:    g.UtilizationGPUPercent,
			UtilizationMemoryPercent: g.UtilizationMemoryPercent,
			MemoryTotalBytes:         g.MemoryTotalBytes,
			MemoryUsedBytes:          g.MemoryUsedBytes,
			MemoryPercent:            g.MemoryPercent,
			TemperatureC:             g.TemperatureC,
			FanSpeedPercent:          g.FanSpeedPercent,
			PowerW:                   g.PowerW,
			PowerLimitW:              g.PowerLimitW,
		})
	}
	snap.GPUPresent = len(sample.GPUs) > 0
	snap.GPUCount = len(sample.GPUs)
	snap.TopGPUUtilPercent, snap.AvgGPUUtilPercent = OptionalMaxMean(gpuUtil)
	snap.TopGPUMemoryPercent, snap.AvgGPUMemoryPercent = OptionalMaxMean(gpuMem)

	// ── Fans ─────────────────────────────────────────────────────────────────
	speeds := make([]int64, 0, len(sample.Fans))
	for _, f := range sample.Fans {
		speeds = append(speeds, f.SpeedRPM)
		snap.Fans = append(snap.Fans, models.FanMetric{Label: f.Label, SpeedRPM: f.SpeedRPM})
	}
	snap.FanCount = len(sample.Fans)
	snap.FanMaxRPM, snap.FanAvgRPM = RPMRollup(speeds)

	// ── Classification ───────────────────────────────────────────────────────
	v := Classify(Signals{
		CPUPercent:        snap.CPUUsagePercent,
		IOWaitPercent:     snap.CPUIowaitPercent,
		MemoryPercent:     snap.MemoryPercent,
		SwapPercent:       snap.SwapPercent,
		GPUTopUtilPercent: snap.TopGPUUtilPercent,
		DiskUtilPercent:   snap.DiskUtilPercent,
		DiskReadBps:       snap.DiskReadBps,
		DiskWriteBps:      snap.DiskWriteBps,
	})
	snap.Bottleneck = string(v.Label)
	snap.BottleneckConfidence = v.Confidence
	snap.BottleneckReason = truncate(v.Reason, maxReasonLen)
	return snap
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
