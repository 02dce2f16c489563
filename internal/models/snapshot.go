package models

import "time"

// MetricSnapshot is one immutable measurement of a server's metric vector.
// Rate fields are derived at write time against the previous snapshot of the
// same server and never recomputed.
type MetricSnapshot struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	ServerID        uint      `gorm:"not null;index:idx_snapshot_server_collected,priority:1" json:"server_id"`
	CollectedAt     time.Time `gorm:"not null;index;index:idx_snapshot_server_collected,priority:2" json:"collected_at"`
	IntervalSeconds *float64  `json:"interval_seconds"`

	// ── CPU ──────────────────────────────────────────────────────────────────
	CPUUsagePercent  float64  `json:"cpu_usage_percent"`
	CPUUserPercent   *float64 `json:"cpu_user_percent"`
	CPUSystemPercent *float64 `json:"cpu_system_percent"`
	CPUIowaitPercent *float64 `json:"cpu_iowait_percent"`
	CPULoad1         *float64 `json:"cpu_load_1"`
	CPULoad5         *float64 `json:"cpu_load_5"`
	CPULoad15        *float64 `json:"cpu_load_15"`
	CPUFrequencyMHz  *float64 `gorm:"column:cpu_frequency_mhz" json:"cpu_frequency_mhz"`
	CPUTemperatureC  *float64 `json:"cpu_temperature_c"`
	CPUCountLogical  int      `json:"cpu_count_logical"`
	CPUCountPhysical *int     `json:"cpu_count_physical"`

	// ── Memory ───────────────────────────────────────────────────────────────
	MemoryTotalBytes     int64   `json:"memory_total_bytes"`
	MemoryUsedBytes      int64   `json:"memory_used_bytes"`
	MemoryAvailableBytes int64   `json:"memory_available_bytes"`
	MemoryPercent        float64 `json:"memory_percent"`
	SwapTotalBytes       int64   `json:"swap_total_bytes"`
	SwapUsedBytes        int64   `json:"swap_used_bytes"`
	SwapPercent          float64 `json:"swap_percent"`

	// ── Disk (summed rates, max/mean utilization) ────────────────────────────
	DiskReadBps        float64 `json:"disk_read_bps"`
	DiskWriteBps       float64 `json:"disk_write_bps"`
	DiskReadIOPS       float64 `json:"disk_read_iops"`
	DiskWriteIOPS      float64 `json:"disk_write_iops"`
	DiskUtilPercent    float64 `json:"disk_util_percent"`
	DiskAvgUtilPercent float64 `json:"disk_avg_util_percent"`

	// ── Network ──────────────────────────────────────────────────────────────
	NetworkRxBps        float64 `json:"network_rx_bps"`
	NetworkTxBps        float64 `json:"network_tx_bps"`
	NetworkRxBytesTotal int64   `json:"network_rx_bytes_total"`
	NetworkTxBytesTotal int64   `json:"network_tx_bytes_total"`

	ProcessCount int `json:"process_count"`

	// ── Fans ─────────────────────────────────────────────────────────────────
	FanCount  int      `json:"fan_count"`
	FanMaxRPM *int64   `json:"fan_max_rpm"`
	FanAvgRPM *float64 `json:"fan_avg_rpm"`

	// ── GPU rollups ──────────────────────────────────────────────────────────
	GPUPresent          bool     `gorm:"column:gpu_present" json:"gpu_present"`
	GPUCount            int      `gorm:"column:gpu_count" json:"gpu_count"`
	TopGPUUtilPercent   *float64 `gorm:"column:top_gpu_util_percent" json:"top_gpu_util_percent"`
	AvgGPUUtilPercent   *float64 `gorm:"column:avg_gpu_util_percent" json:"avg_gpu_util_percent"`
	TopGPUMemoryPercent *float64 `gorm:"column:top_gpu_memory_percent" json:"top_gpu_memory_percent"`
	AvgGPUMemoryPercent *float64 `gorm:"column:avg_gpu_memory_percent" json:"avg_gpu_memory_percent"`

	// ── Classification ───────────────────────────────────────────────────────
	Bottleneck           string  `gorm:"size:32;not null;index" json:"bottleneck"`
	BottleneckConfidence float64 `json:"bottleneck_confidence"`
	BottleneckReason     string  `gorm:"size:255" json:"bottleneck_reason"`

	CreatedAt time.Time `json:"-"`

	GPUs  []GpuMetric  `gorm:"foreignKey:SnapshotID;constraint:OnDelete:CASCADE" json:"gpus,omitempty"`
	Disks []DiskMetric `gorm:"foreignKey:SnapshotID;constraint:OnDelete:CASCADE" json:"disks,omitempty"`
	Fans  []FanMetric  `gorm:"foreignKey:SnapshotID;constraint:OnDelete:CASCADE" json:"fans,omitempty"`
}

// GpuMetric is one GPU device reading within a snapshot.
type GpuMetric struct {
	ID                       uint     `gorm:"primaryKey" json:"-"`
	SnapshotID               uint     `gorm:"not null;uniqueIndex:uniq_gpu_metric_per_snapshot_index,priority:1" json:"-"`
	GPUIndex                 int      `gorm:"column:gpu_index;not null;uniqueIndex:uniq_gpu_metric_per_snapshot_index,priority:2" json:"gpu_index"`
	Name                     string   `gorm:"size:200" json:"name"`
	UUID                     string   `gorm:"size:128" json:"uuid"`
	UtilizationGPUPercent    *float64 `gorm:"column:utilization_gpu_percent" json:"utilization_gpu_percent"`
	UtilizationMemoryPercent *float64 `json:"utilization_memory_percent"`
	MemoryTotalBytes         int64    `json:"memory_total_bytes"`
	MemoryUsedBytes          int64    `json:"memory_used_bytes"`
	MemoryPercent            *float64 `json:"memory_percent"`
	TemperatureC             *float64 `json:"temperature_c"`
	FanSpeedPercent          *float64 `json:"fan_speed_percent"`
	PowerW                   *float64 `json:"power_w"`
	PowerLimitW              *float64 `json:"power_limit_w"`
}

// DiskMetric keeps the cumulative counters of one block device, so the next
// snapshot can derive rates from them, plus the rates derived for this one.
type DiskMetric struct {
	ID              uint   `gorm:"primaryKey" json:"-"`
	SnapshotID      uint   `gorm:"not null;uniqueIndex:uniq_disk_metric_per_snapshot_device,priority:1" json:"-"`
	Device          string `gorm:"size:64;not null;uniqueIndex:uniq_disk_metric_per_snapshot_device,priority:2" json:"device"`
	ReadBytesTotal  int64  `json:"read_bytes_total"`
	WriteBytesTotal int64  `json:"write_bytes_total"`
	ReadCountTotal  int64  `json:"read_count_total"`
	WriteCountTotal int64  `json:"write_count_total"`
	BusyTimeMsTotal *int64 `json:"busy_time_ms_total"`

	ReadBps     float64 `json:"read_bps"`
	WriteBps    float64 `json:"write_bps"`
	ReadIOPS    float64 `json:"read_iops"`
	WriteIOPS   float64 `json:"write_iops"`
	UtilPercent float64 `json:"util_percent"`
}

// FanMetric is one fan tachometer reading within a snapshot.
type FanMetric struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	SnapshotID uint   `gorm:"not null;uniqueIndex:uniq_fan_metric_per_snapshot_label,priority:1" json:"-"`
	Label      string `gorm:"size:64;not null;uniqueIndex:uniq_fan_metric_per_snapshot_label,priority:2" json:"label"`
	SpeedRPM   int64  `json:"speed_rpm"`
}
