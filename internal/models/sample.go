package models

import "time"

// Sample is one raw collection cycle as produced by an agent: point-in-time
// gauges plus cumulative counters. It is also the normalized form handed to
// the snapshot store after coercion of an inbound payload.
type Sample struct {
	CollectedAt time.Time `json:"collected_at"`

	CPUUsagePercent  float64  `json:"cpu_usage_percent"`
	CPUUserPercent   *float64 `json:"cpu_user_percent"`
	CPUSystemPercent *float64 `json:"cpu_system_percent"`
	CPUIowaitPercent *float64 `json:"cpu_iowait_percent"`
	CPULoad1         *float64 `json:"cpu_load_1"`
	CPULoad5         *float64 `json:"cpu_load_5"`
	CPULoad15        *float64 `json:"cpu_load_15"`
	CPUFrequencyMHz  *float64 `json:"cpu_frequency_mhz"`
	CPUTemperatureC  *float64 `json:"cpu_temperature_c"`
	CPUCountLogical  int      `json:"cpu_count_logical"`
	CPUCountPhysical *int     `json:"cpu_count_physical"`

	MemoryTotalBytes     int64   `json:"memory_total_bytes"`
	MemoryUsedBytes      int64   `json:"memory_used_bytes"`
	MemoryAvailableBytes int64   `json:"memory_available_bytes"`
	MemoryPercent        float64 `json:"memory_percent"`
	SwapTotalBytes       int64   `json:"swap_total_bytes"`
	SwapUsedBytes        int64   `json:"swap_used_bytes"`
	SwapPercent          float64 `json:"swap_percent"`

	NetworkRxBytesTotal int64 `json:"network_rx_bytes_total"`
	NetworkTxBytesTotal int64 `json:"network_tx_bytes_total"`
	ProcessCount        int   `json:"process_count"`

	Disks []DiskSample `json:"disks"`
	GPUs  []GPUSample  `json:"gpus"`
	Fans  []FanSample  `json:"fans"`
}

// DiskSample carries the cumulative I/O counters of one block device.
type DiskSample struct {
	Device          string `json:"device"`
	ReadBytesTotal  int64  `json:"read_bytes_total"`
	WriteBytesTotal int64  `json:"write_bytes_total"`
	ReadCountTotal  int64  `json:"read_count_total"`
	WriteCountTotal int64  `json:"write_count_total"`
	BusyTimeMsTotal *int64 `json:"busy_time_ms_total"`
}

// GPUSample is one GPU device reading.
type GPUSample struct {
	GPUIndex                 int      `json:"gpu_index"`
	Name                     string   `json:"name"`
	UUID                     string   `json:"uuid"`
	UtilizationGPUPercent    *float64 `json:"utilization_gpu_percent"`
	UtilizationMemoryPercent *float64 `json:"utilization_memory_percent"`
	MemoryTotalBytes         int64    `json:"memory_total_bytes"`
	MemoryUsedBytes          int64    `json:"memory_used_bytes"`
	MemoryPercent            *float64 `json:"memory_percent"`
	TemperatureC             *float64 `json:"temperature_c"`
	FanSpeedPercent          *float64 `json:"fan_speed_percent"`
	PowerW                   *float64 `json:"power_w"`
	PowerLimitW              *float64 `json:"power_limit_w"`
}

// FanSample is one fan tachometer reading.
type FanSample struct {
	Label    string `json:"label"`
	SpeedRPM int64  `json:"speed_rpm"`
}

// AgentEnvelope is the ingest request body: the sample plus agent metadata.
type AgentEnvelope struct {
	Sample        *Sample        `json:"sample"`
	Agent         map[string]any `json:"agent,omitempty"`
	RetentionDays *int           `json:"retention_days,omitempty"`
}
