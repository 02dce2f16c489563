package ingest

import (
	"math"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/vesaa/talonscope/internal/models"
)

// Field caps applied before storage.
const (
	maxDeviceLen  = 64
	maxGPUNameLen = 200
	maxGPUUUIDLen = 128
	maxFanLabel   = 64
)

// Payload is a decoded ingest body after coercion.
type Payload struct {
	Sample models.Sample
	Agent  map[string]any
	// RetentionDays overrides the configured horizon when the agent sends an
	// integral retention_days.
	RetentionDays *int
}

// ParsePayload splits an ingest body into sample, agent metadata and the
// optional retention override. A body without an object-valued "sample" is
// treated as the sample itself.
func ParsePayload(body map[string]any, now time.Time) Payload {
	raw, ok := body["sample"].(map[string]any)
	if !ok {
		raw = body
	}
	p := Payload{Sample: NormalizeSample(raw, now)}
	if agent, ok := body["agent"].(map[string]any); ok {
		p.Agent = agent
	}
	if days, ok := wholeNumber(body["retention_days"]); ok {
		p.RetentionDays = &days
	}
	return p
}

// NormalizeSample coerces an untrusted sample map into a models.Sample.
// Unparsable floats become nil, unparsable integers become 0, strings are
// capped, and rows without identity or duplicating an earlier row are dropped.
func NormalizeSample(raw map[string]any, now time.Time) models.Sample {
	s := models.Sample{
		CollectedAt:          collectedAt(raw["collected_at"], now),
		CPUUsagePercent:      floatOrZero(raw["cpu_usage_percent"]),
		CPUUserPercent:       toFloat(raw["cpu_user_percent"]),
		CPUSystemPercent:     toFloat(raw["cpu_system_percent"]),
		CPUIowaitPercent:     toFloat(raw["cpu_iowait_percent"]),
		CPULoad1:             toFloat(raw["cpu_load_1"]),
		CPULoad5:             toFloat(raw["cpu_load_5"]),
		CPULoad15:            toFloat(raw["cpu_load_15"]),
		CPUFrequencyMHz:      toFloat(raw["cpu_frequency_mhz"]),
		CPUTemperatureC:      toFloat(raw["cpu_temperature_c"]),
		CPUCountLogical:      int(toInt(raw["cpu_count_logical"])),
		MemoryTotalBytes:     toInt(raw["memory_total_bytes"]),
		MemoryUsedBytes:      toInt(raw["memory_used_bytes"]),
		MemoryAvailableBytes: toInt(raw["memory_available_bytes"]),
		MemoryPercent:        floatOrZero(raw["memory_percent"]),
		SwapTotalBytes:       toInt(raw["swap_total_bytes"]),
		SwapUsedBytes:        toInt(raw["swap_used_bytes"]),
		SwapPercent:          floatOrZero(raw["swap_percent"]),
		NetworkRxBytesTotal:  toInt(raw["network_rx_bytes_total"]),
		NetworkTxBytesTotal:  toInt(raw["network_tx_bytes_total"]),
		ProcessCount:         int(toInt(raw["process_count"])),
	}
	if n := int(toInt(raw["cpu_count_physical"])); n != 0 {
		s.CPUCountPhysical = &n
	}

	seenDisk := map[string]bool{}
	for _, d := range objects(raw["disks"]) {
		device := truncate(strings.TrimSpace(cast.ToString(d["device"])), maxDeviceLen)
		if device == "" || seenDisk[device] {
			continue
		}
		seenDisk[device] = true
		disk := models.DiskSample{
			Device:          device,
			ReadBytesTotal:  toInt(d["read_bytes_total"]),
			WriteBytesTotal: toInt(d["write_bytes_total"]),
			ReadCountTotal:  toInt(d["read_count_total"]),
			WriteCountTotal: toInt(d["write_count_total"]),
		}
		if busy, ok := toIntOK(d["busy_time_ms_total"]); ok {
			disk.BusyTimeMsTotal = &busy
		}
		s.Disks = append(s.Disks, disk)
	}

	seenGPU := map[int]bool{}
	for _, g := range objects(raw["gpus"]) {
		idx := int(toInt(g["gpu_index"]))
		if seenGPU[idx] {
			continue
		}
		seenGPU[idx] = true
		name := truncate(strings.TrimSpace(cast.ToString(g["name"])), maxGPUNameLen)
		if name == "" {
			name = "GPU"
		}
		s.GPUs = append(s.GPUs, models.GPUSample{
			GPUIndex:                 idx,
			Name:                     name,
			UUID:                     truncate(cast.ToString(g["uuid"]), maxGPUUUIDLen),
			UtilizationGPUPercent:    toFloat(g["utilization_gpu_percent"]),
			UtilizationMemoryPercent: toFloat(g["utilization_memory_percent"]),
			MemoryTotalBytes:         toInt(g["memory_total_bytes"]),
			MemoryUsedBytes:          toInt(g["memory_used_bytes"]),
			MemoryPercent:            toFloat(g["memory_percent"]),
			TemperatureC:             toFloat(g["temperature_c"]),
			FanSpeedPercent:          toFloat(g["fan_speed_percent"]),
			PowerW:                   toFloat(g["power_w"]),
			PowerLimitW:              toFloat(g["power_limit_w"]),
		})
	}

	seenFan := map[string]bool{}
	for _, f := range objects(raw["fans"]) {
		label := truncate(strings.TrimSpace(cast.ToString(f["label"])), maxFanLabel)
		if label == "" {
			label = "Fan"
		}
		if seenFan[label] {
			continue
		}
		seenFan[label] = true
		s.Fans = append(s.Fans, models.FanSample{Label: label, SpeedRPM: toInt(f["speed_rpm"])})
	}
	return s
}

// ── coercion helpers ─────────────────────────────────────────────────────────

func toFloat(v any) *float64 {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func floatOrZero(v any) float64 {
	if f := toFloat(v); f != nil {
		return *f
	}
	return 0
}

func toIntOK(v any) (int64, bool) {
	if v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.Abs(n) >= math.MaxInt64 {
			return 0, false
		}
	case string:
		v = strings.TrimSpace(n)
	}
	i, err := cast.ToInt64E(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

func toInt(v any) int64 {
	i, _ := toIntOK(v)
	return i
}

func wholeNumber(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int(n), true
		}
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}

func collectedAt(v any, now time.Time) time.Time {
	if v == nil || v == "" {
		return now.UTC()
	}
	t, err := cast.ToTimeE(v)
	if err != nil || t.IsZero() {
		return now.UTC()
	}
	return t.UTC()
}

// objects returns the object elements of a JSON array, skipping the rest.
func objects(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
