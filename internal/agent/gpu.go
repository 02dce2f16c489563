package agent

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/vesaa/talonscope/internal/models"
)

const probeTimeout = 2 * time.Second

var nvidiaSMIArgs = []string{
	"--query-gpu=index,name,uuid,utilization.gpu,utilization.memory,memory.total,memory.used,temperature.gpu,fan.speed,power.draw,power.limit",
	"--format=csv,noheader,nounits",
}

// probeGPUs asks nvidia-smi for per-device readings. Hosts without it
// report no GPUs.
func probeGPUs(ctx context.Context) []models.GPUSample {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "nvidia-smi", nvidiaSMIArgs...).Output()
	if err != nil {
		return nil
	}
	return parseNvidiaSMI(string(out))
}

// parseNvidiaSMI reads nvidia-smi CSV rows in nvidiaSMIArgs column order.
// Memory is reported in MiB.
func parseNvidiaSMI(out string) []models.GPUSample {
	var gpus []models.GPUSample
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		parts := strings.Split(sc.Text(), ",")
		if len(parts) < 11 {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		var index int
		if v := csvNumber(parts[0]); v != nil {
			index = int(*v)
		}
		total := mibToBytes(csvNumber(parts[5]))
		used := mibToBytes(csvNumber(parts[6]))
		var memPct *float64
		if total > 0 {
			p := float64(used) / float64(total) * 100
			memPct = &p
		}

		gpus = append(gpus, models.GPUSample{
			GPUIndex:                 index,
			Name:                     parts[1],
			UUID:                     parts[2],
			UtilizationGPUPercent:    csvNumber(parts[3]),
			UtilizationMemoryPercent: csvNumber(parts[4]),
			MemoryTotalBytes:         total,
			MemoryUsedBytes:          used,
			MemoryPercent:            memPct,
			TemperatureC:             csvNumber(parts[7]),
			FanSpeedPercent:          csvNumber(parts[8]),
			PowerW:                   csvNumber(parts[9]),
			PowerLimitW:              csvNumber(parts[10]),
		})
	}
	return gpus
}

// csvNumber parses one nvidia-smi field; "N/A" and "[Not Supported]" are nil.
func csvNumber(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "", "N/A", "[N/A]", "[Not Supported]":
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}

func mibToBytes(v *float64) int64 {
	if v == nil {
		return 0
	}
	return int64(*v * 1024 * 1024)
}
