package analysis

import "fmt"

// Label names the dominant resource constraint of a snapshot.
type Label string

const (
	LabelMemoryPressure Label = "memory-pressure"
	LabelIOBound        Label = "io-bound"
	LabelCPUBound       Label = "cpu-bound"
	LabelGPUBound       Label = "gpu-bound"
	LabelIdle           Label = "idle"
	LabelBalanced       Label = "balanced"
	LabelUnderutilized  Label = "underutilized"
	LabelMixedCPUGPU    Label = "mixed-cpu-gpu"
	LabelMixedIOGPU     Label = "mixed-io-gpu"
	LabelMixed          Label = "mixed"
)

// Labels lists every label Classify can return.
var Labels = []Label{
	LabelMemoryPressure, LabelIOBound, LabelCPUBound, LabelGPUBound, LabelIdle,
	LabelBalanced, LabelUnderutilized, LabelMixedCPUGPU, LabelMixedIOGPU, LabelMixed,
}

// Signals is the input vector of the classifier. Percentages outside
// [0, 100] are clamped. GPUTopUtilPercent is nil when no GPU reported
// utilization this cycle.
type Signals struct {
	CPUPercent        float64
	IOWaitPercent     *float64
	MemoryPercent     float64
	SwapPercent       float64
	GPUTopUtilPercent *float64
	DiskUtilPercent   float64
	DiskReadBps       float64
	DiskWriteBps      float64
}

// Verdict is a bottleneck label with its confidence in [0, 1] and a short
// display reason citing the deciding values.
type Verdict struct {
	Label      Label
	Confidence float64
	Reason     string
}

const bytesPerMiB = 1024 * 1024

// Classify maps s to exactly one label. It is total and deterministic; the
// confidence values are fixed policy constants.
func Classify(s Signals) Verdict {
	cpu := ClampPercent(s.CPUPercent)
	mem := ClampPercent(s.MemoryPercent)
	swap := ClampPercent(s.SwapPercent)
	disk := ClampPercent(s.DiskUtilPercent)
	var iowait float64
	if s.IOWaitPercent != nil {
		iowait = ClampPercent(*s.IOWaitPercent)
	}
	diskMiBps := (nonNegative(s.DiskReadBps) + nonNegative(s.DiskWriteBps)) / bytesPerMiB

	if s.GPUTopUtilPercent == nil {
		return classifyHost(cpu, iowait, mem, swap, disk)
	}
	gpu := ClampPercent(*s.GPUTopUtilPercent)

	if mem >= 95 || swap >= 20 || (swap >= 5 && mem >= 80) {
		return verdict(LabelMemoryPressure, 0.90, "Memory %.0f%% / swap %.0f%%", mem, swap)
	}

	if gpu < 55 {
		switch {
		case disk >= 70 || iowait >= 15:
			return verdict(LabelIOBound, 0.88, "GPU %.0f%% low while disk %.0f%% / iowait %.0f%%", gpu, disk, iowait)
		case cpu >= 85:
			return verdict(LabelCPUBound, 0.87, "GPU %.0f%% low while CPU %.0f%% is high", gpu, cpu)
		case mem >= 88 || (swap >= 8 && mem >= 75):
			return verdict(LabelMemoryPressure, 0.75, "GPU %.0f%% low while memory %.0f%% is high", gpu, mem)
		case gpu < 20 && cpu < 30 && disk < 25:
			return verdict(LabelIdle, 0.85, "GPU, CPU, and disk activity are all low")
		default:
			return verdict(LabelUnderutilized, 0.55, "GPU %.0f%% below target; check dataloader or batch size", gpu)
		}
	}

	switch {
	case gpu >= 90 && cpu < 80 && disk < 70 && iowait < 10:
		return verdict(LabelGPUBound, 0.90, "GPU %.0f%% saturated while CPU %.0f%% and disk %.0f%% are lower", gpu, cpu, disk)
	case cpu >= 90 && gpu >= 70:
		return verdict(LabelMixedCPUGPU, 0.72, "CPU %.0f%% and GPU %.0f%% are both high", cpu, gpu)
	case disk >= 85 && gpu >= 60:
		return verdict(LabelMixedIOGPU, 0.70, "Disk util %.0f%% and GPU %.0f%% are both high", disk, gpu)
	case gpu >= 55 && gpu < 90 && cpu < 80 && disk < 70 && diskMiBps < 2048:
		return verdict(LabelBalanced, 0.65, "GPU %.0f%% with CPU %.0f%% and disk util %.0f%%", gpu, cpu, disk)
	default:
		return verdict(LabelMixed, 0.50, "CPU %.0f%%, GPU %.0f%%, disk %.0f%%", cpu, gpu, disk)
	}
}

// classifyHost is the decision tree used when no GPU telemetry is present.
func classifyHost(cpu, iowait, mem, swap, disk float64) Verdict {
	switch {
	case mem >= 92 || swap >= 20 || (swap >= 5 && mem >= 80):
		return verdict(LabelMemoryPressure, 0.82, "Memory %.0f%% / swap %.0f%%", mem, swap)
	case disk >= 80 || iowait >= 20:
		return verdict(LabelIOBound, 0.74, "Disk util %.0f%% / iowait %.0f%%", disk, iowait)
	case cpu >= 85:
		return verdict(LabelCPUBound, 0.78, "CPU %.0f%% with no GPU telemetry", cpu)
	case cpu < 15:
		return verdict(LabelIdle, 0.90, "Low CPU and no GPU telemetry")
	default:
		return verdict(LabelBalanced, 0.45, "No GPU telemetry available")
	}
}

func verdict(label Label, confidence float64, format string, args ...any) Verdict {
	reason := format
	if len(args) > 0 {
		reason = fmt.Sprintf(format, args...)
	}
	return Verdict{Label: label, Confidence: confidence, Reason: reason}
}

func nonNegative(v float64) float64 {
	if v > 0 {
		return v
	}
	return 0
}
