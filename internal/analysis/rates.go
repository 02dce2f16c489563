// Package analysis turns raw cumulative counters into per-second rates,
// rolls per-device values up to snapshot level, and classifies the dominant
// bottleneck of a sample. Nothing in this package performs I/O.
package analysis

import (
	"math"
	"time"

	"github.com/vesaa/talonscope/internal/models"
)

// Interval returns the seconds elapsed since the previous reading, or nil
// when there is no previous reading or the clock did not move forward.
func Interval(prev *time.Time, cur time.Time) *float64 {
	if prev == nil {
		return nil
	}
	dt := cur.Sub(*prev).Seconds()
	if dt <= 0 {
		return nil
	}
	return &dt
}

// CounterRate is the per-second increase of a cumulative counter over dt.
// A decrease (reboot, wraparound, replaced device) is treated as no increase.
func CounterRate(cur, prev int64, dt float64) float64 {
	if !(dt > 0) || cur <= prev {
		return 0
	}
	// cur > prev, so the two's complement difference is exact even when the
	// signed subtraction would overflow.
	return float64(uint64(cur)-uint64(prev)) / dt
}

// ClampPercent bounds v to [0, 100]. NaN maps to 0.
func ClampPercent(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

// DiskRates are the per-second rates derived for one device.
type DiskRates struct {
	ReadBps     float64
	WriteBps    float64
	ReadIOPS    float64
	WriteIOPS   float64
	UtilPercent float64
}

// DeriveDiskRates computes rates for cur against the same device in the
// previous snapshot. Without a previous reading or a positive interval every
// rate is zero. Utilization needs busy time on both sides.
func DeriveDiskRates(cur models.DiskSample, prev *models.DiskMetric, interval *float64) DiskRates {
	if prev == nil || interval == nil || !(*interval > 0) {
		return DiskRates{}
	}
	dt := *interval
	rates := DiskRates{
		ReadBps:   CounterRate(cur.ReadBytesTotal, prev.ReadBytesTotal, dt),
		WriteBps:  CounterRate(cur.WriteBytesTotal, prev.WriteBytesTotal, dt),
		ReadIOPS:  CounterRate(cur.ReadCountTotal, prev.ReadCountTotal, dt),
		WriteIOPS: CounterRate(cur.WriteCountTotal, prev.WriteCountTotal, dt),
	}
	if cur.BusyTimeMsTotal != nil && prev.BusyTimeMsTotal != nil {
		busyMsPerSec := CounterRate(*cur.BusyTimeMsTotal, *prev.BusyTimeMsTotal, dt)
		rates.UtilPercent = ClampPercent(busyMsPerSec / 1000 * 100)
	}
	return rates
}

// DeriveNetworkRates computes receive and transmit bytes per second against
// the totals stored on the previous snapshot.
func DeriveNetworkRates(rxTotal, txTotal int64, prev *models.MetricSnapshot, interval *float64) (rxBps, txBps float64) {
	if prev == nil || interval == nil || !(*interval > 0) {
		return 0, 0
	}
	return CounterRate(rxTotal, prev.NetworkRxBytesTotal, *interval),
		CounterRate(txTotal, prev.NetworkTxBytesTotal, *interval)
}
