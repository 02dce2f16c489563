package analysis_test

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vesaa/talonscope/internal/analysis"
	"github.com/vesaa/talonscope/internal/models"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestCounterRate_NeverNegative(t *testing.T) {
	tests := []struct {
		name      string
		cur, prev int64
		dt        float64
		want      float64
	}{
		{"increase", 2000, 1000, 10, 100},
		{"equal", 1000, 1000, 10, 0},
		{"reset after reboot", 10, 1 << 40, 5, 0},
		{"wraparound", math.MinInt64, math.MaxInt64, 1, 0},
		{"full range", math.MaxInt64, math.MinInt64, 1, float64(math.MaxUint64)},
		{"zero interval", 2000, 1000, 0, 0},
		{"negative interval", 2000, 1000, -3, 0},
		{"nan interval", 2000, 1000, math.NaN(), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := analysis.CounterRate(tt.cur, tt.prev, tt.dt)
			if got < 0 {
				t.Fatalf("rate %v is negative", got)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInterval(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if got := analysis.Interval(nil, base); got != nil {
		t.Errorf("no previous: got %v, want nil", *got)
	}
	if got := analysis.Interval(&base, base); got != nil {
		t.Errorf("duplicate timestamp: got %v, want nil", *got)
	}
	earlier := base.Add(-time.Minute)
	if got := analysis.Interval(&base, earlier); got != nil {
		t.Errorf("clock went backward: got %v, want nil", *got)
	}
	later := base.Add(30 * time.Second)
	got := analysis.Interval(&base, later)
	if got == nil || *got != 30 {
		t.Fatalf("got %v, want 30", got)
	}
}

func TestDeriveDiskRates(t *testing.T) {
	prev := &models.DiskMetric{
		Device:          "sda",
		ReadBytesTotal:  1_000,
		WriteBytesTotal: 5_000,
		ReadCountTotal:  10,
		WriteCountTotal: 50,
		BusyTimeMsTotal: i64(1_000),
	}

	tests := []struct {
		name     string
		cur      models.DiskSample
		prev     *models.DiskMetric
		interval *float64
		want     analysis.DiskRates
	}{
		{
			name: "steady state",
			cur: models.DiskSample{Device: "sda", ReadBytesTotal: 11_000, WriteBytesTotal: 25_000,
				ReadCountTotal: 30, WriteCountTotal: 90, BusyTimeMsTotal: i64(6_000)},
			prev:     prev,
			interval: f64(10),
			want:     analysis.DiskRates{ReadBps: 1000, WriteBps: 2000, ReadIOPS: 2, WriteIOPS: 4, UtilPercent: 50},
		},
		{
			name:     "utilization clamps at 100",
			cur:      models.DiskSample{Device: "sda", ReadBytesTotal: 1_000, WriteBytesTotal: 5_000, ReadCountTotal: 10, WriteCountTotal: 50, BusyTimeMsTotal: i64(50_000)},
			prev:     prev,
			interval: f64(10),
			want:     analysis.DiskRates{UtilPercent: 100},
		},
		{
			name:     "counters reset",
			cur:      models.DiskSample{Device: "sda", ReadBytesTotal: 10, BusyTimeMsTotal: i64(5)},
			prev:     prev,
			interval: f64(10),
			want:     analysis.DiskRates{},
		},
		{
			name:     "busy time missing on current",
			cur:      models.DiskSample{Device: "sda", ReadBytesTotal: 2_000, WriteBytesTotal: 5_000, ReadCountTotal: 10, WriteCountTotal: 50},
			prev:     prev,
			interval: f64(1),
			want:     analysis.DiskRates{ReadBps: 1000},
		},
		{
			name:     "no previous device",
			cur:      models.DiskSample{Device: "sdb", ReadBytesTotal: 2_000, BusyTimeMsTotal: i64(10)},
			interval: f64(1),
			want:     analysis.DiskRates{},
		},
		{
			name:     "no interval",
			cur:      models.DiskSample{Device: "sda", ReadBytesTotal: 2_000, BusyTimeMsTotal: i64(2_000)},
			prev:     prev,
			interval: nil,
			want:     analysis.DiskRates{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := analysis.DeriveDiskRates(tt.cur, tt.prev, tt.interval)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DeriveDiskRates() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDeriveNetworkRates(t *testing.T) {
	prev := &models.MetricSnapshot{NetworkRxBytesTotal: 1_000, NetworkTxBytesTotal: 9_000}

	rx, tx := analysis.DeriveNetworkRates(3_000, 4_000, prev, f64(2))
	if rx != 1000 || tx != 0 {
		t.Errorf("got rx=%v tx=%v, want rx=1000 tx=0", rx, tx)
	}

	rx, tx = analysis.DeriveNetworkRates(3_000, 4_000, nil, f64(2))
	if rx != 0 || tx != 0 {
		t.Errorf("no previous: got rx=%v tx=%v, want 0 0", rx, tx)
	}
}

func TestMaxMean(t *testing.T) {
	mx, mean := analysis.MaxMean([]float64{10, 50, 90})
	if mx != 90 || mean != 50 {
		t.Errorf("got max=%v mean=%v, want 90 50", mx, mean)
	}
	mx, mean = analysis.MaxMean(nil)
	if mx != 0 || mean != 0 {
		t.Errorf("empty: got max=%v mean=%v, want 0 0", mx, mean)
	}
}

func TestOptionalMaxMean_SkipsNil(t *testing.T) {
	mx, mean := analysis.OptionalMaxMean([]*float64{f64(20), nil, f64(60)})
	if mx == nil || mean == nil {
		t.Fatal("expected rollups for present values")
	}
	if *mx != 60 || *mean != 40 {
		t.Errorf("got max=%v mean=%v, want 60 40", *mx, *mean)
	}

	mx, mean = analysis.OptionalMaxMean([]*float64{nil, nil})
	if mx != nil || mean != nil {
		t.Errorf("all nil: got %v %v, want nil nil", mx, mean)
	}
}
