package agent

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/vesaa/talonscope/internal/models"
)

var cpuChips = map[string]bool{
	"coretemp":    true,
	"k10temp":     true,
	"cpu_thermal": true,
	"cpu-thermal": true,
	"acpitz":      true,
}

// probeSensors runs lm-sensors for fan speeds and the CPU temperature.
func probeSensors(ctx context.Context) ([]models.FanSample, *float64) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "sensors").Output()
	if err != nil {
		return nil, nil
	}
	return parseSensors(string(out))
}

// parseSensors reads the text output of `sensors`. Chips are separated by
// blank lines and open with a "<chip>-<bus>-<addr>" line. Readings look like
// "fan1:  1200 RPM  (min = 0 RPM)" or "Package id 0:  +45.0°C  (high = ...)".
// The CPU temperature is the hottest CPU-looking reading, falling back to
// the hottest reading of any chip.
func parseSensors(out string) ([]models.FanSample, *float64) {
	var (
		fans              []models.FanSample
		seen              = map[string]bool{}
		chip              string
		preferred, anyMax *float64
	)
	keepMax := func(dst **float64, v float64) {
		if *dst == nil || v > **dst {
			x := v
			*dst = &x
		}
	}

	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			chip = ""
			continue
		}
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			if chip == "" {
				chip = strings.TrimSpace(line)
			}
			continue
		}
		label = strings.TrimSpace(label)
		fields := strings.Fields(value)
		if len(fields) == 0 || label == "Adapter" {
			continue
		}

		if len(fields) >= 2 && fields[1] == "RPM" {
			rpm, err := strconv.ParseFloat(fields[0], 64)
			if err != nil {
				continue
			}
			name := label
			if seen[name] && chip != "" {
				name = chipName(chip) + " " + label
			}
			seen[name] = true
			fans = append(fans, models.FanSample{Label: name, SpeedRPM: int64(rpm)})
			continue
		}

		if temp, ok := celsius(fields[0]); ok {
			keepMax(&anyMax, temp)
			l := strings.ToLower(label)
			if cpuChips[chipName(chip)] || strings.Contains(l, "cpu") || strings.Contains(l, "package") || strings.HasPrefix(l, "tctl") {
				keepMax(&preferred, temp)
			}
		}
	}

	if preferred != nil {
		return fans, preferred
	}
	return fans, anyMax
}

// chipName strips the bus and address from a chip line: "coretemp-isa-0000"
// becomes "coretemp".
func chipName(chip string) string {
	if strings.HasPrefix(chip, "cpu-thermal") {
		return "cpu-thermal"
	}
	if i := strings.Index(chip, "-"); i > 0 {
		return chip[:i]
	}
	return chip
}

// celsius parses readings such as "+45.0°C".
func celsius(field string) (float64, bool) {
	v, ok := strings.CutSuffix(field, "°C")
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimPrefix(v, "+"), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
