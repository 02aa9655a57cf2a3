//go:build linux

package cost

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// linuxSampler reads /proc and /sys. Anything missing (desktop
// without a battery, container without thermal zones) stays nil or
// false rather than guessed.
type linuxSampler struct {
	procRoot string
	sysRoot  string
}

// NewPlatformSampler returns the sampler for this OS.
func NewPlatformSampler() Sampler {
	return &linuxSampler{procRoot: "/proc", sysRoot: "/sys"}
}

func (s *linuxSampler) Sample(_ context.Context) (Factors, error) {
	var f Factors
	s.sampleCPU(&f)
	s.sampleMemory(&f)
	s.sampleBattery(&f)
	s.sampleThermal(&f)
	return f, nil
}

func (s *linuxSampler) sampleCPU(f *Factors) {
	raw, err := os.ReadFile(filepath.Join(s.procRoot, "loadavg"))
	if err != nil {
		return
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return
	}
	cores := float64(runtime.NumCPU())
	if cores <= 0 {
		cores = 1
	}
	f.CPULoad = Float(load1 / cores)
}

func (s *linuxSampler) sampleMemory(f *Factors) {
	raw, err := os.ReadFile(filepath.Join(s.procRoot, "meminfo"))
	if err != nil {
		return
	}
	var totalKB, availKB float64
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
	}
	if totalKB <= 0 {
		return
	}
	pressure := 1.0 - availKB/totalKB
	if pressure < 0 {
		pressure = 0
	}
	f.MemoryPressure = Float(pressure)
}

func (s *linuxSampler) sampleBattery(f *Factors) {
	base := filepath.Join(s.sysRoot, "class", "power_supply")
	entries, err := os.ReadDir(base)
	if err != nil {
		return
	}
	for _, e := range entries {
		dir := filepath.Join(base, e.Name())
		typ, err := os.ReadFile(filepath.Join(dir, "type"))
		if err != nil || strings.TrimSpace(string(typ)) != "Battery" {
			continue
		}
		if cap, err := os.ReadFile(filepath.Join(dir, "capacity")); err == nil {
			if pct, err := strconv.ParseFloat(strings.TrimSpace(string(cap)), 64); err == nil {
				f.BatteryPercent = Float(pct)
			}
		}
		if st, err := os.ReadFile(filepath.Join(dir, "status")); err == nil {
			switch strings.TrimSpace(string(st)) {
			case "Discharging", "Not charging":
				f.BatteryPowered = true
			}
		}
		return
	}
}

func (s *linuxSampler) sampleThermal(f *Factors) {
	// A tripped passive/critical trip point shows up as cooling
	// device state > 0 on most laptops; fall back to "not throttled"
	// when the zone tree is absent.
	base := filepath.Join(s.sysRoot, "class", "thermal")
	entries, err := os.ReadDir(base)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "cooling_device") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(base, e.Name(), "cur_state"))
		if err != nil {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && n > 0 {
			f.ThermalThrottled = true
			return
		}
	}
}
