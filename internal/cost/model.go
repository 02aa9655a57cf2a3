package cost

import (
	"math"
	"strings"
)

const (
	// MinCost and MaxCost clamp the scalar so one overloaded factor
	// cannot blow up routing math.
	MinCost = 1.0
	MaxCost = 100.0

	lowBatteryPercent = 20.0
	queueFreeDepth    = 10
	queueStepSize     = 10
)

// Tunables are the multipliers the model applies. Owners can soften
// them in config; zero values fall back to defaults.
type Tunables struct {
	Battery    float64 // applied while unplugged
	BatteryLow float64 // applied additionally below 20%
	Thermal    float64
	Metered    float64
	QueueStep  float64 // per +10 queue depth above 10
}

// DefaultTunables returns the shipped multipliers.
func DefaultTunables() Tunables {
	return Tunables{Battery: 1.5, BatteryLow: 2.0, Thermal: 1.5, Metered: 3.0, QueueStep: 1.2}
}

func (t Tunables) withDefaults() Tunables {
	d := DefaultTunables()
	if t.Battery <= 0 {
		t.Battery = d.Battery
	}
	if t.BatteryLow <= 0 {
		t.BatteryLow = d.BatteryLow
	}
	if t.Thermal <= 0 {
		t.Thermal = d.Thermal
	}
	if t.Metered <= 0 {
		t.Metered = d.Metered
	}
	if t.QueueStep <= 0 {
		t.QueueStep = d.QueueStep
	}
	return t
}

// GPUWork reports whether work of the given capability class runs on
// the GPU. Only those classes pay the gpu multiplier; a tool call on
// a node whose GPU is busy should not look expensive.
func GPUWork(ctype string) bool {
	return strings.HasPrefix(ctype, "llm/") ||
		strings.HasPrefix(ctype, "vision/") ||
		strings.HasPrefix(ctype, "ml/")
}

// Model turns raw factors into the scalar cost.
type Model struct {
	t Tunables
}

// NewModel builds a model; zero tunables get defaults.
func NewModel(t Tunables) *Model {
	return &Model{t: t.withDefaults()}
}

// Compute runs the multiplicative formula. Every factor contributes a
// multiplier starting from 1.0; unknown measurements contribute 1.0
// and mark the result low confidence. The breakdown records each
// factor actually applied.
func (m *Model) Compute(f Factors) Computed {
	out := Computed{Cost: 1.0, Breakdown: make(map[string]float64, 8)}

	if f.BatteryPowered {
		mult := m.t.Battery
		if f.BatteryPercent == nil {
			out.LowConfidence = true
		} else if *f.BatteryPercent < lowBatteryPercent {
			mult *= m.t.BatteryLow
		}
		out.Cost *= mult
		out.Breakdown["battery"] = mult
	}

	if f.CPULoad != nil {
		mult := 1.0 + *f.CPULoad
		out.Cost *= mult
		out.Breakdown["cpu"] = mult
	} else {
		out.LowConfidence = true
	}

	if f.GPUInference {
		if f.GPULoad != nil {
			mult := 1.0 + 2.0**f.GPULoad
			out.Cost *= mult
			out.Breakdown["gpu"] = mult
		} else {
			out.LowConfidence = true
		}
	}

	if f.MemoryPressure != nil {
		mult := 1.0 + *f.MemoryPressure
		out.Cost *= mult
		out.Breakdown["memory"] = mult
	} else {
		out.LowConfidence = true
	}

	if f.ThermalThrottled {
		out.Cost *= m.t.Thermal
		out.Breakdown["thermal"] = m.t.Thermal
	}

	if f.NetworkMetered {
		out.Cost *= m.t.Metered
		out.Breakdown["metered"] = m.t.Metered
	}

	if f.QueueDepth > queueFreeDepth {
		steps := (f.QueueDepth - queueFreeDepth + queueStepSize - 1) / queueStepSize
		mult := math.Pow(m.t.QueueStep, float64(steps))
		out.Cost *= mult
		out.Breakdown["queue"] = mult
	}

	if out.Cost < MinCost {
		out.Cost = MinCost
	}
	if out.Cost > MaxCost {
		out.Cost = MaxCost
	}
	return out
}
