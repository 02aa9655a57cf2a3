package cost

// Factors is one sample of the device signals that feed the cost
// model. Float fields are pointers: nil means the platform could not
// measure it, which the model treats as neutral and flags as low
// confidence rather than guessing.
type Factors struct {
	BatteryPowered   bool     `json:"battery_powered"`
	BatteryPercent   *float64 `json:"battery_percent,omitempty"`
	CPULoad          *float64 `json:"cpu_load,omitempty"` // 1.0 = all cores busy
	GPULoad          *float64 `json:"gpu_load,omitempty"`
	GPUInference     bool     `json:"gpu_inference,omitempty"`
	MemoryPressure   *float64 `json:"memory_pressure,omitempty"` // 0..1
	ThermalThrottled bool     `json:"thermal_throttled,omitempty"`
	NetworkMetered   bool     `json:"network_metered,omitempty"`
	QueueDepth       int      `json:"queue_depth,omitempty"`
}

// Computed is the scalar the mesh trades on, with the per-factor
// breakdown kept for routing explanations.
type Computed struct {
	Cost          float64            `json:"cost"`
	LowConfidence bool               `json:"low_confidence,omitempty"`
	Breakdown     map[string]float64 `json:"breakdown,omitempty"`
}

// Update is the cost_update gossip payload.
type Update struct {
	NodeID        string             `json:"node_id"`
	Cost          float64            `json:"cost"`
	LowConfidence bool               `json:"low_confidence,omitempty"`
	Factors       Factors            `json:"factors"`
	Breakdown     map[string]float64 `json:"breakdown,omitempty"`
}

// Float is a convenience for building literal Factors in tests and
// samplers.
func Float(v float64) *float64 { return &v }

// significantChange reports whether next differs enough from prev to
// warrant an immediate broadcast instead of waiting for the cadence:
// battery moved 10 points, cpu moved 0.2, or the metered/thermal
// flags flipped.
func significantChange(prev, next Factors) bool {
	if prev.NetworkMetered != next.NetworkMetered || prev.ThermalThrottled != next.ThermalThrottled {
		return true
	}
	if prev.BatteryPowered != next.BatteryPowered {
		return true
	}
	if floatMoved(prev.BatteryPercent, next.BatteryPercent, 10) {
		return true
	}
	return floatMoved(prev.CPULoad, next.CPULoad, 0.2)
}

// floatMoved reports whether a measurement shifted by at least min,
// appeared, or vanished. A reading that comes or goes changes the
// cost confidence, which peers need to hear about as much as a jump.
func floatMoved(a, b *float64, min float64) bool {
	if a == nil && b == nil {
		return false
	}
	if a == nil || b == nil {
		return true
	}
	d := *a - *b
	if d < 0 {
		d = -d
	}
	return d >= min
}
