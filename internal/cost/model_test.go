package cost

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fullSample measures everything so no factor reads as low confidence.
func fullSample() Factors {
	return Factors{
		BatteryPercent: Float(80),
		CPULoad:        Float(0),
		MemoryPressure: Float(0),
	}
}

func TestComputeIdleDesktop(t *testing.T) {
	m := NewModel(Tunables{})
	out := m.Compute(fullSample())
	assert.Equal(t, MinCost, out.Cost)
	assert.False(t, out.LowConfidence)
	assert.NotContains(t, out.Breakdown, "battery")
}

func TestComputeMultipliers(t *testing.T) {
	m := NewModel(Tunables{})

	t.Run("battery", func(t *testing.T) {
		f := fullSample()
		f.BatteryPowered = true
		out := m.Compute(f)
		assert.InDelta(t, 1.5, out.Cost, 1e-9)
		assert.InDelta(t, 1.5, out.Breakdown["battery"], 1e-9)
	})

	t.Run("battery low doubles the battery multiplier", func(t *testing.T) {
		f := fullSample()
		f.BatteryPowered = true
		f.BatteryPercent = Float(15)
		out := m.Compute(f)
		assert.InDelta(t, 3.0, out.Cost, 1e-9)
	})

	t.Run("cpu load", func(t *testing.T) {
		f := fullSample()
		f.CPULoad = Float(0.5)
		out := m.Compute(f)
		assert.InDelta(t, 1.5, out.Cost, 1e-9)
	})

	t.Run("gpu inference", func(t *testing.T) {
		f := fullSample()
		f.GPUInference = true
		f.GPULoad = Float(0.5)
		out := m.Compute(f)
		assert.InDelta(t, 2.0, out.Cost, 1e-9)
	})

	t.Run("thermal and metered", func(t *testing.T) {
		f := fullSample()
		f.ThermalThrottled = true
		f.NetworkMetered = true
		out := m.Compute(f)
		assert.InDelta(t, 1.5*3.0, out.Cost, 1e-9)
	})

	t.Run("queue depth steps", func(t *testing.T) {
		f := fullSample()
		f.QueueDepth = 10
		assert.InDelta(t, 1.0, m.Compute(f).Cost, 1e-9, "free depth is uncharged")

		f.QueueDepth = 11
		assert.InDelta(t, 1.2, m.Compute(f).Cost, 1e-9)

		f.QueueDepth = 35
		assert.InDelta(t, math.Pow(1.2, 3), m.Compute(f).Cost, 1e-9)
	})
}

func TestComputeClamps(t *testing.T) {
	m := NewModel(Tunables{})

	f := Factors{
		BatteryPowered:   true,
		BatteryPercent:   Float(5),
		CPULoad:          Float(1.0),
		GPUInference:     true,
		GPULoad:          Float(1.0),
		MemoryPressure:   Float(1.0),
		ThermalThrottled: true,
		NetworkMetered:   true,
		QueueDepth:       200,
	}
	out := m.Compute(f)
	assert.Equal(t, MaxCost, out.Cost)
}

func TestComputeLowConfidence(t *testing.T) {
	m := NewModel(Tunables{})

	out := m.Compute(Factors{})
	assert.True(t, out.LowConfidence, "nothing measured")

	f := fullSample()
	f.BatteryPowered = true
	f.BatteryPercent = nil
	out = m.Compute(f)
	assert.True(t, out.LowConfidence, "on battery with unknown percent")

	f = fullSample()
	f.GPUInference = true
	out = m.Compute(f)
	assert.True(t, out.LowConfidence, "gpu advertised but load unknown")
}

func TestCustomTunables(t *testing.T) {
	m := NewModel(Tunables{Battery: 1.1})
	f := fullSample()
	f.BatteryPowered = true
	assert.InDelta(t, 1.1, m.Compute(f).Cost, 1e-9)

	// unset tunables keep their defaults
	f = fullSample()
	f.NetworkMetered = true
	assert.InDelta(t, 3.0, m.Compute(f).Cost, 1e-9)
}

func TestSignificantChange(t *testing.T) {
	base := Factors{BatteryPercent: Float(50), CPULoad: Float(0.3)}

	cases := []struct {
		name string
		next Factors
		want bool
	}{
		{"identical", Factors{BatteryPercent: Float(50), CPULoad: Float(0.3)}, false},
		{"battery drifted slightly", Factors{BatteryPercent: Float(45), CPULoad: Float(0.3)}, false},
		{"battery dropped 10 points", Factors{BatteryPercent: Float(40), CPULoad: Float(0.3)}, true},
		{"cpu spiked", Factors{BatteryPercent: Float(50), CPULoad: Float(0.6)}, true},
		{"unplugged", Factors{BatteryPowered: true, BatteryPercent: Float(50), CPULoad: Float(0.3)}, true},
		{"went metered", Factors{BatteryPercent: Float(50), CPULoad: Float(0.3), NetworkMetered: true}, true},
		{"measurement vanished", Factors{BatteryPercent: Float(50)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, significantChange(base, tc.next))
		})
	}

	t.Run("measurement appeared", func(t *testing.T) {
		assert.True(t, significantChange(Factors{BatteryPercent: Float(50)}, base))
	})
}

func TestTableFreshness(t *testing.T) {
	tbl := NewTable(50 * time.Millisecond)

	cost, low := tbl.Get("unknown")
	assert.Equal(t, 1.0, cost)
	assert.True(t, low, "missing entries read neutral and low confidence")

	tbl.Put(Update{NodeID: "n1", Cost: 2.5})
	cost, low = tbl.Get("n1")
	assert.Equal(t, 2.5, cost)
	assert.False(t, low)

	u, ok := tbl.Latest("n1")
	require.True(t, ok)
	assert.Equal(t, 2.5, u.Cost)

	rows := tbl.All()
	require.Len(t, rows, 1)
	assert.Equal(t, "n1", rows[0].NodeID)
	assert.False(t, rows[0].ReceivedAt.IsZero())

	time.Sleep(70 * time.Millisecond)
	cost, low = tbl.Get("n1")
	assert.Equal(t, 1.0, cost)
	assert.True(t, low, "stale entries read neutral")
	_, ok = tbl.Latest("n1")
	assert.False(t, ok)
	assert.Empty(t, tbl.All())
	assert.Equal(t, 1, tbl.Len(), "stale entries stay tracked until forgotten")

	tbl.Forget("n1")
	assert.Equal(t, 0, tbl.Len())
}
