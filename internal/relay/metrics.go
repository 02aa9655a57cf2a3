package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts relay traffic. Frames are labeled by what happened to
// them: deliver, broadcast or drop.
type Metrics struct {
	Rooms   prometheus.Gauge
	Clients prometheus.Gauge
	Frames  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *Metrics
)

func relayMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInst = &Metrics{
			Rooms: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "atmosphere_relay_rooms",
				Help: "Mesh rooms currently open on this relay.",
			}),
			Clients: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "atmosphere_relay_clients",
				Help: "Node sockets currently connected to this relay.",
			}),
			Frames: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "atmosphere_relay_frames_total",
				Help: "Frames handled by this relay.",
			}, []string{"action"}),
		}
	})
	return metricsInst
}
