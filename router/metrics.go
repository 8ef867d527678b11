package router

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "qbridge_router"

type metrics struct {
	framesIn  *prometheus.CounterVec
	framesOut *prometheus.CounterVec
	channels  prometheus.Gauge
	unmatched prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		framesIn: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      "frames_received_total",
				Help:      "Count of frames received from the peer, by kind.",
			},
			[]string{"kind"},
		),
		framesOut: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      "frames_sent_total",
				Help:      "Count of frames sent to the peer, by kind.",
			},
			[]string{"kind"},
		),
		channels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Subsystem: subsystem,
				Name:      "open_channels",
				Help:      "Number of channels with a live route.",
			},
		),
		unmatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      "unmatched_open_total",
				Help:      "Count of open requests no routing rule accepted.",
			},
		),
	}
	if reg == nil {
		return m
	}
	// Routers serving concurrent connections share one set of collectors.
	m.framesIn = register(reg, m.framesIn).(*prometheus.CounterVec)
	m.framesOut = register(reg, m.framesOut).(*prometheus.CounterVec)
	m.channels = register(reg, m.channels).(prometheus.Gauge)
	m.unmatched = register(reg, m.unmatched).(prometheus.Counter)
	return m
}

func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
