// Package metrics defines the named metrics collaborator this module
// depends on without owning: metrics registry wiring is treated as an
// external concern, so this package exposes only the Sink interface
// components call into, plus a thin prometheus.Registerer-backed default
// for callers that do want a real registry without this module
// prescribing one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the narrow interface components depend on: a handful of named
// gauges and counters, not a registry. The archive writer is the only
// caller in this module.
type Sink interface {
	SetGauge(name string, value float64)
	IncCounter(name string)
}

// NoOp discards everything; the default when no Sink is wired in.
type NoOp struct{}

func (NoOp) SetGauge(string, float64) {}
func (NoOp) IncCounter(string)        {}

// Prometheus adapts a prometheus.Registerer into a Sink, lazily
// registering one gauge/counter per distinct name on first use.
type Prometheus struct {
	reg      prometheus.Registerer
	gauges   map[string]prometheus.Gauge
	counters map[string]prometheus.Counter
}

// NewPrometheus wraps reg as a Sink.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	return &Prometheus{
		reg:      reg,
		gauges:   make(map[string]prometheus.Gauge),
		counters: make(map[string]prometheus.Counter),
	}
}

func (p *Prometheus) SetGauge(name string, value float64) {
	g, ok := p.gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{Name: name})
		if err := p.reg.Register(g); err != nil {
			return
		}
		p.gauges[name] = g
	}
	g.Set(value)
}

func (p *Prometheus) IncCounter(name string) {
	c, ok := p.counters[name]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{Name: name})
		if err := p.reg.Register(c); err != nil {
			return
		}
		p.counters[name] = c
	}
	c.Inc()
}
