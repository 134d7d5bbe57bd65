package jit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports runtime counters to Prometheus.
type Metrics struct {
	Dispatches     prometheus.Counter
	BlocksCompiled prometheus.Counter
	CacheClears    *prometheus.CounterVec
	LinksPatched   prometheus.Counter
	Fallbacks      prometheus.Counter
	Exceptions     prometheus.Counter
	CodeBytes      prometheus.Gauge
	LiveBlocks     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dynarec", Name: "dispatches_total",
			Help: "Block dispatches performed by the dispatcher loop.",
		}),
		BlocksCompiled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dynarec", Name: "blocks_compiled_total",
			Help: "Guest blocks translated.",
		}),
		CacheClears: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dynarec", Name: "cache_clears_total",
			Help: "Full code cache clears by reason.",
		}, []string{"reason"}),
		LinksPatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dynarec", Name: "links_patched_total",
			Help: "Dispatch exits patched into direct block links.",
		}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dynarec", Name: "interpreter_fallbacks_total",
			Help: "Instructions stepped by the interpreter outside generated code.",
		}),
		Exceptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dynarec", Name: "exception_exits_total",
			Help: "Blocks left through a precise guest exception.",
		}),
		CodeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dynarec", Name: "code_space_used_bytes",
			Help: "Bytes of code space in use.",
		}),
		LiveBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dynarec", Name: "live_blocks",
			Help: "Blocks currently in the cache.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.Dispatches, m.BlocksCompiled, m.CacheClears, m.LinksPatched,
		m.Fallbacks, m.Exceptions, m.CodeBytes, m.LiveBlocks,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
