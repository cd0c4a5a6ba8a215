package topology

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
//                              拓扑指标
// ============================================================================

// metrics 拓扑层指标
type metrics struct {
	peers      prometheus.Gauge
	nodes      prometheus.Gauge
	broadcasts prometheus.Counter
}

// newMetrics 创建并注册指标
//
// registerer 为 nil 时指标不注册（测试中常见多个实例共存）。
func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gomesh",
			Subsystem: "topology",
			Name:      "peers",
			Help:      "Number of tracked active peers.",
		}),
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gomesh",
			Subsystem: "topology",
			Name:      "nodes",
			Help:      "Number of known nodes, including self.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gomesh",
			Subsystem: "topology",
			Name:      "broadcasts_total",
			Help:      "Number of node summary broadcasts sent.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(m.peers, m.nodes, m.broadcasts)
	}
	return m
}
