package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
//                              消息指标
// ============================================================================

// metrics 消息层指标
type metrics struct {
	sent      prometheus.Counter
	delivered prometheus.Counter
	forwarded prometheus.Counter
	rejected  prometheus.Counter
}

// newMetrics 创建并注册指标
//
// registerer 为 nil 时指标不注册。
func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gomesh",
			Subsystem: "messaging",
			Name:      "sent_total",
			Help:      "Number of locally originated Data frames.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gomesh",
			Subsystem: "messaging",
			Name:      "delivered_total",
			Help:      "Number of Data frames delivered to the application.",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gomesh",
			Subsystem: "messaging",
			Name:      "forwarded_total",
			Help:      "Number of Data frames forwarded for other nodes.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gomesh",
			Subsystem: "messaging",
			Name:      "rejected_total",
			Help:      "Number of Data frames rejected with DataReject.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(m.sent, m.delivered, m.forwarded, m.rejected)
	}
	return m
}
