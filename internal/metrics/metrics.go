package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	OrdersTotal       *prometheus.CounterVec
	TradesTotal       *prometheus.CounterVec
	TradedVolume      *prometheus.CounterVec
	CommandLatency    *prometheus.HistogramVec
	InstrumentHalted  *prometheus.GaugeVec
	SnapshotRebuilds  *prometheus.CounterVec
	SinkQueueDepth    prometheus.Gauge
	SinkDropsTotal    prometheus.Counter
	SinkFailuresTotal *prometheus.CounterVec
	ReplicationErrors *prometheus.CounterVec
}

// New builds the collectors and registers them with reg. Registration
// errors are ignored so a shared registry can be reused across tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clob_orders_total", Help: "Order commands by symbol, command and result",
		}, []string{"symbol", "command", "result"}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clob_trades_total", Help: "Trades executed by symbol",
		}, []string{"symbol"}),
		TradedVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clob_traded_quantity_total", Help: "Quantity traded by symbol",
		}, []string{"symbol"}),
		CommandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "clob_command_latency_seconds", Help: "Time spent executing one book command",
			Buckets: prometheus.ExponentialBuckets(0.000005, 2, 16),
		}, []string{"symbol", "command"}),
		InstrumentHalted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clob_instrument_halted", Help: "1 when the instrument stopped after an invariant violation",
		}, []string{"symbol"}),
		SnapshotRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clob_snapshot_rebuilds_total", Help: "Snapshot rebuilds by symbol and trigger",
		}, []string{"symbol", "trigger"}),
		SinkQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clob_settlement_queue_depth", Help: "Events waiting for the settlement sinks",
		}),
		SinkDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clob_settlement_drops_total", Help: "Events dropped because the settlement queue was full",
		}),
		SinkFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clob_settlement_failures_total", Help: "Events a sink gave up on after retries",
		}, []string{"sink"}),
		ReplicationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clob_snapshot_replication_errors_total", Help: "Snapshot replication failures by target",
		}, []string{"target"}),
	}
	toRegister := []prometheus.Collector{
		m.OrdersTotal, m.TradesTotal, m.TradedVolume, m.CommandLatency, m.InstrumentHalted,
		m.SnapshotRebuilds, m.SinkQueueDepth, m.SinkDropsTotal, m.SinkFailuresTotal, m.ReplicationErrors,
	}
	for _, c := range toRegister {
		_ = reg.Register(c)
	}
	return m
}

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
