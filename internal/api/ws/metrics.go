package ws

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"tokenex.com/pkg/metrics"
)

var (
	connOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tokenex",
		Name:      "ws_conn_open_total",
		Help:      "Total websocket connections opened",
	})
	connCloseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokenex",
		Name:      "ws_conn_close_total",
		Help:      "Total websocket connections closed, partitioned by reason",
	}, []string{"reason"})

	subOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokenex",
		Name:      "ws_sub_ops_total",
	}, []string{"op"}) // sub/unsub

	msgsOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tokenex",
		Name:      "ws_msgs_out_total",
		Help:      "Logical messages sent out, not frames",
	})
	writeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tokenex",
		Name:      "ws_write_errors_total",
	})
	pingErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tokenex",
		Name:      "ws_ping_errors_total",
	})

	writeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tokenex",
		Name:      "ws_write_duration_seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms -> ~4s
	})
	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tokenex",
		Name:      "ws_batch_size",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})
)

func onOpen() {
	metrics.WsConnections.Inc()
	connOpenTotal.Inc()
}

func onClose(reason string) {
	metrics.WsConnections.Dec()
	connCloseTotal.WithLabelValues(reason).Inc()
}

func observeWrite(n int, dur time.Duration, err error) {
	if n > 0 {
		msgsOutTotal.Add(float64(n))
		batchSize.Observe(float64(n))
	}
	writeDuration.Observe(dur.Seconds())
	if err != nil {
		writeErrorsTotal.Inc()
	}
}
