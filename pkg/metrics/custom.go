package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tokenex"

var (
	RateLimitBlockTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_block_total",
		Help:      "Total number of rate limit blocks.",
	}, []string{"route"})

	HTTPPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_panics_total",
		Help:      "Panics recovered in http handlers.",
	}, []string{"route"})

	CBRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuitbreaker_reject_total",
		Help:      "Total number of circuit breaker rejections.",
	}, []string{"name", "reason"})

	CBState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuitbreaker_state",
		Help:      "Circuit breaker state (0/1).",
	}, []string{"name", "state"})

	// 引擎
	EngineCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "engine_commands_total",
		Help:      "Commands executed by the engine actor.",
	}, []string{"type", "result"})

	EngineCommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "engine_command_duration_seconds",
		Help:      "Time from dequeue to reply, including journal flush.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"type"})

	EngineMailboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "engine_mailbox_depth",
	})

	EngineBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "engine_batch_size",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
	})

	JournalFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "journal_flush_duration_seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	JournalSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "journal_last_seq",
	})

	SnapshotTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_total",
	}, []string{"result"})

	// 事件下游
	PublishedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "published_events_total",
	}, []string{"type"})

	PublisherSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "publisher_last_seq",
	})

	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_errors_total",
	}, []string{"sink"})

	WsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
	})

	WsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ws_dropped_total",
		Help:      "Messages dropped because a client send queue was full.",
	})

	TokenTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_transfers_total",
	}, []string{"token", "direction", "result"})

	// 拉币成功但 journal 没写进去，需要人工对账
	UnrecordedDeposits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unrecorded_deposits_total",
		Help:      "Deposits pulled into custody whose journal write failed.",
	})
)
