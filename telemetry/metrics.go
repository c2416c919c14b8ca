// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesEnqueued  prometheus.Counter
	MessagesPersisted prometheus.Counter
	MessagesRequeued  prometheus.Counter
	MalformedWALLines prometheus.Counter
	DrainCycles       prometheus.Counter
	WhoisRequests     prometheus.Counter
	WhoisReplies      prometheus.Counter
	WhoisCacheHits    prometheus.Counter
	WhoisCacheMisses  prometheus.Counter
	IRCReconnects     prometheus.Counter
	AggBatches        prometheus.Counter
	AggTokens         prometheus.Counter

	// Histograms (seconds)
	DrainDuration    prometheus.Observer
	AggBatchDuration prometheus.Observer

	// Gauges
	IRCConnectedGauge prometheus.Gauge // 1=connected,0=disconnected
	WALBacklogGauge   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesEnqueued = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_enqueued_total", Help: "Number of chat messages appended to the WAL"})
		MessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_persisted_total", Help: "Number of chat messages committed to the message store"})
		MessagesRequeued = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_requeued_total", Help: "Number of chat messages re-queued (identity pending or persist failure)"})
		MalformedWALLines = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_wal_malformed_lines_total", Help: "Number of WAL lines skipped as unparseable"})
		DrainCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_wal_drain_cycles_total", Help: "Number of WAL drain cycles (drainOnce invocations)"})
		WhoisRequests = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_whois_requests_total", Help: "Number of WHOIS lookups dispatched to IRC"})
		WhoisReplies = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_whois_replies_total", Help: "Number of WHOIS replies received"})
		WhoisCacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_whois_cache_hits_total", Help: "Number of identity lookups answered from cache"})
		WhoisCacheMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_whois_cache_misses_total", Help: "Number of identity lookups with no fresh cache entry"})
		IRCReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_irc_reconnects_total", Help: "Number of IRC reconnect attempts"})
		AggBatches = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_agg_batches_total", Help: "Number of aggregation batches committed"})
		AggTokens = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_agg_tokens_total", Help: "Number of tokens folded into word counts"})
		DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_wal_drain_duration_seconds", Help: "WAL drain cycle duration seconds", Buckets: prometheus.DefBuckets})
		AggBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_agg_batch_duration_seconds", Help: "Aggregation batch duration seconds", Buckets: prometheus.DefBuckets})
		IRCConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_irc_connected", Help: "IRC session established=1 down=0"})
		WALBacklogGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_wal_backlog_records", Help: "Records currently sitting in the WAL files"})
	})
}

// SetIRCConnected sets the connection gauge to 1 if up else 0.
func SetIRCConnected(up bool) {
	if IRCConnectedGauge != nil {
		if up {
			IRCConnectedGauge.Set(1)
		} else {
			IRCConnectedGauge.Set(0)
		}
	}
}

// SetWALBacklog records the current WAL backlog size.
func SetWALBacklog(n int) {
	if WALBacklogGauge != nil {
		WALBacklogGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
