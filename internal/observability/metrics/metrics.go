package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Metrics exposes the application-level counters surfaced on /metrics.
type Metrics struct {
	PagesFetched  *prometheus.CounterVec
	RowsUpserted  *prometheus.CounterVec
	SyncRuns      *prometheus.CounterVec
	WebhookEvents *prometheus.CounterVec
	FKRetries     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiwisync_pages_fetched_total",
			Help: "Upstream pages fetched, by resource.",
		}, []string{"resource"}),
		RowsUpserted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiwisync_rows_upserted_total",
			Help: "Rows written to the mirror, by resource.",
		}, []string{"resource"}),
		SyncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiwisync_runs_total",
			Help: "Sync runs, by outcome.",
		}, []string{"outcome"}),
		WebhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kiwisync_webhook_events_total",
			Help: "Webhook events received, by outcome.",
		}, []string{"outcome"}),
		FKRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "kiwisync_sales_fk_retries_total",
			Help: "Sales writes retried after a foreign key violation.",
		}),
	}
}

func provide() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

var Module = fx.Module("metrics",
	fx.Provide(provide),
)
