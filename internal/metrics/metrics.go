package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Turns          *prometheus.CounterVec
	TurnFailures   *prometheus.CounterVec
	TurnDuration   prometheus.Histogram
	Actions        *prometheus.CounterVec
	Clarifications *prometheus.CounterVec
	LLMTokens      *prometheus.CounterVec
	LLMCostUSD     *prometheus.CounterVec
	FlagFailures   prometheus.Counter
	EnqueuedJobs   prometheus.Counter
	ProcessedJobs  prometheus.Counter
	FailedJobs     prometheus.Counter
	UpdatesTotal   prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pi",
				Name:      "turns_total",
				Help:      "Chat turns handled, by source",
			}, []string{"source"}),
			TurnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pi",
				Name:      "turn_failures_total",
				Help:      "Chat turns that ended with an error event, by reason",
			}, []string{"reason"}),
			TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "pi",
				Name:      "turn_duration_seconds",
				Help:      "Wall time of a chat turn",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
			}),
			Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pi",
				Name:      "actions_total",
				Help:      "Planned actions by method and outcome",
			}, []string{"method", "result"}),
			Clarifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pi",
				Name:      "clarifications_total",
				Help:      "Clarifications by transition",
			}, []string{"transition"}),
			LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pi",
				Name:      "llm_tokens_total",
				Help:      "LLM tokens by model and kind",
			}, []string{"model", "kind"}),
			LLMCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pi",
				Name:      "llm_cost_usd_total",
				Help:      "Priced LLM spend in USD by model",
			}, []string{"model"}),
			FlagFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pi",
				Name:      "feature_flag_failures_total",
				Help:      "Failed feature flag lookups",
			}),
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pi",
				Name:      "queue_enqueued_total",
				Help:      "Total turn jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pi",
				Name:      "queue_processed_total",
				Help:      "Total turn jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pi",
				Name:      "queue_failed_total",
				Help:      "Total turn jobs failed during processing",
			}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "pi",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
		}
		prometheus.MustRegister(
			global.Turns, global.TurnFailures, global.TurnDuration, global.Actions, global.Clarifications,
			global.LLMTokens, global.LLMCostUSD, global.FlagFailures,
			global.EnqueuedJobs, global.ProcessedJobs, global.FailedJobs, global.UpdatesTotal,
		)
	})
	return global
}
