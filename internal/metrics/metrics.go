// Package metrics holds the prometheus collectors of the trust and safety pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesScored counts scored messages by outcome.
	MessagesScored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safechat_messages_scored_total",
			Help: "Chat messages run through the risk scorer",
		},
		[]string{"flagged"},
	)

	// RiskScores tracks the distribution of computed risk scores.
	RiskScores = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "safechat_message_risk_score",
			Help:    "Risk score of scored chat messages",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	AlertsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "safechat_alerts_created_total",
			Help: "Monitoring alerts created for flagged messages",
		},
	)

	// MonitoringGaps counts flagged messages that could not be escalated.
	MonitoringGaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safechat_monitoring_gaps_total",
			Help: "Flagged messages left without a monitoring alert",
		},
		[]string{"reason"},
	)

	Assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safechat_assignments_total",
			Help: "Work assignments by item type and outcome",
		},
		[]string{"item_type", "result"},
	)

	LedgerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safechat_ledger_transitions_total",
			Help: "Escrow ledger operations by target status",
		},
		[]string{"status", "result"},
	)

	FanoutDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safechat_fanout_deliveries_total",
			Help: "Realtime events handed to live connections",
		},
		[]string{"type", "result"},
	)

	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "safechat_active_connections",
			Help: "Live client connections on this instance",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesScored,
		RiskScores,
		AlertsCreated,
		MonitoringGaps,
		Assignments,
		LedgerTransitions,
		FanoutDeliveries,
		ActiveConnections,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to the "ok"/"error" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
