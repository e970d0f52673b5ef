package slack

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "analytics_slack_bot_build_info",
			Help: "Build information of the analytics Slack bot",
		},
		[]string{"version", "commit", "date"},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_slack_bot_messages_total",
			Help: "Total number of questions handled, by outcome",
		},
		[]string{"outcome"},
	)

	ResponseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analytics_slack_bot_response_duration_seconds",
			Help:    "Time from receiving a question to posting the answer",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	SlackAPIErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_slack_bot_slack_api_errors_total",
			Help: "Total number of failed Slack API calls",
		},
		[]string{"method"},
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_slack_bot_in_flight",
			Help: "Number of questions currently being answered",
		},
	)
)
