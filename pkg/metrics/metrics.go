package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "messages",
			Name:      "appended_total",
			Help:      "Messages accepted by the message store",
		},
		[]string{"type"},
	)

	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "send",
			Name:      "outcomes_total",
			Help:      "Optimistic sends by terminal state",
		},
		[]string{"state"},
	)

	ConversationsOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "registry",
			Name:      "conversations_opened_total",
			Help:      "Get-or-create calls by origin and whether a row was created",
		},
		[]string{"origin", "created"},
	)

	LiveResubscribesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "live",
			Name:      "resubscribes_total",
			Help:      "Live feed subscriptions re-established after a drop",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketchat",
			Subsystem: "notify",
			Name:      "dispatched_total",
			Help:      "Unread notifications handed to the notifier",
		},
		[]string{"status"},
	)
)
