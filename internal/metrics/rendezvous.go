// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NotificationsDelivered counts successful KeysExists notify
	// fan-out deliveries.
	NotificationsDelivered = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Total number of connected-key notifications delivered to subscribers.",
		},
	)

	// IdentifyAttempts counts every Identify request handled, regardless
	// of outcome.
	IdentifyAttempts = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identify_attempts_total",
			Help:      "Total number of Identify requests received.",
		},
	)

	// IdentifySuccess counts Identify requests that resulted in a new
	// identity.
	IdentifySuccess = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identify_success_total",
			Help:      "Total number of Identify requests that succeeded.",
		},
	)

	// IdentifyFailure counts Identify requests rejected, labeled by the
	// error kind from IdentifyReqError.
	IdentifyFailure = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identify_failure_total",
			Help:      "Total number of Identify requests rejected, by reason.",
		},
		[]string{"reason"},
	)

	// KeysExistsQueries counts KeysExists requests handled.
	KeysExistsQueries = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_exists_queries_total",
			Help:      "Total number of KeysExists requests received.",
		},
	)

	// CommunicateRequests counts Communicate requests, labeled by
	// success/failure.
	CommunicateRequests = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "communicate_requests_total",
			Help:      "Total number of Communicate requests, by result.",
		},
		[]string{"result"},
	)

	// ConnectedServers tracks the current size of a node's connected
	// server set.
	ConnectedServers = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_servers",
			Help:      "Current number of peers connected as servers.",
		},
	)

	// IdentifiedKeys tracks the current size of a node's identified-key
	// set.
	IdentifiedKeys = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identified_keys",
			Help:      "Current number of public keys identified to this node.",
		},
	)
)
