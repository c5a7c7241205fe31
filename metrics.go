package peerwire

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "peerwire"

var (
	messagesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "messages_read_total",
		Help:      "Peer wire messages received, by type.",
	}, []string{"type"})
	messagesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "messages_written_total",
		Help:      "Peer wire messages handed to transports, by type.",
	}, []string{"type"})
	bytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "bytes_read_total",
	})
	bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "bytes_written_total",
	})
	connStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "conn_state_transitions_total",
		Help:      "Connection state changes, by the state entered.",
	}, []string{"state"})
)
