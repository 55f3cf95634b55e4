package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govr_messages_received_total",
		Help: "Inbound protocol messages by kind.",
	}, []string{"kind"})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govr_messages_sent_total",
		Help: "Outbound protocol messages by kind.",
	}, []string{"kind"})

	sendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govr_send_failures_total",
		Help: "Messages that could not be posted to a peer.",
	})

	clientRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govr_client_requests_total",
		Help: "Client requests accepted over HTTP.",
	})
)
