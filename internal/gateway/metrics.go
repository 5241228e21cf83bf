package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the WebSocket gateway
// These metrics can be scraped by Prometheus and visualized in Grafana
var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalr_gateway_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signalr_gateway_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalr_gateway_connections_failed_total",
		Help: "Total number of failed connection attempts",
	})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalr_gateway_messages_sent_total",
		Help: "Total number of messages sent to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalr_gateway_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalr_gateway_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	slowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalr_gateway_slow_clients_disconnected_total",
		Help: "Total number of slow clients disconnected",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsFailed)
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(slowClientsDisconnected)
}
