package rabbitmq

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector collects metrics for RabbitMQ client operations
type MetricsCollector interface {
	// Connection metrics
	ConnectionCreated()
	ConnectionClosed()
	ConnectionError(err error)

	// Channel metrics
	ChannelCreated()
	ChannelClosed()
	ChannelError(err error)

	// Message metrics
	MessagePublished()
	MessageConsumed()
	MessageAcked()
	MessageNacked()
	MessageRejected()
	MessageReturned()

	// Publisher confirm metrics
	ConfirmReceived(ack bool)
}

// StandardMetricsCollector provides a thread-safe metrics collector
type StandardMetricsCollector struct {
	connectionsCreated  atomic.Int64
	connectionsClosed   atomic.Int64
	connectionErrors    atomic.Int64

	channelsCreated     atomic.Int64
	channelsClosed      atomic.Int64
	channelErrors       atomic.Int64

	messagesPublished   atomic.Int64
	messagesConsumed    atomic.Int64
	messagesAcked       atomic.Int64
	messagesNacked      atomic.Int64
	messagesRejected    atomic.Int64
	messagesReturned    atomic.Int64

	confirmsAcked       atomic.Int64
	confirmsNacked      atomic.Int64
}

// NewStandardMetricsCollector creates a new standard metrics collector
func NewStandardMetricsCollector() *StandardMetricsCollector {
	return &StandardMetricsCollector{}
}

// Connection metrics
func (m *StandardMetricsCollector) ConnectionCreated() {
	m.connectionsCreated.Add(1)
}

func (m *StandardMetricsCollector) ConnectionClosed() {
	m.connectionsClosed.Add(1)
}

func (m *StandardMetricsCollector) ConnectionError(err error) {
	m.connectionErrors.Add(1)
}

// Channel metrics
func (m *StandardMetricsCollector) ChannelCreated() {
	m.channelsCreated.Add(1)
}

func (m *StandardMetricsCollector) ChannelClosed() {
	m.channelsClosed.Add(1)
}

func (m *StandardMetricsCollector) ChannelError(err error) {
	m.channelErrors.Add(1)
}

// Message metrics
func (m *StandardMetricsCollector) MessagePublished() {
	m.messagesPublished.Add(1)
}

func (m *StandardMetricsCollector) MessageConsumed() {
	m.messagesConsumed.Add(1)
}

func (m *StandardMetricsCollector) MessageAcked() {
	m.messagesAcked.Add(1)
}

func (m *StandardMetricsCollector) MessageNacked() {
	m.messagesNacked.Add(1)
}

func (m *StandardMetricsCollector) MessageRejected() {
	m.messagesRejected.Add(1)
}

func (m *StandardMetricsCollector) MessageReturned() {
	m.messagesReturned.Add(1)
}

// Confirm metrics
func (m *StandardMetricsCollector) ConfirmReceived(ack bool) {
	if ack {
		m.confirmsAcked.Add(1)
	} else {
		m.confirmsNacked.Add(1)
	}
}

// Getters for metrics
func (m *StandardMetricsCollector) GetConnectionsCreated() int64 {
	return m.connectionsCreated.Load()
}

func (m *StandardMetricsCollector) GetConnectionsClosed() int64 {
	return m.connectionsClosed.Load()
}

func (m *StandardMetricsCollector) GetConnectionErrors() int64 {
	return m.connectionErrors.Load()
}

func (m *StandardMetricsCollector) GetChannelsCreated() int64 {
	return m.channelsCreated.Load()
}

func (m *StandardMetricsCollector) GetChannelsClosed() int64 {
	return m.channelsClosed.Load()
}

func (m *StandardMetricsCollector) GetChannelErrors() int64 {
	return m.channelErrors.Load()
}

func (m *StandardMetricsCollector) GetMessagesPublished() int64 {
	return m.messagesPublished.Load()
}

func (m *StandardMetricsCollector) GetMessagesConsumed() int64 {
	return m.messagesConsumed.Load()
}

func (m *StandardMetricsCollector) GetMessagesAcked() int64 {
	return m.messagesAcked.Load()
}

func (m *StandardMetricsCollector) GetMessagesNacked() int64 {
	return m.messagesNacked.Load()
}

func (m *StandardMetricsCollector) GetMessagesRejected() int64 {
	return m.messagesRejected.Load()
}

func (m *StandardMetricsCollector) GetMessagesReturned() int64 {
	return m.messagesReturned.Load()
}

func (m *StandardMetricsCollector) GetConfirmsAcked() int64 {
	return m.confirmsAcked.Load()
}

func (m *StandardMetricsCollector) GetConfirmsNacked() int64 {
	return m.confirmsNacked.Load()
}

// NoOpMetricsCollector is a metrics collector that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) ConnectionCreated()          {}
func (n *NoOpMetricsCollector) ConnectionClosed()           {}
func (n *NoOpMetricsCollector) ConnectionError(err error)   {}
func (n *NoOpMetricsCollector) ChannelCreated()             {}
func (n *NoOpMetricsCollector) ChannelClosed()              {}
func (n *NoOpMetricsCollector) ChannelError(err error)      {}
func (n *NoOpMetricsCollector) MessagePublished()           {}
func (n *NoOpMetricsCollector) MessageConsumed()            {}
func (n *NoOpMetricsCollector) MessageAcked()               {}
func (n *NoOpMetricsCollector) MessageNacked()              {}
func (n *NoOpMetricsCollector) MessageRejected()            {}
func (n *NoOpMetricsCollector) MessageReturned()            {}
func (n *NoOpMetricsCollector) ConfirmReceived(ack bool)    {}

// NewNoOpMetricsCollector creates a no-op metrics collector
func NewNoOpMetricsCollector() *NoOpMetricsCollector {
	return &NoOpMetricsCollector{}
}

// PrometheusMetricsCollector reports client activity as Prometheus
// counters, registered against a caller-supplied registerer so multiple
// connections in one process can share a registry without collisions.
type PrometheusMetricsCollector struct {
	connections *prometheus.CounterVec
	channels    *prometheus.CounterVec
	messages    *prometheus.CounterVec
	confirms    *prometheus.CounterVec
}

// NewPrometheusMetricsCollector registers its counters against reg. Pass
// prometheus.DefaultRegisterer to use the global registry.
func NewPrometheusMetricsCollector(reg prometheus.Registerer) *PrometheusMetricsCollector {
	m := &PrometheusMetricsCollector{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amqp_client",
			Name:      "connections_total",
			Help:      "AMQP connection lifecycle events by outcome.",
		}, []string{"event"}),
		channels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amqp_client",
			Name:      "channels_total",
			Help:      "AMQP channel lifecycle events by outcome.",
		}, []string{"event"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amqp_client",
			Name:      "messages_total",
			Help:      "Messages processed by the client by disposition.",
		}, []string{"disposition"}),
		confirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amqp_client",
			Name:      "confirms_total",
			Help:      "Publisher confirmations received by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.connections, m.channels, m.messages, m.confirms)
	return m
}

func (m *PrometheusMetricsCollector) ConnectionCreated()        { m.connections.WithLabelValues("created").Inc() }
func (m *PrometheusMetricsCollector) ConnectionClosed()         { m.connections.WithLabelValues("closed").Inc() }
func (m *PrometheusMetricsCollector) ConnectionError(err error) { m.connections.WithLabelValues("error").Inc() }

func (m *PrometheusMetricsCollector) ChannelCreated()        { m.channels.WithLabelValues("created").Inc() }
func (m *PrometheusMetricsCollector) ChannelClosed()         { m.channels.WithLabelValues("closed").Inc() }
func (m *PrometheusMetricsCollector) ChannelError(err error) { m.channels.WithLabelValues("error").Inc() }

func (m *PrometheusMetricsCollector) MessagePublished() { m.messages.WithLabelValues("published").Inc() }
func (m *PrometheusMetricsCollector) MessageConsumed()  { m.messages.WithLabelValues("consumed").Inc() }
func (m *PrometheusMetricsCollector) MessageAcked()     { m.messages.WithLabelValues("acked").Inc() }
func (m *PrometheusMetricsCollector) MessageNacked()    { m.messages.WithLabelValues("nacked").Inc() }
func (m *PrometheusMetricsCollector) MessageRejected()  { m.messages.WithLabelValues("rejected").Inc() }
func (m *PrometheusMetricsCollector) MessageReturned()  { m.messages.WithLabelValues("returned").Inc() }

func (m *PrometheusMetricsCollector) ConfirmReceived(ack bool) {
	if ack {
		m.confirms.WithLabelValues("ack").Inc()
	} else {
		m.confirms.WithLabelValues("nack").Inc()
	}
}
