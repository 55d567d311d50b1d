// Package metrics defines the prometheus collectors shared by the REST
// handler and the gateway.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector. The zero value is not usable; a nil
// *Metrics is, and records nothing.
type Metrics struct {
	Requests         *prometheus.CounterVec
	RateLimited      *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	HeartbeatLatency *prometheus.GaugeVec
	ShardStatus      *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaynet",
			Subsystem: "rest",
			Name:      "requests_total",
			Help:      "REST attempts by route and response status.",
		}, []string{"route", "status"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaynet",
			Subsystem: "rest",
			Name:      "ratelimited_total",
			Help:      "429 responses by rate limit scope.",
		}, []string{"scope"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaynet",
			Subsystem: "gateway",
			Name:      "reconnects_total",
			Help:      "Scheduled shard reconnects.",
		}, []string{"shard"}),
		HeartbeatLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relaynet",
			Subsystem: "gateway",
			Name:      "heartbeat_latency_seconds",
			Help:      "Last heartbeat round trip per shard.",
		}, []string{"shard"}),
		ShardStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relaynet",
			Subsystem: "gateway",
			Name:      "shard_status",
			Help:      "Connection status per shard (0 disconnected ... 5 ready).",
		}, []string{"shard"}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.RateLimited, m.Reconnects, m.HeartbeatLatency, m.ShardStatus)
	}
	return m
}

// ObserveRequest counts one REST attempt.
func (m *Metrics) ObserveRequest(route string, status int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// ObserveRateLimit counts one 429.
func (m *Metrics) ObserveRateLimit(scope string) {
	if m == nil {
		return
	}
	if scope == "" {
		scope = "user"
	}
	m.RateLimited.WithLabelValues(scope).Inc()
}

// ObserveReconnect counts one scheduled reconnect.
func (m *Metrics) ObserveReconnect(shard int) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(strconv.Itoa(shard)).Inc()
}

// ObserveHeartbeat records a heartbeat round trip.
func (m *Metrics) ObserveHeartbeat(shard int, latency time.Duration) {
	if m == nil {
		return
	}
	m.HeartbeatLatency.WithLabelValues(strconv.Itoa(shard)).Set(latency.Seconds())
}

// SetShardStatus records the numeric status of a shard.
func (m *Metrics) SetShardStatus(shard int, status int) {
	if m == nil {
		return
	}
	m.ShardStatus.WithLabelValues(strconv.Itoa(shard)).Set(float64(status))
}
