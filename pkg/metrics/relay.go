package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// initRelayMetrics initializes relay hub metrics.
func (m *Manager) initRelayMetrics(cfg Config) {
	m.roomsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_rooms_active",
			Help: "Current number of active document rooms",
		},
	)

	m.clientsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_clients_active",
			Help: "Current number of joined clients by room",
		},
		[]string{"room"},
	)

	m.framesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_forwarded_total",
			Help: "Total number of frames forwarded by type",
		},
		[]string{"type"},
	)

	m.framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Total number of frames dropped for slow clients by type",
		},
		[]string{"type"},
	)

	m.bootstrapsServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bootstraps_served_total",
			Help: "Total number of bootstrap requests answered by source",
		},
		[]string{"source"},
	)

	m.registry.MustRegister(m.roomsActive)
	m.registry.MustRegister(m.clientsActive)
	m.registry.MustRegister(m.framesForwarded)
	m.registry.MustRegister(m.framesDropped)
	m.registry.MustRegister(m.bootstrapsServed)
}

// RoomOpened records a room creation.
func (m *Manager) RoomOpened() {
	if !m.enabled {
		return
	}
	m.roomsActive.Inc()
}

// RoomClosed records a room teardown.
func (m *Manager) RoomClosed() {
	if !m.enabled {
		return
	}
	m.roomsActive.Dec()
}

// ClientJoined records a client joining a room.
func (m *Manager) ClientJoined(room string) {
	if !m.enabled {
		return
	}
	m.clientsActive.WithLabelValues(room).Inc()
}

// ClientLeft records a client leaving a room.
func (m *Manager) ClientLeft(room string) {
	if !m.enabled {
		return
	}
	m.clientsActive.WithLabelValues(room).Dec()
}

// FrameForwarded records a forwarded frame.
func (m *Manager) FrameForwarded(frameType string) {
	if !m.enabled {
		return
	}
	m.framesForwarded.WithLabelValues(frameType).Inc()
}

// FrameDropped records a frame dropped for a slow client.
func (m *Manager) FrameDropped(frameType string) {
	if !m.enabled {
		return
	}
	m.framesDropped.WithLabelValues(frameType).Inc()
}

// BootstrapServed records a bootstrap response by source (peer or store).
func (m *Manager) BootstrapServed(source string) {
	if !m.enabled {
		return
	}
	m.bootstrapsServed.WithLabelValues(source).Inc()
}
