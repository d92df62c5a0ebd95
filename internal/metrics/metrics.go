// Package metrics holds the prometheus instrumentation of the client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ChannelState is the event channel state: 0 disconnected, 1 connecting, 2 connected.
var ChannelState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cambio_channel_state",
	Help: "Event channel state (0 disconnected, 1 connecting, 2 connected)",
})

// ChannelReconnects counts reconnection attempts of the event channel.
var ChannelReconnects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cambio_channel_reconnects_total",
	Help: "Reconnection attempts of the event channel",
})

// EventsReceived counts pushed events by name.
var EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cambio_events_received_total",
	Help: "Events received from the event channel",
}, []string{"event"})

// Refetches counts authoritative fetches by screen and reason (mount, push, poll, foreground, expire).
var Refetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cambio_refetch_total",
	Help: "Authoritative state fetches",
}, []string{"screen", "reason"})

// RefetchErrors counts failed authoritative fetches by screen.
var RefetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cambio_refetch_errors_total",
	Help: "Failed authoritative state fetches",
}, []string{"screen"})

// DepositUploads counts deposit proof uploads by result (ok, failed).
var DepositUploads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cambio_deposit_uploads_total",
	Help: "Deposit proof uploads",
}, []string{"result"})

// Expirations counts expiration transitions by source (timer, server).
var Expirations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cambio_expirations_total",
	Help: "Operations observed expiring",
}, []string{"source"})

// StatusOverrides counts server statuses that replaced a different local status.
var StatusOverrides = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cambio_status_overrides_total",
	Help: "Local statuses overwritten by the server",
})
