// Package metrics defines the Prometheus collectors exported by the controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Message bus
	BusConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "doorsense_bus_connected",
		Help: "1 when the MQTT connection is up, 0 otherwise",
	})

	BusMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doorsense_bus_messages_total",
			Help: "Inbound bus messages by matched pattern",
		},
		[]string{"pattern"},
	)

	BusHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doorsense_bus_handler_failures_total",
			Help: "Handler failures during dispatch (error or panic)",
		},
		[]string{"kind"},
	)

	// Sensors
	SensorMeasurements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doorsense_sensor_measurements_total",
			Help: "Telemetry messages by outcome",
		},
		[]string{"result"}, // accepted, dropped
	)

	// Door
	DoorTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doorsense_door_transitions_total",
			Help: "Accepted door transitions",
		},
		[]string{"state"}, // open, closed
	)

	// Weather
	WeatherRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doorsense_weather_requests_total",
			Help: "Outdoor temperature lookups by source",
		},
		[]string{"source"}, // cache, api, fallback, unavailable
	)

	WeatherFetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doorsense_weather_fetch_attempts_total",
			Help: "Remote weather fetch attempts by result",
		},
		[]string{"result"}, // success, failure
	)

	// Energy
	EnergyMetricsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doorsense_energy_metrics_created_total",
		Help: "Energy metrics persisted",
	})

	EnergyCalculationsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doorsense_energy_calculations_skipped_total",
			Help: "Energy calculations skipped for a missing prerequisite",
		},
		[]string{"reason"},
	)

	// Gamification
	PointsAwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doorsense_points_awarded_total",
			Help: "Points awarded by reason",
		},
		[]string{"reason"},
	)

	BadgesAwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doorsense_badges_awarded_total",
			Help: "Badges awarded by type",
		},
		[]string{"badge"},
	)

	// Events / notification
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "doorsense_events_published_total",
			Help: "Domain events published by type and result",
		},
		[]string{"type", "result"},
	)

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "doorsense_websocket_clients",
		Help: "Connected websocket clients",
	})
)
