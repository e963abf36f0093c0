// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BidsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_bids_submitted_total",
			Help: "Total number of bid submissions received",
		},
		[]string{"result"},
	)

	BidsAdmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_bids_admitted_total",
			Help: "Total number of bids admitted into slot sets",
		},
	)

	BidsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_bids_evicted_total",
			Help: "Total number of bids evicted from slot sets",
		},
		[]string{"reason"},
	)

	RefundsIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_refunds_issued_total",
			Help: "Total number of refund instructions issued",
		},
	)

	ReservationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_reservation_retries_total",
			Help: "Total number of ledger reservation retries",
		},
	)

	ReservationsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_reservations_swept_total",
			Help: "Total number of stale reservations released by the sweep",
		},
	)

	SettlementsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_settlements_total",
			Help: "Total number of settlements by outcome",
		},
		[]string{"outcome"},
	)

	AdmissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "engine_admission_duration_seconds",
			Help: "Duration of the admission critical section in seconds",
		},
	)

	SlotOccupancy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_slot_occupancy",
			Help: "Admitted bids per application",
		},
		[]string{"application_id"},
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_outbox_pending",
			Help: "Events waiting in the outbox for dispatch",
		},
	)
)
