package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "mirrorq"
	subsystem = "sync"
)

var (
	// SyncMessages counts messages streamed from the master store during
	// sync rounds, partitioned by queue.
	SyncMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Number of messages streamed to the syncer, partitioned by queue",
		},
		[]string{
			"queue",
		},
	)

	// SyncBytes counts payload bytes streamed during sync rounds,
	// partitioned by queue.
	SyncBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_total",
			Help:      "Number of payload bytes streamed to the syncer, partitioned by queue",
		},
		[]string{
			"queue",
		},
	)

	// RoundsCompleted counts sync rounds driven to completion by the master.
	RoundsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rounds_completed_total",
			Help:      "Number of sync rounds the master driver completed",
		},
	)

	// RoundsAborted counts rounds aborted by syncer death mid-transfer.
	RoundsAborted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rounds_aborted_total",
			Help:      "Number of sync rounds aborted before the backlog was fully streamed",
		},
	)

	// ParticipantsDropped counts slaves removed from the fan-out set
	// mid-round because their process terminated.
	ParticipantsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "participants_dropped_total",
			Help:      "Number of slaves dropped from a round after their process died",
		},
	)

	// LiveParticipants stores the number of slaves in the current round's
	// fan-out set.
	LiveParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "participants",
			Help:      "Number of live slaves in the current sync round",
		},
	)
)
