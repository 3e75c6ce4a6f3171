package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PointsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livetrack_points_enqueued_total",
			Help: "Total number of track points accepted into a queue.",
		},
		[]string{"queue"},
	)

	PointsPersistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livetrack_points_persisted_total",
			Help: "Total number of track points written to the store.",
		},
		[]string{"queue"},
	)

	PointsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livetrack_points_failed_total",
			Help: "Total number of track points that failed processing, by reason.",
		},
		[]string{"queue", "reason"}, // e.g. foreign_key_missing, invalid_shape, max_retries
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livetrack_retries_total",
			Help: "Total number of writer batch retries by reason.",
		},
		[]string{"queue", "reason"},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livetrack_dlq_total",
			Help: "Total number of queue items moved to a DLQ.",
		},
		[]string{"queue"},
	)

	QueuePending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livetrack_queue_pending",
			Help: "Current number of pending items per queue.",
		},
		[]string{"queue"},
	)

	DLQSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livetrack_dlq_size",
			Help: "Current number of items in each DLQ.",
		},
		[]string{"queue"},
	)

	WriterBatchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livetrack_writer_batch_seconds",
			Help:    "Latency of writer batch inserts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	FlightsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livetrack_flights_created_total",
			Help: "Total number of flights opened, by separation reason.",
		},
		[]string{"reason"}, // first_point, new_day, inactivity, landing
	)

	GPSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "livetrack_gps_connections_active",
			Help: "Currently open GPS tracker TCP connections.",
		},
	)

	GPSFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livetrack_gps_frames_total",
			Help: "Total GPS frames received, by protocol and outcome.",
		},
		[]string{"protocol", "outcome"}, // outcome: ok, malformed, rate_limited
	)

	WSClientsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livetrack_ws_clients_active",
			Help: "Currently connected WebSocket clients per race.",
		},
		[]string{"race_id"},
	)

	FanoutTickSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livetrack_fanout_tick_seconds",
			Help:    "Duration of one fan-out delta tick including broadcast.",
			Buckets: prometheus.DefBuckets,
		},
	)

	FanoutTicksSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "livetrack_fanout_ticks_skipped_total",
			Help: "Ticks skipped because the previous tick was still broadcasting.",
		},
	)

	DeltasDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "livetrack_deltas_dropped_total",
			Help: "Delta updates dropped due to slow clients.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		PointsEnqueuedTotal, PointsPersistedTotal, PointsFailedTotal,
		RetriesTotal, DLQTotal, QueuePending, DLQSize, WriterBatchSeconds,
		FlightsCreatedTotal, GPSConnectionsActive, GPSFramesTotal,
		WSClientsActive, FanoutTickSeconds, FanoutTicksSkippedTotal,
		DeltasDroppedTotal,
	)
}
