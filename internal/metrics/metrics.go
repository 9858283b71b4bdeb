// Package metrics exposes flight counters over Prometheus: decode and
// resync activity, queue depths, worker liveness, downlink volume and
// platform vitals.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Flight holds every instrument the flight software updates.
type Flight struct {
	PacketsDecoded  *prometheus.CounterVec
	DecodeErrors    *prometheus.CounterVec
	ResyncBytes     prometheus.Counter
	QueueDepth      *prometheus.GaugeVec
	WorkerUp        *prometheus.GaugeVec
	CommandsHandled *prometheus.CounterVec
	DownlinkItems   *prometheus.CounterVec
	DownlinkBytes   prometheus.Counter
	DownlinkRetries prometheus.Counter
	Captures        prometheus.Counter
	CaptureFailures prometheus.Counter
	SQLDuration     *prometheus.HistogramVec
	FreeSpace       prometheus.Gauge
	CPUTemperature  prometheus.Gauge
	SystemState     prometheus.Gauge
}

func New(reg prometheus.Registerer) *Flight {
	m := &Flight{
		PacketsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cubesat_packets_decoded_total",
			Help: "Packets decoded from the byte links, by packet kind.",
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cubesat_decode_errors_total",
			Help: "Frames dropped by the decoder, by reason.",
		}, []string{"reason"}),
		ResyncBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubesat_resync_bytes_total",
			Help: "Bytes skipped while hunting for a sync word.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cubesat_queue_depth",
			Help: "Current depth of each bounded work queue.",
		}, []string{"queue"}),
		WorkerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cubesat_worker_up",
			Help: "1 while the named worker loop is alive.",
		}, []string{"worker"}),
		CommandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cubesat_commands_total",
			Help: "Ground commands dispatched, by command name.",
		}, []string{"command"}),
		DownlinkItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cubesat_downlink_items_total",
			Help: "Downlink items transmitted, by item kind.",
		}, []string{"kind"}),
		DownlinkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubesat_downlink_bytes_total",
			Help: "Bytes written to the ground link.",
		}),
		DownlinkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubesat_downlink_retries_total",
			Help: "Downlink transmissions retried after a failure.",
		}),
		Captures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubesat_captures_total",
			Help: "Camera captures completed.",
		}),
		CaptureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cubesat_capture_failures_total",
			Help: "Camera captures that failed.",
		}),
		SQLDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cubesat_sql_op_duration_seconds",
			Help:    "Duration of telemetry database operations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"op"}),
		FreeSpace: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cubesat_free_space_gib",
			Help: "Free space on the storage filesystem, in GiB.",
		}),
		CPUTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cubesat_cpu_temperature_celsius",
			Help: "SoC temperature reported by the kernel thermal zone.",
		}),
		SystemState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cubesat_system_state",
			Help: "Numeric flight state (0=BOOT .. 8=ERROR).",
		}),
	}

	reg.MustRegister(
		m.PacketsDecoded,
		m.DecodeErrors,
		m.ResyncBytes,
		m.QueueDepth,
		m.WorkerUp,
		m.CommandsHandled,
		m.DownlinkItems,
		m.DownlinkBytes,
		m.DownlinkRetries,
		m.Captures,
		m.CaptureFailures,
		m.SQLDuration,
		m.FreeSpace,
		m.CPUTemperature,
		m.SystemState,
	)
	return m
}

// ObserveSQL is the hook handed to the tracing database connector.
func (m *Flight) ObserveSQL(op string, d time.Duration) {
	m.SQLDuration.WithLabelValues(op).Observe(d.Seconds())
}
