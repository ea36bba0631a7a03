package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowcal_frames_sent_total",
		Help: "Lines written to an instrument link",
	}, []string{"link"})

	LinesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowcal_lines_received_total",
		Help: "Complete lines read from an instrument link",
	}, []string{"link"})

	BytesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowcal_bytes_received_total",
		Help: "Raw bytes received on an instrument link",
	}, []string{"link"})

	Timeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowcal_link_timeouts_total",
		Help: "Reads that hit their deadline",
	}, []string{"link"})

	DroppedLines = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowcal_balance_dropped_lines_total",
		Help: "Balance lines that arrived with no pending read",
	})

	LastWeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowcal_balance_weight_mg",
		Help: "Last weight reported by the balance",
	})

	Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowcal_runs_total",
		Help: "Calibration runs by kind and outcome",
	}, []string{"kind", "status"})

	SetPointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowcal_setpoint_duration_seconds",
		Help:    "Time spent measuring one set point",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		FramesSent, LinesReceived, BytesReceived, Timeouts,
		DroppedLines, LastWeight, Runs, SetPointDuration,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
