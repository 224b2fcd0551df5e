package bootdisk

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func newMetrics() *metrics {
	r := prometheus.NewRegistry()
	return &metrics{
		registry: r,
		startTime: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: "bootdisk",
			Name:      "start_time",
			Help:      "Time when build has been started",
		}),
		stepDuration: promauto.With(r).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bootdisk",
			Name:      "step_duration_seconds",
			Help:      "Duration of build steps",
		}, []string{"step"}),
		success: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: "bootdisk",
			Name:      "success",
			Help:      "Reports if the last build succeeded",
		}),
	}
}

type metrics struct {
	registry     *prometheus.Registry
	startTime    prometheus.Gauge
	stepDuration *prometheus.GaugeVec
	success      prometheus.Gauge
}

// BuildStarted reports the start time of the build.
func (m *metrics) BuildStarted() {
	m.startTime.Set(float64(time.Now().UnixNano()) / 1_000_000.0)
}

// StepFinished reports the duration of the step.
func (m *metrics) StepFinished(step string, started time.Time) {
	m.stepDuration.WithLabelValues(step).Set(time.Since(started).Seconds())
}

// BuildFinished reports the result of the build.
func (m *metrics) BuildFinished(err error) {
	if err == nil {
		m.success.Set(1)
		return
	}
	m.success.Set(0)
}

// Write stores metrics in the textfile format.
func (m *metrics) Write(path string) error {
	return errors.WithStack(prometheus.WriteToTextfile(path, m.registry))
}
