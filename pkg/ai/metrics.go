package ai

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	completionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "completion_duration_seconds",
		Help:      "Duration of remote model completion requests",
	}, []string{"vendor", "model"})

	completionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "completion_failures_total",
		Help:      "Number of remote model completion failures",
	}, []string{"vendor", "model"})
)

func observeCompletion(vendor, model string, start time.Time) {
	completionDuration.WithLabelValues(vendor, model).Observe(time.Since(start).Seconds())
}

func recordFailure(span trace.Span, vendor, model string, err error) {
	completionFailures.WithLabelValues(vendor, model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
