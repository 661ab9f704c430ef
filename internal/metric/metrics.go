package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LaunchesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpbridge_launches_started_total",
		Help: "The number of launches created or joined, by role",
	}, []string{"role"})

	ItemsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpbridge_items_started_total",
		Help: "The number of items started on the reporting service",
	}, []string{"kind", "retry"})

	ItemsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpbridge_items_finished_total",
		Help: "The number of items finished on the reporting service",
	}, []string{"kind", "status"})

	LogsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rpbridge_logs_sent_total",
		Help: "The number of log records sent to the reporting service",
	})

	LogBatchesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rpbridge_log_batches_sent_total",
		Help: "The number of log batches flushed to the reporting service",
	})

	LogsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rpbridge_logs_pending",
		Help: "The number of log records buffered and not yet flushed",
	})

	ReportingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rpbridge_reporting_errors_total",
		Help: "The number of failed calls to the reporting service",
	}, []string{"operation", "ignored"})
)

// WriteTextfile writes all registered metrics to path in the text format
// read by the node exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
