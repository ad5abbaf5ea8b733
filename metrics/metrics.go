// Package metrics provides an abstract interface for recording and
// managing various types of metrics within an application. It is designed
// to offer a unified and simple API for common metric operations, such as
// registering and recording standard and labeled metrics.
//
// The Metrics interface defined in this package serves as the foundation
// for implementing specific metrics systems, such as a Prometheus-based
// metrics system. The server and worker binaries use it to publish queue
// depth, task status counts and worker activity.
//
// Key functionalities include:
//   - Register: To define and set up new metrics.
//   - Record: To record values for the standard metrics.
//   - RegisterWithLabels: To create new metrics with associated labels.
//   - RecordWithLabels: To record values for labeled metrics, providing
//     label values dynamically.
//
// Usage Example:
//
//	metricsSystem := metrics.NewPrometheusMetrics()
//	metricsSystem.Register("refinery_queue_depth", "Gauge", "Jobs waiting in the optimization queue")
//	metricsSystem.Record("refinery_queue_depth", 12)
//	metricsSystem.RegisterWithLabels("refinery_tasks", "Gauge", "Tasks by status", []string{"status"})
//	metricsSystem.RecordWithLabels("refinery_tasks", 3, "running")
package metrics

type Metrics interface {
	Register(name, metricType, help string)
	Record(name string, value float64)
	RegisterWithLabels(name, metricType, help string, labels []string)
	RecordWithLabels(name string, value float64, labelValues ...string)
}
