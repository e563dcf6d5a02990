// Package observability provides logging and metrics support for the
// literature monitoring service.
//
// # Logging
//
// Create a logger from configuration:
//
//	logger := observability.NewLogger(observability.LoggingConfig{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "stdout",
//	})
//
// Attach execution fields before handing the logger to a job:
//
//	logger = observability.WithExecutionContext(logger, execID, streamID, "scheduled")
//
// # Metrics
//
// Metrics are registered with the default Prometheus registry on creation:
//
//	metrics := observability.NewMetrics(observability.ServiceName)
//	metrics.RecordExecutionStarted("manual")
//	metrics.RecordStage("filter", elapsed.Seconds())
package observability
