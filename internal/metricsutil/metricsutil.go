// Package metricsutil holds helpers shared by the otel instrument sets of the
// individual components.
package metricsutil

import (
	"context"

	"pkt.systems/pslog"
)

// LogInitError warns when an instrument could not be created. Components keep
// working without the instrument.
func LogInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

// ResultLabel maps an error to the "result" attribute value.
func ResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

// Context returns a context usable for recording even when ctx is nil or
// already cancelled.
func Context(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
