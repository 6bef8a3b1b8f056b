package events

import (
	"github.com/ThreeDotsLabs/watermill"

	"pkt.systems/pslog"
)

// watermillLogger adapts pslog to watermill.LoggerAdapter. Watermill's info
// level is chatty, so it is demoted to debug.
type watermillLogger struct {
	logger pslog.Logger
}

// NewWatermillLogger wraps logger for watermill components.
func NewWatermillLogger(logger pslog.Logger) watermill.LoggerAdapter {
	return watermillLogger{logger: logger}
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(flatten(fields), "error", err)...)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, flatten(fields)...)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, flatten(fields)...)
}

func (l watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Trace(msg, flatten(fields)...)
}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{logger: l.logger.With(flatten(fields)...)}
}

func flatten(fields watermill.LogFields) []any {
	if len(fields) == 0 {
		return nil
	}
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
