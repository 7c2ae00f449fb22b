package errant

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/featuresink/pkg/convert"
)

// LogReporter logs errant records and drops them
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a LogReporter
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger.With(zap.String("component", "errant_log"))}
}

// Report implements Reporter
func (r *LogReporter) Report(_ context.Context, rec convert.SourceRecord, cause error) error {
	r.logger.Warn("dropping errant record",
		zap.String("topic", rec.Topic),
		zap.Int32("partition", rec.Partition),
		zap.Int64("offset", rec.Offset),
		zap.String("reason", Reason(cause)),
		zap.Error(cause))
	return nil
}
