// Package errant routes records that failed conversion or validation.
//
// A Router hands each failure to a Reporter. With no Reporter configured
// the failure is escalated as a terminal error for the whole invocation,
// so records are never dropped silently.
package errant

import (
	"context"
	stderrors "errors"

	"go.uber.org/zap"

	"github.com/ajitpratap0/featuresink/pkg/convert"
	"github.com/ajitpratap0/featuresink/pkg/errors"
	"github.com/ajitpratap0/featuresink/pkg/logger"
	"github.com/ajitpratap0/featuresink/pkg/metrics"
)

// Reporter receives errant records
type Reporter interface {
	Report(ctx context.Context, rec convert.SourceRecord, cause error) error
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(ctx context.Context, rec convert.SourceRecord, cause error) error

// Report implements Reporter
func (f ReporterFunc) Report(ctx context.Context, rec convert.SourceRecord, cause error) error {
	return f(ctx, rec, cause)
}

// Router diverts per-record failures to a reporter
type Router struct {
	reporter Reporter
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// NewRouter creates a router; reporter may be nil
func NewRouter(reporter Reporter, log *zap.Logger, m *metrics.Collector) *Router {
	if m == nil {
		m = metrics.NewCollector("featuresink")
	}
	return &Router{
		reporter: reporter,
		logger:   log.With(zap.String("component", "errant_router")),
		metrics:  m,
	}
}

// Enabled reports whether a reporter is configured
func (r *Router) Enabled() bool {
	return r.reporter != nil
}

// Route reports rec. It returns a terminal error when no reporter is
// configured and a retriable error when the reporter fails.
func (r *Router) Route(ctx context.Context, rec convert.SourceRecord, cause error) error {
	reason := Reason(cause)
	r.metrics.RecordErrant(reason)

	if r.reporter == nil {
		return errors.Wrap(cause, typeOf(cause), "errant record and no errant record reporter is configured").
			WithDetail(errors.DetailRetriable, false).
			WithDetail("topic", rec.Topic).
			WithDetail("partition", rec.Partition).
			WithDetail("offset", rec.Offset)
	}

	if err := r.reporter.Report(ctx, rec, cause); err != nil {
		logger.FromContext(ctx, r.logger).Error("failed to report errant record",
			zap.Int64("offset", rec.Offset),
			zap.Error(err))
		return errors.Wrap(err, errors.ErrorTypeTransport, "failed to report errant record")
	}
	return nil
}

// Reason is the metric and header label for cause
func Reason(cause error) string {
	return string(typeOf(cause))
}

func typeOf(err error) errors.ErrorType {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return errors.ErrorTypeInternal
}
