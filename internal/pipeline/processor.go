// Package pipeline turns polled source records into ingest requests.
//
// One call to Processor.Process is one processing invocation: every record
// is normalized and validated, failures are routed to the errant-record
// reporter, and the survivors are batched and sent. The returned error
// says whether the caller should redeliver the same records.
//
// # Dispatch
//
// Synchronous dispatch sends batches strictly in partition order and stops
// at the first failure. Asynchronous dispatch sends every batch at once and
// reports the most severe outcome once all have completed.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/featuresink/pkg/batch"
	"github.com/ajitpratap0/featuresink/pkg/config"
	"github.com/ajitpratap0/featuresink/pkg/convert"
	"github.com/ajitpratap0/featuresink/pkg/errant"
	"github.com/ajitpratap0/featuresink/pkg/errors"
	"github.com/ajitpratap0/featuresink/pkg/ingest"
	"github.com/ajitpratap0/featuresink/pkg/logger"
	"github.com/ajitpratap0/featuresink/pkg/metrics"
	"github.com/ajitpratap0/featuresink/pkg/observability"
)

// Sender delivers batch requests
type Sender interface {
	SendSync(ctx context.Context, req *ingest.BatchRequest) ingest.Outcome
	SendAsync(ctx context.Context, req *ingest.BatchRequest, callbacks ...func(ingest.Outcome)) *ingest.Future
}

// Config controls batching and dispatch
type Config struct {
	Workspace    string
	PushSource   string
	DryRun       bool
	BatchMaxSize int
	Async        bool
}

// ConfigFromSink derives the processor configuration
func ConfigFromSink(cfg *config.SinkConfig) Config {
	return Config{
		Workspace:    cfg.Tecton.WorkspaceName,
		PushSource:   cfg.Tecton.PushSourceName,
		DryRun:       cfg.Tecton.DryRun,
		BatchMaxSize: cfg.Tecton.BatchMaxSize,
		Async:        cfg.HTTP.AsyncEnabled,
	}
}

// Processor runs processing invocations. It is safe for concurrent use.
type Processor struct {
	config     Config
	normalizer *convert.Normalizer
	router     *errant.Router
	sender     Sender
	logger     *zap.Logger
	metrics    *metrics.Collector
	throughput *metrics.ThroughputTracker

	invocations      int64
	recordsProcessed int64
	recordsErrant    int64
	errantReports    int64
	batchesSent      int64
	startTime        time.Time
}

// NewProcessor creates a processor
func NewProcessor(cfg Config, normalizer *convert.Normalizer, router *errant.Router, sender Sender, log *zap.Logger, m *metrics.Collector) *Processor {
	if cfg.BatchMaxSize < config.MinBatchSize {
		cfg.BatchMaxSize = config.MinBatchSize
	}
	if m == nil {
		m = metrics.NewCollector("featuresink")
	}
	return &Processor{
		config:     cfg,
		normalizer: normalizer,
		router:     router,
		sender:     sender,
		logger:     log.With(zap.String("component", "processor")),
		metrics:    m,
		throughput: metrics.NewThroughputTracker(m.Name()),
		startTime:  time.Now(),
	}
}

// Process handles one invocation. A nil error means every record was either
// ingested or reported as errant. Otherwise errors.IsRetryable tells the
// caller whether to redeliver.
//
// Errant records are reported on every call, so a redelivered poll reports
// them again. Stats counts them once, when the invocation completes.
func (p *Processor) Process(ctx context.Context, records []convert.SourceRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, span := observability.StartSpan(ctx, "pipeline.process")
	defer span.End()
	span.SetAttribute("records", len(records))

	invocation := atomic.AddInt64(&p.invocations, 1)

	entries, routed, err := p.prepare(ctx, records)
	if err != nil {
		span.Fail(err)
		return err
	}
	p.metrics.RecordsAccepted(len(entries))

	reqs := batch.Build(entries, p.config.Workspace, p.config.DryRun, p.config.BatchMaxSize)
	span.SetAttribute("batches", len(reqs))

	logger.FromContext(ctx, p.logger).Debug("dispatching batches",
		zap.Int("records", len(records)),
		zap.Int("accepted", len(entries)),
		zap.Int("batches", len(reqs)),
		zap.Bool("async", p.config.Async))

	var out ingest.Outcome
	if p.config.Async {
		out = p.dispatchAsync(ctx, invocation, reqs)
	} else {
		out = p.dispatchSync(ctx, invocation, reqs)
	}

	if !out.OK() {
		err := outcomeError(out)
		span.Fail(err)
		return err
	}

	atomic.AddInt64(&p.recordsProcessed, int64(len(entries)))
	atomic.AddInt64(&p.recordsErrant, int64(routed))
	p.throughput.Increment(int64(len(entries)))
	return nil
}

// prepare normalizes and validates records, routing failures. It returns
// the accepted entries and the number of records routed.
func (p *Processor) prepare(ctx context.Context, records []convert.SourceRecord) ([]batch.Entry, int, error) {
	entries := make([]batch.Entry, 0, len(records))
	routed := 0
	for _, rec := range records {
		canonical, err := p.normalizer.Normalize(rec)
		if err == nil {
			if field, bad := canonical.InvalidField(); bad {
				err = errors.Newf(errors.ErrorTypeValidation, "field %q holds a value of unsupported type %T", field, canonical[field]).
					WithDetail("field", field)
			}
		}

		if err != nil {
			atomic.AddInt64(&p.errantReports, 1)
			if routeErr := p.router.Route(ctx, rec, err); routeErr != nil {
				return nil, routed, routeErr
			}
			routed++
			continue
		}

		entries = append(entries, batch.Entry{PushSource: p.pushSource(rec), Record: canonical})
	}
	return entries, routed, nil
}

func (p *Processor) pushSource(rec convert.SourceRecord) string {
	if p.config.PushSource != "" {
		return p.config.PushSource
	}
	return rec.Topic
}

// batchContext tags ctx with the request's push sources and an id unique
// within the processor
func batchContext(ctx context.Context, invocation int64, i int, req *ingest.BatchRequest) context.Context {
	sources := req.PushSources()
	sort.Strings(sources)
	ctx = context.WithValue(ctx, logger.PushSourceKey, strings.Join(sources, ","))
	return context.WithValue(ctx, logger.BatchIDKey, fmt.Sprintf("%d-%d", invocation, i+1))
}

func (p *Processor) dispatchSync(ctx context.Context, invocation int64, reqs []*ingest.BatchRequest) ingest.Outcome {
	for i, req := range reqs {
		p.metrics.ObserveBatch(req.Len())
		atomic.AddInt64(&p.batchesSent, 1)

		bctx := batchContext(ctx, invocation, i, req)
		out := p.sender.SendSync(bctx, req)
		if !out.OK() {
			logger.FromContext(bctx, p.logger).Warn("batch failed, skipping remaining batches",
				zap.Int("batch", i),
				zap.Int("remaining", len(reqs)-i-1),
				zap.Stringer("outcome", out.Kind))
			return out
		}
	}
	return ingest.Outcome{Kind: ingest.Success}
}

func (p *Processor) dispatchAsync(ctx context.Context, invocation int64, reqs []*ingest.BatchRequest) ingest.Outcome {
	var (
		mu    sync.Mutex
		worst = ingest.Outcome{Kind: ingest.Success}
		wg    sync.WaitGroup
	)

	for i, req := range reqs {
		p.metrics.ObserveBatch(req.Len())
		atomic.AddInt64(&p.batchesSent, 1)

		f := p.sender.SendAsync(batchContext(ctx, invocation, i, req), req)
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := f.Wait(ctx)
			mu.Lock()
			worst = ingest.MoreSevere(worst, out)
			mu.Unlock()
		}()
	}

	wg.Wait()
	return worst
}

// outcomeError wraps a failed outcome, keeping its retriability
func outcomeError(out ingest.Outcome) error {
	cause := out.Error()
	errType := errors.ErrorTypeInternal
	var e *errors.Error
	if errors.As(cause, &e) {
		errType = e.Type
	}

	return errors.Wrap(cause, errType,
		fmt.Sprintf("ingest of %d records failed after %d attempt(s)", out.Records, out.Attempts)).
		WithDetail(errors.DetailRetriable, out.Kind == ingest.Retriable).
		WithDetail("status_code", out.StatusCode)
}

// Stats returns counters since the processor was created
func (p *Processor) Stats() Stats {
	return Stats{
		Invocations:      atomic.LoadInt64(&p.invocations),
		RecordsProcessed: atomic.LoadInt64(&p.recordsProcessed),
		RecordsErrant:    atomic.LoadInt64(&p.recordsErrant),
		ErrantReports:    atomic.LoadInt64(&p.errantReports),
		BatchesSent:      atomic.LoadInt64(&p.batchesSent),
		StartTime:        p.startTime,
		Uptime:           time.Since(p.startTime),
	}
}

// PublishThroughput sets the throughput gauge to the records ingested per
// second since the previous call and returns it
func (p *Processor) PublishThroughput() float64 {
	return p.throughput.GetAndReset()
}
