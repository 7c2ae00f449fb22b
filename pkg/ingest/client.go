package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ajitpratap0/featuresink/pkg/clients"
	"github.com/ajitpratap0/featuresink/pkg/compression"
	"github.com/ajitpratap0/featuresink/pkg/config"
	"github.com/ajitpratap0/featuresink/pkg/errors"
	"github.com/ajitpratap0/featuresink/pkg/json"
	"github.com/ajitpratap0/featuresink/pkg/logger"
	"github.com/ajitpratap0/featuresink/pkg/metrics"
	"github.com/ajitpratap0/featuresink/pkg/observability"
	"github.com/ajitpratap0/featuresink/pkg/pool"
)

const (
	ingestPath      = "/ingest"
	authScheme      = "Tecton-key "
	contentTypeJSON = "application/json"
)

// Doer executes HTTP requests
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig configures a Client
type ClientConfig struct {
	Endpoint         string
	AuthToken        string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	PermitWait       time.Duration
	ConcurrencyLimit int
	MaxRetries       int
	RetryBackoff     time.Duration
	PoolSize         int
	KeepAlive        time.Duration
	EnableHTTP2      bool
	Compression      string
	EventDataEnabled bool
}

// NewClientConfig derives the client configuration from a sink configuration
func NewClientConfig(cfg *config.SinkConfig) ClientConfig {
	return ClientConfig{
		Endpoint:         cfg.HTTP.ClusterEndpoint,
		AuthToken:        cfg.HTTP.AuthToken,
		ConnectTimeout:   cfg.HTTP.ConnectTimeout,
		RequestTimeout:   cfg.HTTP.RequestTimeout,
		PermitWait:       cfg.HTTP.EffectivePermitWait(),
		ConcurrencyLimit: cfg.HTTP.ConcurrencyLimit,
		MaxRetries:       cfg.HTTP.MaxRetries,
		RetryBackoff:     cfg.HTTP.RetryBackoff,
		PoolSize:         cfg.HTTP.ConnectionPoolSize,
		KeepAlive:        cfg.HTTP.KeepAlive,
		EnableHTTP2:      cfg.HTTP.EnableHTTP2,
		Compression:      cfg.HTTP.Compression,
		EventDataEnabled: cfg.Logging.EventDataEnabled,
	}
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the pooled HTTP client
func WithHTTPClient(doer Doer) Option {
	return func(c *Client) {
		c.http = doer
	}
}

// WithSleeper replaces the backoff sleep. The sleeper must return early
// with an error when ctx is done.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// WithMetrics replaces the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithCodec replaces the JSON codec
func WithCodec(codec *json.Codec) Option {
	return func(c *Client) {
		c.codec = codec
	}
}

// Client posts batch requests to the ingest API. Every send holds one
// concurrency permit for its whole duration, retries included.
type Client struct {
	config  ClientConfig
	logger  *zap.Logger
	url     string
	http    Doer
	pooled  *clients.HTTPClient
	codec   *json.Codec
	encoder *compression.Encoder
	permits *Permits
	retry   *RetryPolicy
	sleep   func(ctx context.Context, d time.Duration) error
	metrics *metrics.Collector
	closed  atomic.Bool
}

// NewClient creates an ingest client
func NewClient(cfg ClientConfig, log *zap.Logger, opts ...Option) (*Client, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid cluster endpoint %q", cfg.Endpoint)
	}
	algorithm, err := compression.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid compression").
			WithDetail("value", cfg.Compression)
	}
	encoder, err := compression.NewEncoder(algorithm, compression.Default)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid compression")
	}

	c := &Client{
		config:  cfg,
		logger:  log.With(zap.String("component", "ingest_client")),
		url:     endpoint + ingestPath,
		codec:   json.NewCodec(),
		encoder: encoder,
		permits: NewPermits(cfg.ConcurrencyLimit),
		retry:   NewRetryPolicy(cfg.MaxRetries, cfg.RetryBackoff),
		sleep:   SleepContext,
		metrics: metrics.NewCollector("featuresink"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		httpCfg := clients.DefaultHTTPConfig()
		if cfg.ConnectTimeout > 0 {
			httpCfg.DialTimeout = cfg.ConnectTimeout
			httpCfg.TLSHandshakeTimeout = cfg.ConnectTimeout
		}
		if cfg.PoolSize > 0 {
			httpCfg.MaxIdleConnsPerHost = cfg.PoolSize
		}
		if cfg.KeepAlive > 0 {
			httpCfg.IdleConnTimeout = cfg.KeepAlive
		}
		httpCfg.EnableHTTP2 = cfg.EnableHTTP2
		c.pooled = clients.NewHTTPClient(httpCfg, log)
		c.http = c.pooled
	}

	c.logger.Info("ingest client created",
		zap.String("url", c.url),
		zap.Int("concurrency_limit", c.permits.Size()),
		zap.Int("max_attempts", c.retry.MaxAttempts),
		zap.Duration("retry_backoff", cfg.RetryBackoff),
		zap.String("compression", string(algorithm)))

	return c, nil
}

// Permits returns the client's permit pool
func (c *Client) Permits() *Permits {
	return c.permits
}

// HTTPStats returns the pooled HTTP client's request counters. It reports
// false when the client was built WithHTTPClient.
func (c *Client) HTTPStats() (clients.HTTPStats, bool) {
	if c.pooled == nil {
		return clients.HTTPStats{}, false
	}
	return c.pooled.GetStats(), true
}

// SendSync posts req, retrying retriable failures with exponential backoff
// until the attempts are exhausted.
func (c *Client) SendSync(ctx context.Context, req *BatchRequest) Outcome {
	ctx, span := observability.StartSpan(ctx, "ingest.send_sync")
	defer span.End()

	start := time.Now()
	out := c.send(ctx, req, c.retry.MaxAttempts)
	c.finish(ctx, span, req, out, time.Since(start))
	return out
}

// SendAsync posts req once in the background. The returned future
// completes with the outcome and then runs callbacks.
func (c *Client) SendAsync(ctx context.Context, req *BatchRequest, callbacks ...func(Outcome)) *Future {
	if c.closed.Load() {
		f := Completed(closedOutcome(req.Len()))
		for _, cb := range callbacks {
			f.Then(cb)
		}
		return f
	}

	f := newFuture()
	for _, cb := range callbacks {
		f.Then(cb)
	}

	go func() {
		ctx, span := observability.StartSpan(ctx, "ingest.send_async")
		defer span.End()

		start := time.Now()
		out := c.send(ctx, req, 1)
		c.finish(ctx, span, req, out, time.Since(start))
		f.complete(out)
	}()

	return f
}

// SendAsyncBatch starts one asynchronous send per request
func (c *Client) SendAsyncBatch(ctx context.Context, reqs []*BatchRequest) []*Future {
	futures := make([]*Future, len(reqs))
	for i, req := range reqs {
		futures[i] = c.SendAsync(ctx, req)
	}
	return futures
}

// Close rejects further sends and releases pooled connections. Sends that
// start afterwards fail terminally.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("closing ingest client")
	if c.pooled != nil {
		return c.pooled.Close()
	}
	return nil
}

func (c *Client) send(ctx context.Context, req *BatchRequest, maxAttempts int) Outcome {
	records := req.Len()

	if c.closed.Load() {
		return closedOutcome(records)
	}

	body, err := c.encode(req)
	if err != nil {
		return Outcome{
			Kind:    Terminal,
			Err:     wrapFailure(Terminal, err, errors.ErrorTypeSerialization, "failed to encode ingest request"),
			Records: records,
		}
	}

	log := logger.FromContext(ctx, c.logger)
	release, err := c.acquire(ctx, log)
	if err != nil {
		return Outcome{Kind: Retriable, Err: err, Records: records}
	}
	defer func() {
		release()
		c.metrics.SetPermitsInUse(c.permits.InUse())
	}()

	var out Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.retry.Delay(attempt)
			log.Warn("retrying ingest request",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Duration("delay", delay),
				zap.Int("status_code", out.StatusCode),
				zap.Error(out.Err))

			if err := c.sleep(ctx, delay); err != nil {
				out.Kind = Retriable
				out.Err = wrapFailure(Retriable, err, errors.ErrorTypeTimeout, "interrupted during retry backoff")
				return out
			}
		}

		out = c.attempt(ctx, body)
		out.Attempts = attempt
		out.Records = records
		if out.Kind != Retriable {
			return out
		}
	}
	return out
}

func closedOutcome(records int) Outcome {
	return Outcome{
		Kind:    Terminal,
		Err:     failure(Terminal, errors.ErrorTypeShutdown, "ingest client is closed"),
		Records: records,
	}
}

func (c *Client) acquire(ctx context.Context, log *zap.Logger) (func(), error) {
	start := time.Now()
	release, err := c.permits.Acquire(ctx, c.config.PermitWait)
	c.metrics.ObservePermitWait(time.Since(start))
	if err != nil {
		log.Warn("concurrency permit unavailable",
			zap.Duration("permit_wait", c.config.PermitWait),
			zap.Int("permits", c.permits.Size()),
			zap.Error(err))
		return nil, err
	}
	c.metrics.SetPermitsInUse(c.permits.InUse())
	return release, nil
}

// encode serializes req once so every attempt posts identical bytes
func (c *Client) encode(req *BatchRequest) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	if err := c.encoder.Encode(buf, func(w io.Writer) error {
		return c.codec.Encode(w, req)
	}); err != nil {
		return nil, err
	}

	if c.config.EventDataEnabled && c.logger.Core().Enabled(zapcore.DebugLevel) {
		if data, err := c.codec.Marshal(req); err == nil {
			c.logger.Debug("ingest request body", zap.ByteString("body", data))
		}
	}

	body := make([]byte, buf.Len())
	copy(body, buf.Bytes())
	return body, nil
}

func (c *Client) attempt(ctx context.Context, body []byte) Outcome {
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Outcome{
			Kind: Terminal,
			Err:  wrapFailure(Terminal, err, errors.ErrorTypeInternal, "failed to build ingest request"),
		}
	}
	httpReq.Header.Set("Authorization", authScheme+c.config.AuthToken)
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", contentTypeJSON)
	if enc := c.encoder.ContentEncoding(); enc != "" {
		httpReq.Header.Set("Content-Encoding", enc)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.ObserveAttempt(0)
		kind, errType := ClassifyTransportError(err)
		return Outcome{Kind: kind, Err: wrapFailure(kind, err, errType, "ingest request failed")}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.metrics.ObserveAttempt(resp.StatusCode)
	if err != nil {
		kind, errType := ClassifyTransportError(err)
		return Outcome{
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Err:        wrapFailure(kind, err, errType, "failed to read ingest response"),
		}
	}

	return c.classifyResponse(resp.StatusCode, data)
}

func (c *Client) classifyResponse(code int, data []byte) Outcome {
	kind := ClassifyStatus(code)
	out := Outcome{Kind: kind, StatusCode: code}

	if kind == Success {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			out.Kind = Terminal
			out.Err = failure(Terminal, errors.ErrorTypeSerialization, "ingest response is not a JSON object").
				WithDetail("status_code", code)
			return out
		}
		var resp Response
		if err := c.codec.Unmarshal(trimmed, &resp); err != nil {
			out.Kind = Terminal
			out.Err = wrapFailure(Terminal, err, errors.ErrorTypeSerialization, "failed to parse ingest response").
				WithDetail("status_code", code)
			return out
		}
		out.Response = &resp
		return out
	}

	apiErr := errors.Newf(errors.ErrorTypeAPI, "ingest request failed with status %d", code).
		WithDetail(errors.DetailRetriable, kind == Retriable).
		WithDetail("status_code", code)

	var body APIError
	if err := c.codec.Unmarshal(data, &body); err == nil && !body.empty() {
		out.APIError = &body
		apiErr.Cause = &body
	} else if len(data) > 0 {
		apiErr.WithDetail("body", truncate(string(data), 512))
	}
	out.Err = apiErr
	return out
}

func (c *Client) finish(ctx context.Context, span *observability.Span, req *BatchRequest, out Outcome, d time.Duration) {
	log := logger.FromContext(ctx, c.logger)
	c.metrics.ObserveRequest(out.Kind.String(), d)

	span.SetAttribute("workspace", req.WorkspaceName)
	span.SetAttribute("records", out.Records)
	span.SetAttribute("attempts", out.Attempts)
	span.SetAttribute("status_code", out.StatusCode)
	span.SetAttribute("outcome", out.Kind.String())

	fields := []zap.Field{
		zap.String("workspace", req.WorkspaceName),
		zap.Int("records", out.Records),
		zap.Int("attempts", out.Attempts),
		zap.Int("status_code", out.StatusCode),
		zap.Duration("duration", d),
	}

	switch out.Kind {
	case Success:
		c.metrics.RecordsIngested(out.Records)
		c.logSuccess(log, out.Response, fields)
	case Retriable:
		span.Fail(out.Err)
		log.Warn("ingest request failed, batch may be redelivered", append(fields, zap.Error(out.Err))...)
	default:
		span.Fail(out.Err)
		log.Error("ingest request failed permanently", append(fields, zap.Error(out.Err))...)
	}
}

func (c *Client) logSuccess(log *zap.Logger, resp *Response, fields []zap.Field) {
	if resp == nil {
		log.Info("ingest request succeeded", fields...)
		return
	}

	for _, fv := range resp.IngestMetrics.FeatureViewIngestMetrics {
		online := fv.OnlineRecordIngestCount.Int64()
		offline := fv.OfflineRecordIngestCount.Int64()
		c.metrics.AddFeatureViewRecords(fv.FeatureViewName, "online", online)
		c.metrics.AddFeatureViewRecords(fv.FeatureViewName, "offline", offline)
		log.Debug("feature view ingested",
			zap.String("feature_view", fv.FeatureViewName),
			zap.Int64("online_records", online),
			zap.Int64("offline_records", offline))
	}

	log.Info("ingest request succeeded", append(fields,
		zap.Int("feature_views", len(resp.IngestMetrics.FeatureViewIngestMetrics)),
		zap.Int("data_sources", len(resp.IngestMetrics.DataSourceIngestMetrics)))...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...(%d bytes)", s[:n], len(s))
}
