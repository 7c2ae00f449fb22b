package ingest

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/featuresink/pkg/config"
	"github.com/ajitpratap0/featuresink/pkg/errors"
	"github.com/ajitpratap0/featuresink/pkg/json"
	"github.com/ajitpratap0/featuresink/pkg/logger"
	"github.com/ajitpratap0/featuresink/pkg/testutil"
)

func testClientConfig(endpoint string) ClientConfig {
	return ClientConfig{
		Endpoint:         endpoint,
		AuthToken:        "secret-key",
		RequestTimeout:   5 * time.Second,
		PermitWait:       time.Second,
		ConcurrencyLimit: 2,
		MaxRetries:       3,
		RetryBackoff:     time.Second,
	}
}

func newTestClient(t *testing.T, cfg ClientConfig, opts ...Option) (*Client, func() []time.Duration) {
	t.Helper()
	sleep, delays := testutil.RecordSleeps()
	opts = append([]Option{WithSleeper(sleep)}, opts...)
	c, err := NewClient(cfg, testutil.TestLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, delays
}

func sampleRequest() *BatchRequest {
	req := NewBatchRequest("prod", false)
	req.Add("clicks", Record{"user_id": "u1", "clicks": json.Number("3")})
	req.Add("clicks", Record{"user_id": "u2", "clicks": json.Number("5")})
	return req
}

func TestSendSyncSuccess(t *testing.T) {
	srv := testutil.NewIngestServer(t)
	c, delays := newTestClient(t, testClientConfig(srv.URL+"/"))

	out := c.SendSync(context.Background(), sampleRequest())

	require.True(t, out.OK(), "outcome error: %v", out.Err)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 2, out.Records)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	require.NotNil(t, out.Response)
	assert.Equal(t, "prod", out.Response.WorkspaceName)
	assert.Empty(t, delays())
	assert.Equal(t, 0, c.Permits().InUse())

	stats, ok := c.HTTPStats()
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(0), stats.FailedRequests)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "/ingest", reqs[0].Path)
	assert.Equal(t, "Tecton-key secret-key", reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Accept"))
	assert.JSONEq(t, `{
		"workspace_name": "prod",
		"dry_run": false,
		"records": {"clicks": [
			{"record": {"user_id": "u1", "clicks": 3}},
			{"record": {"user_id": "u2", "clicks": 5}}
		]}
	}`, string(reqs[0].Body))
}

func TestSendSyncRetriesExhausted(t *testing.T) {
	srv := testutil.NewIngestServer(t, testutil.Reply{Status: http.StatusServiceUnavailable, Body: "busy"})
	c, delays := newTestClient(t, testClientConfig(srv.URL))

	out := c.SendSync(context.Background(), sampleRequest())

	assert.Equal(t, Retriable, out.Kind)
	assert.Equal(t, 4, out.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, out.StatusCode)
	assert.Equal(t, 4, srv.Count())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays())
	assert.True(t, errors.IsRetryable(out.Err))
	assert.True(t, errors.IsType(out.Err, errors.ErrorTypeAPI))
	assert.Equal(t, 0, c.Permits().InUse())
}

func TestSendSyncRetryThenSuccess(t *testing.T) {
	srv := testutil.NewIngestServer(t,
		testutil.Reply{Status: http.StatusTooManyRequests},
		testutil.Reply{Status: http.StatusOK, Body: testutil.SuccessBody},
	)
	c, delays := newTestClient(t, testClientConfig(srv.URL))

	out := c.SendSync(context.Background(), sampleRequest())

	require.True(t, out.OK())
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, delays())

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].Body, reqs[1].Body)
}

func TestSendSyncTerminalStatus(t *testing.T) {
	body := `{"requestError":{"errorMessage":"invalid api key","errorType":"UNAUTHENTICATED"},"workspaceName":"prod"}`
	srv := testutil.NewIngestServer(t, testutil.Reply{Status: http.StatusUnauthorized, Body: body})
	c, delays := newTestClient(t, testClientConfig(srv.URL))

	out := c.SendSync(context.Background(), sampleRequest())

	assert.Equal(t, Terminal, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, srv.Count())
	assert.Empty(t, delays())
	assert.Equal(t, http.StatusUnauthorized, out.StatusCode)
	require.NotNil(t, out.APIError)
	assert.Equal(t, "UNAUTHENTICATED", out.APIError.RequestError.ErrorType)
	assert.False(t, errors.IsRetryable(out.Err))

	var apiErr *APIError
	require.True(t, stderrors.As(out.Err, &apiErr))
	assert.Equal(t, "invalid api key", apiErr.RequestError.ErrorMessage)
}

func TestSendSyncLogsBatchProvenance(t *testing.T) {
	srv := testutil.NewIngestServer(t, testutil.Reply{Status: http.StatusBadRequest, Body: `{"workspaceName":"prod"}`})
	core, logs := observer.New(zap.ErrorLevel)
	c, err := NewClient(testClientConfig(srv.URL), zap.New(core))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.WithValue(context.Background(), logger.PushSourceKey, "clicks")
	ctx = context.WithValue(ctx, logger.BatchIDKey, "4-2")
	out := c.SendSync(ctx, sampleRequest())
	require.Equal(t, Terminal, out.Kind)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "clicks", fields["push_source"])
	assert.Equal(t, "4-2", fields["batch_id"])
	assert.Equal(t, int64(400), fields["status_code"])
}

func TestSendSyncUnparseableSuccessBody(t *testing.T) {
	srv := testutil.NewIngestServer(t, testutil.Reply{Status: http.StatusOK, Body: "OK"})
	c, _ := newTestClient(t, testClientConfig(srv.URL))

	out := c.SendSync(context.Background(), sampleRequest())

	assert.Equal(t, Terminal, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.True(t, errors.IsType(out.Err, errors.ErrorTypeSerialization))
}

func TestSendSyncPermitUnavailable(t *testing.T) {
	srv := testutil.NewIngestServer(t)
	cfg := testClientConfig(srv.URL)
	cfg.ConcurrencyLimit = 1
	cfg.PermitWait = 20 * time.Millisecond
	c, delays := newTestClient(t, cfg)

	release, err := c.Permits().Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer release()

	out := c.SendSync(context.Background(), sampleRequest())

	assert.Equal(t, Retriable, out.Kind)
	assert.Equal(t, 0, out.Attempts)
	assert.True(t, errors.IsType(out.Err, errors.ErrorTypeConcurrency))
	assert.Equal(t, 0, srv.Count())
	assert.Empty(t, delays())
}

func TestSendSyncBackoffInterrupted(t *testing.T) {
	srv := testutil.NewIngestServer(t, testutil.Reply{Status: http.StatusBadGateway})
	interrupted := func(ctx context.Context, d time.Duration) error { return context.Canceled }
	c, err := NewClient(testClientConfig(srv.URL), testutil.TestLogger(t), WithSleeper(interrupted))
	require.NoError(t, err)
	defer c.Close()

	out := c.SendSync(context.Background(), sampleRequest())

	assert.Equal(t, Retriable, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, http.StatusBadGateway, out.StatusCode)
	assert.True(t, errors.IsRetryable(out.Err))
	assert.Equal(t, 0, c.Permits().InUse())
}

func TestSendSyncRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testClientConfig(srv.URL)
	cfg.RequestTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 0
	c, _ := newTestClient(t, cfg)

	out := c.SendSync(context.Background(), sampleRequest())

	assert.Equal(t, Retriable, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 0, out.StatusCode)
	assert.True(t, errors.IsRetryable(out.Err))
}

type failingDoer struct {
	err   error
	calls atomic.Int32
}

func (d *failingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls.Add(1)
	return nil, d.err
}

func TestSendSyncTransportErrors(t *testing.T) {
	t.Run("connection reset retries", func(t *testing.T) {
		doer := &failingDoer{err: io.ErrUnexpectedEOF}
		cfg := testClientConfig("http://ingest.invalid")
		cfg.MaxRetries = 2
		c, delays := newTestClient(t, cfg, WithHTTPClient(doer))

		out := c.SendSync(context.Background(), sampleRequest())

		assert.Equal(t, Retriable, out.Kind)
		assert.Equal(t, 3, out.Attempts)
		assert.Equal(t, int32(3), doer.calls.Load())
		assert.Len(t, delays(), 2)
		assert.True(t, errors.IsType(out.Err, errors.ErrorTypeTransport))

		_, ok := c.HTTPStats()
		assert.False(t, ok)
	})

	t.Run("closed connection is terminal", func(t *testing.T) {
		doer := &failingDoer{err: &net.OpError{Op: "write", Net: "tcp", Err: net.ErrClosed}}
		c, delays := newTestClient(t, testClientConfig("http://ingest.invalid"), WithHTTPClient(doer))

		out := c.SendSync(context.Background(), sampleRequest())

		assert.Equal(t, Terminal, out.Kind)
		assert.Equal(t, 1, out.Attempts)
		assert.Empty(t, delays())
		assert.True(t, errors.IsType(out.Err, errors.ErrorTypeShutdown))
	})
}

func TestSendAfterClose(t *testing.T) {
	srv := testutil.NewIngestServer(t)
	c, _ := newTestClient(t, testClientConfig(srv.URL))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	out := c.SendSync(context.Background(), sampleRequest())
	assert.Equal(t, Terminal, out.Kind)
	assert.True(t, errors.IsType(out.Err, errors.ErrorTypeShutdown))

	var fromCallback Outcome
	f := c.SendAsync(context.Background(), sampleRequest(), func(o Outcome) { fromCallback = o })
	select {
	case <-f.Done():
	default:
		t.Fatal("future of a closed client should already be complete")
	}
	assert.Equal(t, Terminal, fromCallback.Kind)
	assert.Equal(t, 2, fromCallback.Records)

	async := f.Wait(context.Background())
	assert.Equal(t, Terminal, async.Kind)
	assert.True(t, errors.IsType(async.Err, errors.ErrorTypeShutdown))
	assert.Equal(t, 0, srv.Count())
}

func TestSendAsyncBatch(t *testing.T) {
	srv := testutil.NewIngestServer(t)
	c, _ := newTestClient(t, testClientConfig(srv.URL))

	reqs := []*BatchRequest{sampleRequest(), sampleRequest(), sampleRequest()}
	futures := c.SendAsyncBatch(context.Background(), reqs)
	require.Len(t, futures, 3)

	var called atomic.Int32
	for _, f := range futures {
		f.Then(func(o Outcome) { called.Add(1) })
	}

	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	for _, f := range futures {
		out := f.Wait(ctx)
		assert.True(t, out.OK())
		assert.Equal(t, 1, out.Attempts)
	}

	testutil.AssertEventually(t, func() bool { return called.Load() == 3 }, time.Second, "callbacks did not run")
	assert.Equal(t, 3, srv.Count())
	assert.Equal(t, 0, c.Permits().InUse())
}

func TestSendAsyncMakesSingleAttempt(t *testing.T) {
	srv := testutil.NewIngestServer(t, testutil.Reply{Status: http.StatusServiceUnavailable})
	c, delays := newTestClient(t, testClientConfig(srv.URL))

	got := make(chan Outcome, 1)
	f := c.SendAsync(context.Background(), sampleRequest(), func(o Outcome) { got <- o })

	out := f.Wait(context.Background())
	assert.Equal(t, Retriable, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, srv.Count())
	assert.Empty(t, delays())

	select {
	case cb := <-got:
		assert.Equal(t, out.Kind, cb.Kind)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestSendGzip(t *testing.T) {
	srv := testutil.NewIngestServer(t)
	cfg := testClientConfig(srv.URL)
	cfg.Compression = config.CompressionGzip
	c, _ := newTestClient(t, cfg)

	out := c.SendSync(context.Background(), sampleRequest())
	require.True(t, out.OK())

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "gzip", reqs[0].Header.Get("Content-Encoding"))
	assert.Contains(t, string(reqs[0].Body), `"workspace_name":"prod"`)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{Endpoint: "not a url"}, testutil.TestLogger(t))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = NewClient(ClientConfig{Endpoint: "https://x.tecton.ai", Compression: "zstd"}, testutil.TestLogger(t))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestNewClientConfig(t *testing.T) {
	cfg := config.NewSinkConfig()
	cfg.HTTP.ClusterEndpoint = "https://acme.tecton.ai"
	cfg.HTTP.AuthToken = "k"
	cfg.Logging.EventDataEnabled = true

	cc := NewClientConfig(cfg)
	assert.Equal(t, "https://acme.tecton.ai", cc.Endpoint)
	assert.Equal(t, "k", cc.AuthToken)
	assert.Equal(t, cfg.HTTP.EffectivePermitWait(), cc.PermitWait)
	assert.Equal(t, cfg.HTTP.ConcurrencyLimit, cc.ConcurrencyLimit)
	assert.Equal(t, cfg.HTTP.MaxRetries, cc.MaxRetries)
	assert.True(t, cc.EventDataEnabled)
}
