package pipeline

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/featuresink/pkg/convert"
	"github.com/ajitpratap0/featuresink/pkg/errant"
	"github.com/ajitpratap0/featuresink/pkg/errors"
	"github.com/ajitpratap0/featuresink/pkg/ingest"
	"github.com/ajitpratap0/featuresink/pkg/metrics"
	"github.com/ajitpratap0/featuresink/pkg/testutil"
)

type ProcessorIntegrationSuite struct {
	testutil.IntegrationTestSuite
}

func TestProcessorIntegration(t *testing.T) {
	testutil.IntegrationTest(t)
	suite.Run(t, new(ProcessorIntegrationSuite))
}

func (s *ProcessorIntegrationSuite) processor(srv *testutil.IngestServer, async bool) *Processor {
	logger := s.Logger()
	m := metrics.NewCollector("integration")

	client, err := ingest.NewClient(ingest.ClientConfig{
		Endpoint:         srv.URL,
		AuthToken:        "k",
		RequestTimeout:   5 * time.Second,
		PermitWait:       time.Second,
		ConcurrencyLimit: 4,
		MaxRetries:       2,
		RetryBackoff:     time.Millisecond,
	}, logger, ingest.WithMetrics(m))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = client.Close() })

	normalizer := convert.NewNormalizer(convert.Options{SanitizeKeys: true, KeyEnabled: true}, nil, nil)
	return NewProcessor(Config{Workspace: "prod", BatchMaxSize: 2, Async: async},
		normalizer, errant.NewRouter(errant.NewLogReporter(logger), logger, m), client, logger, m)
}

func (s *ProcessorIntegrationSuite) records() []convert.SourceRecord {
	return []convert.SourceRecord{
		{Topic: "clicks", Offset: 0, Key: []byte("u1"), Value: []byte(`{"user-id":"u1","n":1}`)},
		{Topic: "clicks", Offset: 1, Key: []byte("u2"), Value: []byte(`{"user-id":"u2","n":2}`)},
		{Topic: "clicks", Offset: 2, Key: []byte("u3"), Value: []byte(`{"user-id":"u3","n":3}`)},
	}
}

func (s *ProcessorIntegrationSuite) TestSyncDelivery() {
	srv := s.IngestServer()
	p := s.processor(srv, false)

	s.Require().NoError(p.Process(s.Context(), s.records()))

	reqs := srv.Requests()
	s.Require().Len(reqs, 2)
	s.JSONEq(`{"workspace_name":"prod","dry_run":false,"records":{"clicks":[
		{"record":{"user_id":"u1","n":1,"kafka_key":"u1"}},
		{"record":{"user_id":"u2","n":2,"kafka_key":"u2"}}]}}`, string(reqs[0].Body))
	s.JSONEq(`{"workspace_name":"prod","dry_run":false,"records":{"clicks":[
		{"record":{"user_id":"u3","n":3,"kafka_key":"u3"}}]}}`, string(reqs[1].Body))
}

func (s *ProcessorIntegrationSuite) TestAsyncDeliveryRetriesThenSucceeds() {
	srv := s.IngestServer(
		testutil.Reply{Status: http.StatusServiceUnavailable},
		testutil.Reply{Status: http.StatusOK, Body: testutil.SuccessBody},
	)
	p := s.processor(srv, true)

	err := p.Process(s.Context(), s.records())
	// async sends make a single attempt, so the 503 surfaces as retriable
	s.Require().Error(err)
	s.True(errors.IsRetryable(err))
	s.Equal(2, srv.Count())

	s.Require().NoError(p.Process(s.Context(), s.records()))
	s.Equal(4, srv.Count())
}

func (s *ProcessorIntegrationSuite) TestTerminalRejection() {
	srv := s.IngestServer(testutil.Reply{
		Status: http.StatusBadRequest,
		Body:   `{"requestError":{"errorMessage":"unknown push source","errorType":"INVALID_ARGUMENT"}}`,
	})
	p := s.processor(srv, false)

	err := p.Process(s.Context(), s.records())
	s.Require().Error(err)
	s.False(errors.IsRetryable(err))
	s.Equal(1, srv.Count())
}

func (s *ProcessorIntegrationSuite) TestRedeliveredUntilAccepted() {
	srv := s.IngestServer(
		testutil.Reply{Status: http.StatusBadGateway},
		testutil.Reply{Status: http.StatusBadGateway},
		testutil.Reply{Status: http.StatusBadGateway},
		testutil.Reply{Status: http.StatusOK, Body: testutil.SuccessBody},
	)
	p := s.processor(srv, false)
	r := NewRedeliverer(time.Millisecond, 10*time.Millisecond, s.Logger())

	records := s.records()[:1]
	err := r.Run(s.Context(), func(ctx context.Context) error {
		return p.Process(ctx, records)
	})
	s.Require().NoError(err)
	// three attempts in the first invocation, one in the redelivery
	s.Equal(4, srv.Count())
}
