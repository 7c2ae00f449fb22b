package testutil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ajitpratap0/featuresink/pkg/compression"
)

// SuccessBody is a well-formed ingest success response
const SuccessBody = `{"workspaceName":"prod","ingestMetrics":{"featureViewIngestMetrics":[{"featureViewName":"user_clicks","onlineRecordIngestCount":"2","offlineRecordIngestCount":"2","featureViewId":"fv-1"}],"dataSourceIngestMetrics":[{"dataSourceName":"clicks","offlineRecordIngestCount":"2","dataSourceId":"ds-1"}]}}`

// Reply is one scripted response of an IngestServer
type Reply struct {
	Status int
	Body   string
}

// RecordedRequest is a request received by an IngestServer. Body is
// decompressed when the request was gzip encoded.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// IngestServer is a scripted stand-in for the ingest API. Replies are
// served in order; the last one repeats once the script is exhausted.
type IngestServer struct {
	*httptest.Server

	mu       sync.Mutex
	replies  []Reply
	requests []RecordedRequest
}

// NewIngestServer starts a server that answers with replies, or with
// 200 SuccessBody when none are given. It is closed when the test ends.
func NewIngestServer(t *testing.T, replies ...Reply) *IngestServer {
	t.Helper()

	if len(replies) == 0 {
		replies = []Reply{{Status: http.StatusOK, Body: SuccessBody}}
	}
	s := &IngestServer{replies: replies}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *IngestServer) handle(w http.ResponseWriter, r *http.Request) {
	reader, err := compression.Decode(r.Header.Get("Content-Encoding"), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   bytes.Clone(body),
	})
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.Status)
	_, _ = io.WriteString(w, reply.Body)
}

// Requests returns a copy of the requests received so far
func (s *IngestServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// Count returns the number of requests received so far
func (s *IngestServer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
