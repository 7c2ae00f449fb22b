package ingest

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// BatchRequest is the body of POST {endpoint}/ingest
type BatchRequest struct {
	WorkspaceName string                `json:"workspace_name"`
	DryRun        bool                  `json:"dry_run"`
	Records       map[string][]Envelope `json:"records"`
}

// Envelope wraps one record on the wire
type Envelope struct {
	Record Record `json:"record"`
}

// NewBatchRequest creates an empty request for workspace
func NewBatchRequest(workspace string, dryRun bool) *BatchRequest {
	return &BatchRequest{
		WorkspaceName: workspace,
		DryRun:        dryRun,
		Records:       make(map[string][]Envelope),
	}
}

// Add appends rec under pushSource, preserving insertion order per source
func (b *BatchRequest) Add(pushSource string, rec Record) {
	if b.Records == nil {
		b.Records = make(map[string][]Envelope)
	}
	b.Records[pushSource] = append(b.Records[pushSource], Envelope{Record: rec})
}

// Len returns the total number of records across push sources
func (b *BatchRequest) Len() int {
	n := 0
	for _, recs := range b.Records {
		n += len(recs)
	}
	return n
}

// PushSources returns the push source names in the request
func (b *BatchRequest) PushSources() []string {
	out := make([]string, 0, len(b.Records))
	for ps := range b.Records {
		out = append(out, ps)
	}
	return out
}

// Response is the body of a successful ingest call
type Response struct {
	WorkspaceName string        `json:"workspaceName"`
	IngestMetrics IngestMetrics `json:"ingestMetrics"`
}

// IngestMetrics reports per feature view and per data source counts
type IngestMetrics struct {
	FeatureViewIngestMetrics []FeatureViewIngestMetric `json:"featureViewIngestMetrics"`
	DataSourceIngestMetrics  []DataSourceIngestMetric  `json:"dataSourceIngestMetrics"`
}

// FeatureViewIngestMetric is the ingest count for one feature view
type FeatureViewIngestMetric struct {
	FeatureViewName          string `json:"featureViewName"`
	OnlineRecordIngestCount  Count  `json:"onlineRecordIngestCount"`
	OfflineRecordIngestCount Count  `json:"offlineRecordIngestCount"`
	FeatureViewID            string `json:"featureViewId"`
}

// DataSourceIngestMetric is the ingest count for one data source
type DataSourceIngestMetric struct {
	DataSourceName           string `json:"dataSourceName"`
	OfflineRecordIngestCount Count  `json:"offlineRecordIngestCount"`
	DataSourceID             string `json:"dataSourceId"`
}

// Count is a record count. The API encodes counts as strings; bare
// numbers and null are accepted as well.
type Count string

// MarshalJSON encodes the count as a JSON string
func (c Count) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(c))), nil
}

// UnmarshalJSON accepts "12", 12 or null
func (c *Count) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*c = ""
	case len(data) > 0 && data[0] == '"':
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return fmt.Errorf("invalid count %s: %w", data, err)
		}
		*c = Count(s)
	default:
		if _, err := strconv.ParseFloat(string(data), 64); err != nil {
			return fmt.Errorf("invalid count %s", data)
		}
		*c = Count(data)
	}
	return nil
}

// Int64 returns the count, or zero when it is empty or not an integer
func (c Count) Int64() int64 {
	n, err := strconv.ParseInt(string(c), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// APIError is the body of a failed ingest call
type APIError struct {
	RequestError  *RequestError `json:"requestError"`
	WorkspaceName string        `json:"workspaceName,omitempty"`
	RecordErrors  []RecordError `json:"recordErrors,omitempty"`
}

// RequestError describes a failure of the request as a whole
type RequestError struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorType    string `json:"errorType"`
}

// RecordError describes a failure of one record
type RecordError struct {
	FeatureViewName string `json:"featureViewName"`
	PushSourceName  string `json:"pushSourceName"`
	ErrorType       string `json:"errorType"`
	ErrorMessage    string `json:"errorMessage"`
}

// Error implements error
func (e *APIError) Error() string {
	var sb strings.Builder
	sb.WriteString("tecton ingest error")
	if e.WorkspaceName != "" {
		sb.WriteString(" in workspace ")
		sb.WriteString(e.WorkspaceName)
	}
	if e.RequestError != nil {
		fmt.Fprintf(&sb, ": %s (%s)", e.RequestError.ErrorMessage, e.RequestError.ErrorType)
	}
	if n := len(e.RecordErrors); n > 0 {
		first := e.RecordErrors[0]
		fmt.Fprintf(&sb, "; %d record error(s), first: %s/%s %s: %s",
			n, first.PushSourceName, first.FeatureViewName, first.ErrorType, first.ErrorMessage)
	}
	return sb.String()
}

func (e *APIError) empty() bool {
	return e.RequestError == nil && e.WorkspaceName == "" && len(e.RecordErrors) == 0
}
