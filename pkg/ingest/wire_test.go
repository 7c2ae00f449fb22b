package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/featuresink/pkg/json"
	"github.com/ajitpratap0/featuresink/pkg/testutil"
)

func TestBatchRequestEncoding(t *testing.T) {
	req := NewBatchRequest("prod", true)
	req.Add("clicks", Record{"user_id": "u1", "n": json.Number("3")})
	req.Add("clicks", Record{"user_id": "u2", "n": json.Number("4")})
	req.Add("views", Record{"page": "home"})

	assert.Equal(t, 3, req.Len())
	assert.ElementsMatch(t, []string{"clicks", "views"}, req.PushSources())

	data, err := json.NewCodec().Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"workspace_name": "prod",
		"dry_run": true,
		"records": {
			"clicks": [{"record": {"user_id": "u1", "n": 3}}, {"record": {"user_id": "u2", "n": 4}}],
			"views": [{"record": {"page": "home"}}]
		}
	}`, string(data))
}

func TestBatchRequestAddOnZeroValue(t *testing.T) {
	var req BatchRequest
	req.Add("clicks", Record{"a": 1})
	assert.Equal(t, 1, req.Len())
}

func TestResponseDecoding(t *testing.T) {
	var resp Response
	require.NoError(t, json.NewCodec().Unmarshal([]byte(testutil.SuccessBody), &resp))

	assert.Equal(t, "prod", resp.WorkspaceName)
	require.Len(t, resp.IngestMetrics.FeatureViewIngestMetrics, 1)
	fv := resp.IngestMetrics.FeatureViewIngestMetrics[0]
	assert.Equal(t, "user_clicks", fv.FeatureViewName)
	assert.Equal(t, int64(2), fv.OnlineRecordIngestCount.Int64())
	assert.Equal(t, "fv-1", fv.FeatureViewID)
	require.Len(t, resp.IngestMetrics.DataSourceIngestMetrics, 1)
	assert.Equal(t, "ds-1", resp.IngestMetrics.DataSourceIngestMetrics[0].DataSourceID)
}

func TestCountDecoding(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"string", `"15"`, 15, false},
		{"number", `15`, 15, false},
		{"null", `null`, 0, false},
		{"empty string", `""`, 0, false},
		{"garbage", `true`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Count
			err := c.UnmarshalJSON([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Int64())
		})
	}

	data, err := Count("7").MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"7"`, string(data))
}

func TestAPIErrorMessage(t *testing.T) {
	var apiErr APIError
	require.NoError(t, json.NewCodec().Unmarshal([]byte(`{
		"requestError": {"errorMessage": "invalid token", "errorType": "UNAUTHENTICATED"},
		"workspaceName": "prod",
		"recordErrors": [{"featureViewName": "fv", "pushSourceName": "clicks", "errorType": "TYPE_MISMATCH", "errorMessage": "bad type"}]
	}`), &apiErr))

	assert.False(t, apiErr.empty())
	msg := apiErr.Error()
	assert.Contains(t, msg, "workspace prod")
	assert.Contains(t, msg, "invalid token (UNAUTHENTICATED)")
	assert.Contains(t, msg, "1 record error(s)")
	assert.Contains(t, msg, "clicks/fv TYPE_MISMATCH: bad type")

	assert.True(t, (&APIError{}).empty())
}

func TestWireRoundTrip(t *testing.T) {
	req := NewBatchRequest("prod", true)
	req.Add("clicks", Record{
		"user_id": "u1",
		"n":       json.Number("12345678901234567890"),
		"ratio":   json.Number("0.25"),
		"active":  true,
		"missing": nil,
		"tags":    []interface{}{"a", json.Number("1")},
		"nested":  map[string]interface{}{"k": "v"},
	})
	req.Add("clicks", Record{"user_id": "u2"})
	req.Add("views", Record{"page": "home"})

	tests := []struct {
		name string
		in   interface{}
		out  func() interface{}
	}{
		{
			name: "batch request",
			in:   req,
			out:  func() interface{} { return &BatchRequest{} },
		},
		{
			name: "response",
			in: &Response{
				WorkspaceName: "prod",
				IngestMetrics: IngestMetrics{
					FeatureViewIngestMetrics: []FeatureViewIngestMetric{
						{FeatureViewName: "user_clicks", OnlineRecordIngestCount: "2", OfflineRecordIngestCount: "2", FeatureViewID: "fv-1"},
					},
					DataSourceIngestMetrics: []DataSourceIngestMetric{
						{DataSourceName: "clicks", OfflineRecordIngestCount: "2", DataSourceID: "ds-1"},
					},
				},
			},
			out: func() interface{} { return &Response{} },
		},
		{
			name: "api error",
			in: &APIError{
				RequestError:  &RequestError{ErrorMessage: "bad record", ErrorType: "INVALID_ARGUMENT"},
				WorkspaceName: "prod",
				RecordErrors: []RecordError{
					{FeatureViewName: "fv", PushSourceName: "clicks", ErrorType: "TYPE_MISMATCH", ErrorMessage: "bad type"},
				},
			},
			out: func() interface{} { return &APIError{} },
		},
	}

	codec := json.NewCodec()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := codec.Marshal(tt.in)
			require.NoError(t, err)

			got := tt.out()
			require.NoError(t, codec.Unmarshal(data, got))
			assert.Equal(t, tt.in, got)
		})
	}
}
