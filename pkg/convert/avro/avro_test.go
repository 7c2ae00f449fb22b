package avro

import (
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linkedin/goavro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/featuresink/pkg/convert"
	"github.com/ajitpratap0/featuresink/pkg/ingest"
	"github.com/ajitpratap0/featuresink/pkg/json"
	"github.com/ajitpratap0/featuresink/pkg/testutil"
)

const clickSchema = `{
	"type": "record",
	"name": "Click",
	"namespace": "com.acme",
	"fields": [
		{"name": "user_id", "type": "string"},
		{"name": "clicks", "type": "long"},
		{"name": "score", "type": ["null", "double"], "default": null},
		{"name": "tags", "type": {"type": "array", "items": "string"}},
		{"name": "attrs", "type": {"type": "map", "values": ["null", "string"]}},
		{"name": "device", "type": ["null", {"type": "record", "name": "Device", "fields": [{"name": "os", "type": "string"}]}]},
		{"name": "kind", "type": {"type": "enum", "name": "Kind", "symbols": ["WEB", "APP"]}},
		{"name": "raw", "type": "bytes"},
		{"name": "seen_at", "type": {"type": "long", "logicalType": "timestamp-millis"}},
		{"name": "price", "type": {"type": "bytes", "logicalType": "decimal", "precision": 10, "scale": 2}}
	]
}`

func encodeClick(t *testing.T, id int) []byte {
	t.Helper()
	codec, err := goavro.NewCodec(clickSchema)
	require.NoError(t, err)

	datum, err := codec.BinaryFromNative(nil, map[string]interface{}{
		"user_id": "u1",
		"clicks":  int64(7),
		"score":   goavro.Union("double", 0.5),
		"tags":    []interface{}{"a", "b"},
		"attrs":   map[string]interface{}{"x": goavro.Union("string", "y"), "z": nil},
		"device":  goavro.Union("com.acme.Device", map[string]interface{}{"os": "ios"}),
		"kind":    "APP",
		"raw":     []byte("hi"),
		"seen_at": time.Date(2024, 1, 2, 3, 4, 5, 6000000, time.UTC),
		"price":   big.NewRat(1999, 100),
	})
	require.NoError(t, err)
	return Frame(id, datum)
}

func TestDeserialize(t *testing.T) {
	d := NewDeserializer(StaticRegistry{3: clickSchema}, testutil.TestLogger(t))

	got, err := d.Deserialize("clicks", convert.Structured{Payload: encodeClick(t, 3)})
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{
		"user_id": "u1",
		"clicks":  int64(7),
		"score":   0.5,
		"tags":    []interface{}{"a", "b"},
		"attrs":   map[string]interface{}{"x": "y", "z": nil},
		"device":  map[string]interface{}{"os": "ios"},
		"kind":    "APP",
		"raw":     "aGk=",
		"seen_at": "2024-01-02T03:04:05.006Z",
		"price":   json.Number("19.99"),
	}, got)
	assert.True(t, ingest.Record(got.(map[string]interface{})).Valid())
}

func TestDeserializeErrors(t *testing.T) {
	d := NewDeserializer(StaticRegistry{3: clickSchema, 4: "not json"}, testutil.TestLogger(t))

	tests := []struct {
		name    string
		payload []byte
		msg     string
	}{
		{"short", []byte{0, 0}, "too short"},
		{"magic", []byte{1, 0, 0, 0, 3, 0}, "unknown magic byte"},
		{"unknown id", Frame(9, []byte{0}), "schema id 9 not found"},
		{"bad schema", Frame(4, []byte{0}), "invalid schema 4"},
		{"truncated datum", Frame(3, []byte{2}), "failed to decode avro datum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Deserialize("clicks", convert.Structured{Payload: tt.payload})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestNormalizerWithAvro(t *testing.T) {
	d := NewDeserializer(StaticRegistry{3: clickSchema}, testutil.TestLogger(t))
	n := convert.NewNormalizer(convert.Options{}, json.NewCodec(), d)

	rec, err := n.Normalize(convert.SourceRecord{
		Topic: "clicks",
		Value: convert.Structured{Payload: encodeClick(t, 3)},
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", rec["user_id"])
	assert.True(t, rec.Valid())
}

func TestParseFrame(t *testing.T) {
	id, datum, err := ParseFrame(Frame(258, []byte{1, 2}))
	require.NoError(t, err)
	assert.Equal(t, 258, id)
	assert.Equal(t, []byte{1, 2}, datum)
}

func TestHTTPRegistry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/schemas/ids/3":
			w.Header().Set("Content-Type", "application/vnd.schemaregistry.v1+json")
			_, _ = w.Write([]byte(`{"schema":"{\"type\":\"string\"}"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":40403,"message":"Schema not found"}`))
		}
	}))
	defer srv.Close()

	r := NewHTTPRegistry(srv.URL+"/", testutil.TestLogger(t))
	defer r.Close()

	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	s, err := r.Schema(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"string"}`, s)

	_, err = r.Schema(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	_, err = r.Schema(ctx, 5)
	assert.ErrorContains(t, err, "status 404")
}
