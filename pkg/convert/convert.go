// Package convert turns source records into canonical ingest records.
//
// A Normalizer accepts JSON text, structured payloads decoded by a
// schema-aware StructSerializer, or ready-made mappings. It optionally
// sanitizes field names and then adds Kafka provenance fields.
package convert

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/featuresink/pkg/config"
	"github.com/ajitpratap0/featuresink/pkg/errors"
	"github.com/ajitpratap0/featuresink/pkg/ingest"
	"github.com/ajitpratap0/featuresink/pkg/json"
)

// TimestampLayout is ISO-8601 with millisecond precision. Timestamps are
// rendered in UTC so the offset is always Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Header is one Kafka record header
type Header struct {
	Key   string
	Value []byte
}

// SourceRecord is one record as delivered by the source. Value and Key
// may be a JSON string or []byte, a Structured payload, or a
// map[string]interface{}.
type SourceRecord struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       interface{}
	Value     interface{}
	Timestamp time.Time
	Headers   []Header
}

// Structured is a payload that only a schema-aware serializer can decode,
// such as an Avro datum in Confluent wire format
type Structured struct {
	Payload []byte
}

// StructSerializer decodes structured payloads into canonical values
type StructSerializer interface {
	Deserialize(topic string, s Structured) (interface{}, error)
}

// Options controls sanitization and metadata enrichment
type Options struct {
	SanitizeKeys     bool
	KeyEnabled       bool
	KeyField         string
	TimestampEnabled bool
	TimestampField   string
	HeadersEnabled   bool
	HeadersField     string
}

// OptionsFromConfig maps the record section of the sink configuration
func OptionsFromConfig(cfg config.RecordConfig) Options {
	return Options{
		SanitizeKeys:     cfg.SanitizeKeysEnabled,
		KeyEnabled:       cfg.KeyEnabled,
		KeyField:         cfg.KeyField,
		TimestampEnabled: cfg.TimestampEnabled,
		TimestampField:   cfg.TimestampField,
		HeadersEnabled:   cfg.HeadersEnabled,
		HeadersField:     cfg.HeadersField,
	}
}

// Normalizer converts source records. It holds no mutable state and is
// safe for concurrent use.
type Normalizer struct {
	opts       Options
	codec      *json.Codec
	serializer StructSerializer
}

// NewNormalizer creates a normalizer. serializer may be nil when no
// structured payloads are expected.
func NewNormalizer(opts Options, codec *json.Codec, serializer StructSerializer) *Normalizer {
	if opts.KeyField == "" {
		opts.KeyField = "kafka_key"
	}
	if opts.TimestampField == "" {
		opts.TimestampField = "kafka_timestamp"
	}
	if opts.HeadersField == "" {
		opts.HeadersField = "kafka_headers"
	}
	if codec == nil {
		codec = json.NewCodec()
	}
	return &Normalizer{opts: opts, codec: codec, serializer: serializer}
}

// Normalize converts rec into a canonical record. Failures are conversion
// errors carrying the record's coordinates.
func (n *Normalizer) Normalize(rec SourceRecord) (ingest.Record, error) {
	out, err := n.value(rec)
	if err != nil {
		return nil, n.conversionError(rec, err)
	}

	if n.opts.SanitizeKeys {
		out = SanitizeRecord(out)
	}

	if n.opts.KeyEnabled && rec.Key != nil {
		key, err := n.key(rec)
		if err != nil {
			return nil, n.conversionError(rec, err)
		}
		out[n.opts.KeyField] = key
	}

	if n.opts.TimestampEnabled && !rec.Timestamp.IsZero() {
		out[n.opts.TimestampField] = FormatTimestamp(rec.Timestamp)
	}

	if n.opts.HeadersEnabled && len(rec.Headers) > 0 {
		headers := make(map[string]interface{}, len(rec.Headers))
		for _, h := range rec.Headers {
			if h.Value == nil {
				headers[h.Key] = nil
				continue
			}
			headers[h.Key] = string(h.Value)
		}
		out[n.opts.HeadersField] = headers
	}

	return out, nil
}

func (n *Normalizer) value(rec SourceRecord) (ingest.Record, error) {
	switch v := rec.Value.(type) {
	case string:
		return n.decodeJSON([]byte(v))
	case []byte:
		return n.decodeJSON(v)
	case Structured:
		decoded, err := n.structured(rec.Topic, v)
		if err != nil {
			return nil, err
		}
		m, ok := decoded.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("structured value decoded to %T, expected a record", decoded)
		}
		return ingest.Record(m), nil
	case map[string]interface{}:
		return copyMap(v), nil
	case ingest.Record:
		return copyMap(v), nil
	default:
		return nil, fmt.Errorf("unsupported record value type %T", rec.Value)
	}
}

func (n *Normalizer) decodeJSON(data []byte) (ingest.Record, error) {
	m, err := n.codec.DecodeObject(data)
	if err != nil {
		return nil, err
	}
	return ingest.Record(m), nil
}

func (n *Normalizer) structured(topic string, s Structured) (interface{}, error) {
	if n.serializer == nil {
		return nil, fmt.Errorf("no structured serializer configured")
	}
	return n.serializer.Deserialize(topic, s)
}

// key converts structured keys like values and stringifies everything else
func (n *Normalizer) key(rec SourceRecord) (interface{}, error) {
	switch k := rec.Key.(type) {
	case Structured:
		return n.structured(rec.Topic, k)
	case []byte:
		return string(k), nil
	case string:
		return k, nil
	default:
		return fmt.Sprint(k), nil
	}
}

func (n *Normalizer) conversionError(rec SourceRecord, err error) error {
	return errors.Wrap(err, errors.ErrorTypeConversion, "failed to convert record").
		WithDetail("topic", rec.Topic).
		WithDetail("partition", rec.Partition).
		WithDetail("offset", rec.Offset)
}

// FormatTimestamp renders t in UTC with millisecond precision
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func copyMap[M ~map[string]interface{}](m M) ingest.Record {
	out := make(ingest.Record, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
