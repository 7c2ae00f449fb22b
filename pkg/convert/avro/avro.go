// Package avro decodes Confluent-framed Avro payloads into canonical values
package avro

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/linkedin/goavro/v2"
	"go.uber.org/zap"

	"github.com/ajitpratap0/featuresink/pkg/convert"
)

const (
	magicByte   = 0x0
	headerBytes = 5
)

// Registry resolves schema ids to Avro schema text
type Registry interface {
	Schema(ctx context.Context, id int) (string, error)
}

// StaticRegistry serves schemas from a fixed map
type StaticRegistry map[int]string

// Schema implements Registry
func (r StaticRegistry) Schema(_ context.Context, id int) (string, error) {
	s, ok := r[id]
	if !ok {
		return "", fmt.Errorf("schema id %d not found", id)
	}
	return s, nil
}

type compiled struct {
	codec  *goavro.Codec
	schema *schemaNode
}

// Deserializer decodes Confluent wire format: a zero magic byte, a
// big-endian 4-byte schema id, then the Avro binary datum. Compiled
// schemas are cached per id.
type Deserializer struct {
	registry Registry
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[int]*compiled
}

// NewDeserializer creates a deserializer backed by registry
func NewDeserializer(registry Registry, logger *zap.Logger) *Deserializer {
	return &Deserializer{
		registry: registry,
		logger:   logger.With(zap.String("component", "avro_deserializer")),
		cache:    make(map[int]*compiled),
	}
}

var _ convert.StructSerializer = (*Deserializer)(nil)

// Deserialize implements convert.StructSerializer
func (d *Deserializer) Deserialize(topic string, s convert.Structured) (interface{}, error) {
	id, payload, err := ParseFrame(s.Payload)
	if err != nil {
		return nil, err
	}

	c, err := d.compiled(context.Background(), id)
	if err != nil {
		return nil, err
	}

	native, rest, err := c.codec.NativeFromBinary(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode avro datum with schema %d: %w", id, err)
	}
	if len(rest) > 0 {
		d.logger.Debug("trailing bytes after avro datum",
			zap.String("topic", topic),
			zap.Int("schema_id", id),
			zap.Int("bytes", len(rest)))
	}

	return c.schema.canonical(native)
}

func (d *Deserializer) compiled(ctx context.Context, id int) (*compiled, error) {
	d.mu.RLock()
	c, ok := d.cache[id]
	d.mu.RUnlock()
	if ok {
		return c, nil
	}

	text, err := d.registry.Schema(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve schema %d: %w", id, err)
	}
	codec, err := goavro.NewCodec(text)
	if err != nil {
		return nil, fmt.Errorf("invalid schema %d: %w", id, err)
	}
	node, err := parseSchema(text)
	if err != nil {
		return nil, fmt.Errorf("invalid schema %d: %w", id, err)
	}

	c = &compiled{codec: codec, schema: node}
	d.mu.Lock()
	d.cache[id] = c
	d.mu.Unlock()

	d.logger.Debug("compiled avro schema", zap.Int("schema_id", id))
	return c, nil
}

// ParseFrame splits a Confluent-framed payload into schema id and datum
func ParseFrame(data []byte) (int, []byte, error) {
	if len(data) < headerBytes {
		return 0, nil, fmt.Errorf("avro payload too short: %d bytes", len(data))
	}
	if data[0] != magicByte {
		return 0, nil, fmt.Errorf("unknown magic byte 0x%x", data[0])
	}
	return int(binary.BigEndian.Uint32(data[1:headerBytes])), data[headerBytes:], nil
}

// Frame prefixes datum with the Confluent header for id
func Frame(id int, datum []byte) []byte {
	out := make([]byte, headerBytes, headerBytes+len(datum))
	out[0] = magicByte
	binary.BigEndian.PutUint32(out[1:headerBytes], uint32(id))
	return append(out, datum...)
}
