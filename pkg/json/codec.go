// Package json provides the JSON codec used across featuresink.
//
// A Codec is constructed explicitly and handed to the components that need
// it. It wraps goccy/go-json, decodes numbers as Number so integer precision
// survives the round trip to the ingest API, and encodes through pooled
// buffers.
package json

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ajitpratap0/featuresink/pkg/pool"
	gojson "github.com/goccy/go-json"
)

// Number is a JSON number literal kept in its textual form
type Number = gojson.Number

// Codec encodes and decodes JSON. It holds no mutable state and is safe for
// concurrent use.
type Codec struct {
	escapeHTML bool
}

// NewCodec creates a codec that leaves HTML characters unescaped
func NewCodec() *Codec {
	return &Codec{}
}

// Marshal encodes v
func (c *Codec) Marshal(v interface{}) ([]byte, error) {
	if c.escapeHTML {
		return gojson.Marshal(v)
	}
	return gojson.MarshalNoEscape(v)
}

// MarshalIndent encodes v with indentation
func (c *Codec) MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return gojson.MarshalIndent(v, prefix, indent)
}

// Encode writes v to w through a pooled buffer, without a trailing newline
func (c *Codec) Encode(w io.Writer, v interface{}) error {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	enc := gojson.NewEncoder(buf)
	enc.SetEscapeHTML(c.escapeHTML)
	if err := enc.Encode(v); err != nil {
		return err
	}
	_, err := w.Write(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return err
}

// Unmarshal decodes data into v, keeping numbers as Number when v holds
// untyped values
func (c *Codec) Unmarshal(data []byte, v interface{}) error {
	dec := gojson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// DecodeObject parses data, which must hold exactly one JSON object
func (c *Codec) DecodeObject(data []byte) (map[string]interface{}, error) {
	if !gojson.Valid(data) {
		return nil, fmt.Errorf("invalid JSON document")
	}

	var v interface{}
	if err := c.Unmarshal(data, &v); err != nil {
		return nil, err
	}

	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %s", describe(v))
	}
	return m, nil
}

func describe(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case Number:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
