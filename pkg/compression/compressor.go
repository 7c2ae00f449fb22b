// Package compression encodes ingest request bodies.
//
// # Overview
//
// An Encoder wraps a body writer in the configured content encoding and
// reuses compressor instances through a sync.Pool, since gzip writers are
// expensive to allocate. Decode is the inverse used on the receiving side.
//
// # Basic Usage
//
//	enc, err := compression.NewEncoder(compression.Gzip, compression.Default)
//	err = enc.Encode(buf, func(w io.Writer) error {
//	    return codec.Encode(w, req)
//	})
//	req.Header.Set("Content-Encoding", enc.ContentEncoding())
package compression

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Algorithm represents a content encoding
type Algorithm string

const (
	// None sends bodies as is
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
)

// Level represents compression level
type Level int

const (
	// Fastest favors speed over ratio
	Fastest Level = iota
	// Default balances speed and ratio
	Default
	// Best favors ratio over speed
	Best
)

// ParseAlgorithm maps a configuration value to an Algorithm. The empty
// string means None.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", None:
		return None, nil
	case Gzip:
		return Gzip, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", s)
	}
}

// Encoder writes bodies in one content encoding. It is safe for
// concurrent use.
type Encoder struct {
	algorithm Algorithm
	level     Level
	writers   sync.Pool
}

// NewEncoder creates an encoder for algorithm at level
func NewEncoder(algorithm Algorithm, level Level) (*Encoder, error) {
	e := &Encoder{algorithm: algorithm, level: level}

	switch algorithm {
	case None:
	case Gzip:
		gzipLevel := mapGzipLevel(level)
		e.writers.New = func() interface{} {
			w, _ := gzip.NewWriterLevel(nil, gzipLevel)
			return w
		}
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
	return e, nil
}

// Algorithm returns the encoder's algorithm
func (e *Encoder) Algorithm() Algorithm {
	return e.algorithm
}

// ContentEncoding returns the Content-Encoding header value, or "" when
// bodies are not encoded
func (e *Encoder) ContentEncoding() string {
	if e.algorithm == None {
		return ""
	}
	return string(e.algorithm)
}

// Encode calls write with a writer that encodes into dst. The encoded
// stream is complete when Encode returns nil.
func (e *Encoder) Encode(dst io.Writer, write func(io.Writer) error) error {
	if e.algorithm == None {
		return write(dst)
	}

	w := e.writers.Get().(*gzip.Writer)
	defer e.writers.Put(w)

	w.Reset(dst)
	if err := write(w); err != nil {
		return err
	}
	return w.Close()
}

// Decode returns a reader of the decoded body for a Content-Encoding value
func Decode(contentEncoding string, r io.Reader) (io.ReadCloser, error) {
	switch Algorithm(strings.ToLower(contentEncoding)) {
	case "", None, "identity":
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	default:
		return nil, fmt.Errorf("unsupported content encoding: %s", contentEncoding)
	}
}

func mapGzipLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}
