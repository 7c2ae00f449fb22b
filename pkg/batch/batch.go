// Package batch partitions validated records into ingest requests
package batch

import (
	"github.com/ajitpratap0/featuresink/pkg/ingest"
)

// Entry is one validated record and the push source it belongs to
type Entry struct {
	PushSource string
	Record     ingest.Record
}

// Partition splits items into contiguous chunks of at most size elements,
// preserving order. Only the last chunk may be shorter. Chunks share the
// backing array of items.
func Partition[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	if len(items) == 0 {
		return nil
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}

// Build groups entries into requests of at most maxSize records. Records
// keep their relative order within each push source.
func Build(entries []Entry, workspace string, dryRun bool, maxSize int) []*ingest.BatchRequest {
	chunks := Partition(entries, maxSize)
	reqs := make([]*ingest.BatchRequest, 0, len(chunks))
	for _, chunk := range chunks {
		req := ingest.NewBatchRequest(workspace, dryRun)
		for _, e := range chunk {
			req.Add(e.PushSource, e.Record)
		}
		reqs = append(reqs, req)
	}
	return reqs
}
