package source

import (
	"bufio"
	"bytes"
	"io"
	"time"

	"github.com/ajitpratap0/featuresink/pkg/convert"
	"github.com/ajitpratap0/featuresink/pkg/errors"
)

// maxLineSize bounds a single NDJSON record
const maxLineSize = 4 << 20

// ReadNDJSON reads one JSON object per line. Blank lines are skipped;
// offsets count non-blank lines from zero. Lines are not parsed here so a
// malformed line reaches the errant-record reporter like any other
// conversion failure.
func ReadNDJSON(r io.Reader, topic string) ([]convert.SourceRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	now := time.Now()
	var (
		records []convert.SourceRecord
		line    int
	)
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		records = append(records, convert.SourceRecord{
			Topic:     topic,
			Offset:    int64(len(records)),
			Value:     append([]byte(nil), text...),
			Timestamp: now,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConversion, "failed to read NDJSON input").
			WithDetail("line", line+1)
	}
	return records, nil
}
