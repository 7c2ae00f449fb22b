// Package featuresink streams Kafka records into Tecton feature store push
// sources through the Tecton ingest API.
//
// # Architecture
//
// A poll of source records flows through four stages:
//
// 1. Normalization (pkg/convert): JSON strings and bytes, Avro payloads and
// in-memory maps become canonical records. Keys are optionally sanitized and
// Kafka key, timestamp and headers are optionally attached.
//
// 2. Validation (pkg/ingest): every value must be null, a string, a finite
// number, a boolean, a list or a string-keyed map of valid values.
//
// 3. Batching (pkg/batch): valid records are grouped per push source into
// requests of at most tecton.batch_max_size records, preserving order.
//
// 4. Delivery (pkg/ingest): each request holds one concurrency permit while
// it is posted, retried with exponential backoff on retriable failures and
// classified as success, retriable or terminal.
//
// Records that fail the first two stages are routed to the errant-record
// reporter (pkg/errant), a Kafka dead letter topic or the log. Request
// failures are returned to the source (internal/source), which redelivers
// the poll while the failure is retriable and stops otherwise.
//
// # Usage
//
//	featuresink run --config sink.yaml
//	featuresink send --config sink.yaml --topic user_clicks clicks.ndjson
//
// # Package Organization
//
//   - cmd/featuresink: command line interface
//   - internal/pipeline: processing invocations and redelivery
//   - internal/source: Kafka consumer group and NDJSON input
//   - pkg/convert: record normalization, pkg/convert/avro for Avro payloads
//   - pkg/ingest: canonical records, wire types and the ingest client
//   - pkg/batch: per push source partitioning
//   - pkg/errant: errant-record routing
//   - pkg/config, pkg/logger, pkg/metrics, pkg/observability: ambient stack
//   - pkg/errors: structured errors and retry classification
package featuresink
