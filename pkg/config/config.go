// Package config provides the configuration model for featuresink.
// A single SinkConfig describes one sink instance and is organized into
// sections:
//   - Tecton: target workspace, push source and batch sizing
//   - HTTP: ingest endpoint, credentials, timeouts, concurrency and retry
//   - Record: metadata enrichment and key sanitization toggles
//   - Kafka: source consumer group, value decoding and dead-letter routing
//   - Logging: log level, encoding and event payload logging
//   - Observability: metrics endpoint and tracing
//
// Example usage:
//
//	cfg := config.NewSinkConfig()
//	cfg.Tecton.WorkspaceName = "prod"
//	cfg.HTTP.ClusterEndpoint = "https://acme.tecton.ai"
//	cfg.HTTP.AuthToken = os.Getenv("TECTON_API_KEY")
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"net/url"
	"time"

	"github.com/ajitpratap0/featuresink/pkg/errors"
)

const (
	// MinBatchSize is the smallest accepted tecton.batch_max_size
	MinBatchSize = 1
	// MaxBatchSize is the largest accepted tecton.batch_max_size
	MaxBatchSize = 10000

	// CompressionNone sends request bodies uncompressed
	CompressionNone = "none"
	// CompressionGzip gzips request bodies
	CompressionGzip = "gzip"

	// FormatJSON decodes Kafka payloads as JSON text
	FormatJSON = "json"
	// FormatAvro decodes Kafka payloads as Confluent-framed Avro
	FormatAvro = "avro"
	// FormatString passes Kafka payloads through as strings
	FormatString = "string"

	// ToleranceNone fails the invocation on an errant record unless a dead
	// letter topic is configured
	ToleranceNone = "none"
	// ToleranceAll logs and drops errant records when no dead letter topic
	// is configured
	ToleranceAll = "all"
)

// SinkConfig is the complete configuration of one sink instance
type SinkConfig struct {
	Tecton        TectonConfig        `yaml:"tecton" json:"tecton" mapstructure:"tecton"`
	HTTP          HTTPConfig          `yaml:"http" json:"http" mapstructure:"http"`
	Record        RecordConfig        `yaml:"record" json:"record" mapstructure:"record"`
	Kafka         KafkaConfig         `yaml:"kafka" json:"kafka" mapstructure:"kafka"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging" mapstructure:"logging"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// TectonConfig identifies where records land
type TectonConfig struct {
	// WorkspaceName is the Tecton workspace that owns the push sources
	WorkspaceName string `yaml:"workspace_name" json:"workspace_name" mapstructure:"workspace_name"`
	// PushSourceName overrides the push source; blank means use the record's topic
	PushSourceName string `yaml:"push_source_name" json:"push_source_name" mapstructure:"push_source_name"`
	// DryRun asks the API to validate without persisting
	DryRun bool `yaml:"dry_run" json:"dry_run" mapstructure:"dry_run"`
	// BatchMaxSize caps the records per ingest request
	BatchMaxSize int `yaml:"batch_max_size" json:"batch_max_size" mapstructure:"batch_max_size"`
}

// HTTPConfig configures the ingest client
type HTTPConfig struct {
	// ClusterEndpoint is the base URL of the Tecton cluster
	ClusterEndpoint string `yaml:"cluster_endpoint" json:"cluster_endpoint" mapstructure:"cluster_endpoint"`
	// AuthToken is the service account API key
	AuthToken string `yaml:"auth_token" json:"auth_token" mapstructure:"auth_token"`
	// ConnectTimeout bounds dialing and TLS handshakes
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" mapstructure:"connect_timeout"`
	// RequestTimeout bounds one HTTP attempt
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" mapstructure:"request_timeout"`
	// PermitWait bounds concurrency permit acquisition; zero means RequestTimeout
	PermitWait time.Duration `yaml:"permit_wait" json:"permit_wait" mapstructure:"permit_wait"`
	// ConcurrencyLimit is the size of the permit pool
	ConcurrencyLimit int `yaml:"concurrency_limit" json:"concurrency_limit" mapstructure:"concurrency_limit"`
	// AsyncEnabled dispatches the batches of one invocation concurrently
	AsyncEnabled bool `yaml:"async_enabled" json:"async_enabled" mapstructure:"async_enabled"`
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
	// RetryBackoff is the delay before the first retry; it doubles per retry
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff" mapstructure:"retry_backoff"`
	// ConnectionPoolSize is the number of idle connections kept per host
	ConnectionPoolSize int `yaml:"connection_pool_size" json:"connection_pool_size" mapstructure:"connection_pool_size"`
	// KeepAlive is how long idle pooled connections survive
	KeepAlive time.Duration `yaml:"keep_alive" json:"keep_alive" mapstructure:"keep_alive"`
	// EnableHTTP2 negotiates HTTP/2 over TLS
	EnableHTTP2 bool `yaml:"enable_http2" json:"enable_http2" mapstructure:"enable_http2"`
	// Compression selects request body encoding (none, gzip)
	Compression string `yaml:"compression" json:"compression" mapstructure:"compression"`
}

// RecordConfig controls normalization
type RecordConfig struct {
	KeyEnabled          bool   `yaml:"key_enabled" json:"key_enabled" mapstructure:"key_enabled"`
	TimestampEnabled    bool   `yaml:"timestamp_enabled" json:"timestamp_enabled" mapstructure:"timestamp_enabled"`
	HeadersEnabled      bool   `yaml:"headers_enabled" json:"headers_enabled" mapstructure:"headers_enabled"`
	SanitizeKeysEnabled bool   `yaml:"sanitize_keys_enabled" json:"sanitize_keys_enabled" mapstructure:"sanitize_keys_enabled"`
	KeyField            string `yaml:"key_field" json:"key_field" mapstructure:"key_field"`
	TimestampField      string `yaml:"timestamp_field" json:"timestamp_field" mapstructure:"timestamp_field"`
	HeadersField        string `yaml:"headers_field" json:"headers_field" mapstructure:"headers_field"`
	// ErrorsTolerance is none or all
	ErrorsTolerance string `yaml:"errors_tolerance" json:"errors_tolerance" mapstructure:"errors_tolerance"`
}

// KafkaConfig configures the Kafka source and dead-letter producer
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers" mapstructure:"brokers"`
	Topics  []string `yaml:"topics" json:"topics" mapstructure:"topics"`
	GroupID string   `yaml:"group_id" json:"group_id" mapstructure:"group_id"`
	// InitialOffset is oldest or newest
	InitialOffset string `yaml:"initial_offset" json:"initial_offset" mapstructure:"initial_offset"`
	// ValueFormat is json, avro or string
	ValueFormat string `yaml:"value_format" json:"value_format" mapstructure:"value_format"`
	// KeyFormat is json, avro or string
	KeyFormat string `yaml:"key_format" json:"key_format" mapstructure:"key_format"`
	// MaxPollRecords caps the messages handed to one processing invocation
	MaxPollRecords int `yaml:"max_poll_records" json:"max_poll_records" mapstructure:"max_poll_records"`
	// FlushInterval flushes a partial poll after this long
	FlushInterval     time.Duration `yaml:"flush_interval" json:"flush_interval" mapstructure:"flush_interval"`
	SchemaRegistryURL string        `yaml:"schema_registry_url" json:"schema_registry_url" mapstructure:"schema_registry_url"`
	// DLQTopic receives errant records; blank disables the Kafka reporter
	DLQTopic string `yaml:"dlq_topic" json:"dlq_topic" mapstructure:"dlq_topic"`
	// DLQContextHeaders adds provenance and error headers to dead letters
	DLQContextHeaders     bool   `yaml:"dlq_context_headers" json:"dlq_context_headers" mapstructure:"dlq_context_headers"`
	SASLMechanism         string `yaml:"sasl_mechanism" json:"sasl_mechanism" mapstructure:"sasl_mechanism"`
	SASLUsername          string `yaml:"sasl_username" json:"sasl_username" mapstructure:"sasl_username"`
	SASLPassword          string `yaml:"sasl_password" json:"sasl_password" mapstructure:"sasl_password"`
	TLSEnabled            bool   `yaml:"tls_enabled" json:"tls_enabled" mapstructure:"tls_enabled"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify" json:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
}

// LoggingConfig configures pkg/logger
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level" mapstructure:"level"`
	Encoding    string `yaml:"encoding" json:"encoding" mapstructure:"encoding"`
	Development bool   `yaml:"development" json:"development" mapstructure:"development"`
	// EventDataEnabled logs record payloads at debug level
	EventDataEnabled bool `yaml:"event_data_enabled" json:"event_data_enabled" mapstructure:"event_data_enabled"`
}

// ObservabilityConfig configures metrics and tracing
type ObservabilityConfig struct {
	// MetricsAddress serves /metrics when set, e.g. ":9090"
	MetricsAddress string `yaml:"metrics_address" json:"metrics_address" mapstructure:"metrics_address"`
	TracingEnabled bool   `yaml:"tracing_enabled" json:"tracing_enabled" mapstructure:"tracing_enabled"`
	ServiceName    string `yaml:"service_name" json:"service_name" mapstructure:"service_name"`
}

// NewSinkConfig returns a configuration populated with defaults. The
// workspace, endpoint and token have no defaults and must be supplied.
func NewSinkConfig() *SinkConfig {
	return &SinkConfig{
		Tecton: TectonConfig{
			BatchMaxSize: 500,
		},
		HTTP: HTTPConfig{
			ConnectTimeout:     10 * time.Second,
			RequestTimeout:     30 * time.Second,
			ConcurrencyLimit:   10,
			MaxRetries:         3,
			RetryBackoff:       time.Second,
			ConnectionPoolSize: 5,
			KeepAlive:          5 * time.Minute,
			EnableHTTP2:        true,
			Compression:        CompressionNone,
		},
		Record: RecordConfig{
			KeyField:        "kafka_key",
			TimestampField:  "kafka_timestamp",
			HeadersField:    "kafka_headers",
			ErrorsTolerance: ToleranceNone,
		},
		Kafka: KafkaConfig{
			InitialOffset:     "oldest",
			ValueFormat:       FormatJSON,
			KeyFormat:         FormatString,
			MaxPollRecords:    500,
			FlushInterval:     time.Second,
			DLQContextHeaders: true,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Observability: ObservabilityConfig{
			ServiceName: "featuresink",
		},
	}
}

// Validate checks the sections every command needs. Kafka settings are
// checked separately by KafkaConfig.Validate.
func (c *SinkConfig) Validate() error {
	if c.Tecton.WorkspaceName == "" {
		return invalid("tecton.workspace_name is required")
	}
	if c.Tecton.BatchMaxSize < MinBatchSize || c.Tecton.BatchMaxSize > MaxBatchSize {
		return invalid("tecton.batch_max_size must be between 1 and 10000").
			WithDetail("value", c.Tecton.BatchMaxSize)
	}
	switch c.Record.ErrorsTolerance {
	case "", ToleranceNone, ToleranceAll:
	default:
		return invalid("record.errors_tolerance must be none or all").
			WithDetail("value", c.Record.ErrorsTolerance)
	}
	return c.HTTP.Validate()
}

// Validate checks the HTTP section
func (h *HTTPConfig) Validate() error {
	if h.ClusterEndpoint == "" {
		return invalid("http.cluster_endpoint is required")
	}
	u, err := url.Parse(h.ClusterEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("http.cluster_endpoint must be an absolute URL").
			WithDetail("value", h.ClusterEndpoint)
	}
	if h.AuthToken == "" {
		return invalid("http.auth_token is required")
	}
	if h.ConcurrencyLimit < 1 {
		return invalid("http.concurrency_limit must be at least 1")
	}
	if h.MaxRetries < 0 {
		return invalid("http.max_retries cannot be negative")
	}
	if h.RetryBackoff < 0 {
		return invalid("http.retry_backoff cannot be negative")
	}
	if h.RequestTimeout <= 0 {
		return invalid("http.request_timeout must be positive")
	}
	if h.ConnectTimeout <= 0 {
		return invalid("http.connect_timeout must be positive")
	}
	if h.PermitWait < 0 {
		return invalid("http.permit_wait cannot be negative")
	}
	if h.ConnectionPoolSize < 1 {
		return invalid("http.connection_pool_size must be at least 1")
	}
	switch h.Compression {
	case "", CompressionNone, CompressionGzip:
	default:
		return invalid("http.compression must be none or gzip").WithDetail("value", h.Compression)
	}
	return nil
}

// EffectivePermitWait returns PermitWait, falling back to RequestTimeout
func (h *HTTPConfig) EffectivePermitWait() time.Duration {
	if h.PermitWait > 0 {
		return h.PermitWait
	}
	return h.RequestTimeout
}

// Validate checks the Kafka section
func (k *KafkaConfig) Validate() error {
	if len(k.Brokers) == 0 {
		return invalid("kafka.brokers is required")
	}
	if len(k.Topics) == 0 {
		return invalid("kafka.topics is required")
	}
	if k.GroupID == "" {
		return invalid("kafka.group_id is required")
	}
	switch k.InitialOffset {
	case "", "oldest", "newest":
	default:
		return invalid("kafka.initial_offset must be oldest or newest")
	}
	for name, format := range map[string]string{"value_format": k.ValueFormat, "key_format": k.KeyFormat} {
		switch format {
		case "", FormatJSON, FormatString:
		case FormatAvro:
			if k.SchemaRegistryURL == "" {
				return invalid("kafka.schema_registry_url is required for avro").WithDetail("field", name)
			}
		default:
			return invalid("kafka." + name + " must be json, avro or string").WithDetail("value", format)
		}
	}
	if k.MaxPollRecords < 1 {
		return invalid("kafka.max_poll_records must be at least 1")
	}
	return nil
}

// Redacted returns a copy safe to print
func (c *SinkConfig) Redacted() *SinkConfig {
	out := *c
	out.Kafka.Brokers = append([]string(nil), c.Kafka.Brokers...)
	out.Kafka.Topics = append([]string(nil), c.Kafka.Topics...)
	if out.HTTP.AuthToken != "" {
		out.HTTP.AuthToken = redactedValue
	}
	if out.Kafka.SASLPassword != "" {
		out.Kafka.SASLPassword = redactedValue
	}
	return &out
}

const redactedValue = "********"

func invalid(msg string) *errors.Error {
	return errors.New(errors.ErrorTypeConfig, msg)
}
