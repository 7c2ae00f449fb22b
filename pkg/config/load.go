package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/featuresink/pkg/errors"
)

// EnvPrefix prefixes environment overrides, e.g. FEATURESINK_HTTP_AUTH_TOKEN
const EnvPrefix = "FEATURESINK"

// Load reads a YAML or JSON file, substitutes ${VAR} references, applies
// FEATURESINK_* environment overrides on top of defaults, and decodes the
// result. An empty path loads defaults and environment only. The returned
// configuration is not validated.
func Load(filePath string) (*SinkConfig, error) {
	v := viper.New()
	setDefaults(v, NewSinkConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filePath != "" {
		data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the operator
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file").
				WithDetail("path", filePath)
		}

		v.SetConfigType(configType(filePath))
		if err := v.ReadConfig(bytes.NewReader([]byte(substituteEnvVars(string(data))))); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse config file").
				WithDetail("path", filePath)
		}
	}

	cfg := &SinkConfig{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to decode config")
	}

	return cfg, nil
}

// Save writes cfg to a YAML file
func Save(filePath string, cfg *SinkConfig) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Marshal renders cfg as YAML
func Marshal(cfg *SinkConfig) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return data, nil
}

// setDefaults registers every key so environment overrides apply even when
// the file omits the key.
func setDefaults(v *viper.Viper, d *SinkConfig) {
	v.SetDefault("tecton.workspace_name", d.Tecton.WorkspaceName)
	v.SetDefault("tecton.push_source_name", d.Tecton.PushSourceName)
	v.SetDefault("tecton.dry_run", d.Tecton.DryRun)
	v.SetDefault("tecton.batch_max_size", d.Tecton.BatchMaxSize)

	v.SetDefault("http.cluster_endpoint", d.HTTP.ClusterEndpoint)
	v.SetDefault("http.auth_token", d.HTTP.AuthToken)
	v.SetDefault("http.connect_timeout", d.HTTP.ConnectTimeout)
	v.SetDefault("http.request_timeout", d.HTTP.RequestTimeout)
	v.SetDefault("http.permit_wait", d.HTTP.PermitWait)
	v.SetDefault("http.concurrency_limit", d.HTTP.ConcurrencyLimit)
	v.SetDefault("http.async_enabled", d.HTTP.AsyncEnabled)
	v.SetDefault("http.max_retries", d.HTTP.MaxRetries)
	v.SetDefault("http.retry_backoff", d.HTTP.RetryBackoff)
	v.SetDefault("http.connection_pool_size", d.HTTP.ConnectionPoolSize)
	v.SetDefault("http.keep_alive", d.HTTP.KeepAlive)
	v.SetDefault("http.enable_http2", d.HTTP.EnableHTTP2)
	v.SetDefault("http.compression", d.HTTP.Compression)

	v.SetDefault("record.key_enabled", d.Record.KeyEnabled)
	v.SetDefault("record.timestamp_enabled", d.Record.TimestampEnabled)
	v.SetDefault("record.headers_enabled", d.Record.HeadersEnabled)
	v.SetDefault("record.sanitize_keys_enabled", d.Record.SanitizeKeysEnabled)
	v.SetDefault("record.key_field", d.Record.KeyField)
	v.SetDefault("record.timestamp_field", d.Record.TimestampField)
	v.SetDefault("record.headers_field", d.Record.HeadersField)
	v.SetDefault("record.errors_tolerance", d.Record.ErrorsTolerance)

	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topics", d.Kafka.Topics)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("kafka.initial_offset", d.Kafka.InitialOffset)
	v.SetDefault("kafka.value_format", d.Kafka.ValueFormat)
	v.SetDefault("kafka.key_format", d.Kafka.KeyFormat)
	v.SetDefault("kafka.max_poll_records", d.Kafka.MaxPollRecords)
	v.SetDefault("kafka.flush_interval", d.Kafka.FlushInterval)
	v.SetDefault("kafka.schema_registry_url", d.Kafka.SchemaRegistryURL)
	v.SetDefault("kafka.dlq_topic", d.Kafka.DLQTopic)
	v.SetDefault("kafka.dlq_context_headers", d.Kafka.DLQContextHeaders)
	v.SetDefault("kafka.sasl_mechanism", d.Kafka.SASLMechanism)
	v.SetDefault("kafka.sasl_username", d.Kafka.SASLUsername)
	v.SetDefault("kafka.sasl_password", d.Kafka.SASLPassword)
	v.SetDefault("kafka.tls_enabled", d.Kafka.TLSEnabled)
	v.SetDefault("kafka.tls_insecure_skip_verify", d.Kafka.TLSInsecureSkipVerify)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("logging.development", d.Logging.Development)
	v.SetDefault("logging.event_data_enabled", d.Logging.EventDataEnabled)

	v.SetDefault("observability.metrics_address", d.Observability.MetricsAddress)
	v.SetDefault("observability.tracing_enabled", d.Observability.TracingEnabled)
	v.SetDefault("observability.service_name", d.Observability.ServiceName)
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var out strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		out.WriteString(content[:start])
		out.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	out.WriteString(content)
	return out.String()
}
