package main

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/featuresink/internal/pipeline"
	"github.com/ajitpratap0/featuresink/internal/source"
	"github.com/ajitpratap0/featuresink/pkg/config"
	"github.com/ajitpratap0/featuresink/pkg/convert"
	"github.com/ajitpratap0/featuresink/pkg/convert/avro"
	"github.com/ajitpratap0/featuresink/pkg/errant"
	"github.com/ajitpratap0/featuresink/pkg/errors"
	"github.com/ajitpratap0/featuresink/pkg/ingest"
	"github.com/ajitpratap0/featuresink/pkg/json"
	"github.com/ajitpratap0/featuresink/pkg/logger"
	"github.com/ajitpratap0/featuresink/pkg/metrics"
)

// maxRedeliveryBackoff caps the wait between redeliveries of one poll
const maxRedeliveryBackoff = time.Minute

// sink holds the wired components of one sink instance
type sink struct {
	cfg         *config.SinkConfig
	logger      *zap.Logger
	metrics     *metrics.Collector
	client      *ingest.Client
	processor   *pipeline.Processor
	redeliverer *pipeline.Redeliverer
	closers     []func() error
}

// loadConfig loads and validates the configuration and installs the
// global logger it describes
func loadConfig(path string) (*config.SinkConfig, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Encoding,
	}); err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
	}
	return cfg, logger.Get(), nil
}

// newSink wires the ingest client, normalizer, errant router and processor
func newSink(cfg *config.SinkConfig, log *zap.Logger) (*sink, error) {
	s := &sink{
		cfg:     cfg,
		logger:  log,
		metrics: metrics.NewCollector(cfg.Observability.ServiceName),
	}

	codec := json.NewCodec()
	client, err := ingest.NewClient(ingest.NewClientConfig(cfg), log,
		ingest.WithMetrics(s.metrics),
		ingest.WithCodec(codec))
	if err != nil {
		return nil, err
	}
	s.client = client
	s.closers = append(s.closers, client.Close)

	serializer, err := s.structSerializer()
	if err != nil {
		s.close()
		return nil, err
	}
	normalizer := convert.NewNormalizer(convert.OptionsFromConfig(cfg.Record), codec, serializer)

	reporter, err := s.reporter()
	if err != nil {
		s.close()
		return nil, err
	}
	router := errant.NewRouter(reporter, log, s.metrics)

	s.processor = pipeline.NewProcessor(pipeline.ConfigFromSink(cfg), normalizer, router, client, log, s.metrics)
	s.redeliverer = pipeline.NewRedeliverer(cfg.HTTP.RetryBackoff, maxRedeliveryBackoff, log)

	log.Info("sink initialized",
		zap.String("workspace", cfg.Tecton.WorkspaceName),
		zap.String("push_source", cfg.Tecton.PushSourceName),
		zap.Int("batch_max_size", cfg.Tecton.BatchMaxSize),
		zap.Bool("async", cfg.HTTP.AsyncEnabled),
		zap.Bool("errant_reporting", router.Enabled()))
	return s, nil
}

// structSerializer returns the Avro deserializer when either payload is
// Avro encoded
func (s *sink) structSerializer() (convert.StructSerializer, error) {
	k := s.cfg.Kafka
	if k.ValueFormat != config.FormatAvro && k.KeyFormat != config.FormatAvro {
		return nil, nil
	}
	if k.SchemaRegistryURL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "kafka.schema_registry_url is required for avro")
	}
	registry := avro.NewHTTPRegistry(k.SchemaRegistryURL, s.logger)
	s.closers = append(s.closers, registry.Close)
	return avro.NewDeserializer(registry, s.logger), nil
}

// reporter selects the errant-record reporter: the dead letter topic when
// configured, otherwise the log when every error is tolerated, otherwise
// none
func (s *sink) reporter() (errant.Reporter, error) {
	k := s.cfg.Kafka
	if k.DLQTopic != "" {
		if len(k.Brokers) == 0 {
			return nil, errors.New(errors.ErrorTypeConfig, "kafka.brokers is required for kafka.dlq_topic")
		}
		producer, err := sarama.NewSyncProducer(k.Brokers, source.SaramaConfig(k, "featuresink-dlq"))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create dead letter producer").
				WithDetail("brokers", k.Brokers)
		}
		reporter := errant.NewKafkaReporter(producer, k.DLQTopic, k.DLQContextHeaders, s.logger)
		s.closers = append(s.closers, reporter.Close)
		return reporter, nil
	}

	if s.cfg.Record.ErrorsTolerance == config.ToleranceAll {
		return errant.NewLogReporter(s.logger), nil
	}
	return nil, nil
}

// handle processes one poll, redelivering it while failures are retriable
func (s *sink) handle(ctx context.Context, records []convert.SourceRecord) error {
	return s.redeliverer.Run(ctx, func(ctx context.Context) error {
		return s.processor.Process(ctx, records)
	})
}

// close releases resources in reverse creation order
func (s *sink) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("failed to close sink component", zap.Error(err))
		}
	}
	s.closers = nil
}
