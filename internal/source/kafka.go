// Package source feeds records into the processing pipeline. KafkaSource
// consumes a Kafka consumer group and hands each poll to a Handler; the
// NDJSON reader feeds one-shot sends from a file or stdin.
package source

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/featuresink/pkg/config"
	"github.com/ajitpratap0/featuresink/pkg/convert"
	"github.com/ajitpratap0/featuresink/pkg/errors"
	"github.com/ajitpratap0/featuresink/pkg/ingest"
	"github.com/ajitpratap0/featuresink/pkg/logger"
)

// Handler processes one poll. Offsets are committed only after it returns
// nil; any error ends the consumer.
type Handler func(ctx context.Context, records []convert.SourceRecord) error

// GroupFactory opens a consumer group
type GroupFactory func(brokers []string, groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error)

// KafkaSource consumes topics through a consumer group
type KafkaSource struct {
	brokers       []string
	topics        []string
	groupID       string
	valueFormat   string
	keyFormat     string
	maxPoll       int
	flushInterval time.Duration
	saramaConfig  *sarama.Config
	newGroup      GroupFactory
	handler       Handler
	logger        *zap.Logger

	mu    sync.Mutex
	fatal error
}

// Option customizes a KafkaSource
type Option func(*KafkaSource)

// WithGroupFactory replaces sarama.NewConsumerGroup
func WithGroupFactory(f GroupFactory) Option {
	return func(s *KafkaSource) {
		s.newGroup = f
	}
}

// NewKafkaSource creates a source for cfg that delivers polls to handler
func NewKafkaSource(cfg config.KafkaConfig, handler Handler, logger *zap.Logger, opts ...Option) *KafkaSource {
	s := &KafkaSource{
		brokers:       cfg.Brokers,
		topics:        cfg.Topics,
		groupID:       cfg.GroupID,
		valueFormat:   cfg.ValueFormat,
		keyFormat:     cfg.KeyFormat,
		maxPoll:       cfg.MaxPollRecords,
		flushInterval: cfg.FlushInterval,
		saramaConfig:  SaramaConfig(cfg, "featuresink"),
		newGroup:      sarama.NewConsumerGroup,
		handler:       handler,
		logger:        logger.With(zap.String("component", "kafka_source"), zap.String("group_id", cfg.GroupID)),
	}
	if s.maxPoll < 1 {
		s.maxPoll = 1
	}
	if s.flushInterval <= 0 {
		s.flushInterval = time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes until ctx is done or the handler fails. A handler failure
// is returned; shutdown through ctx returns nil.
func (s *KafkaSource) Run(ctx context.Context) error {
	group, err := s.newGroup(s.brokers, s.groupID, s.saramaConfig)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create consumer group").
			WithDetail("brokers", s.brokers)
	}
	defer func() {
		if err := group.Close(); err != nil {
			s.logger.Warn("failed to close consumer group", zap.Error(err))
		}
	}()

	go func() {
		for err := range group.Errors() {
			s.logger.Error("consumer group error", zap.Error(err))
		}
	}()

	s.logger.Info("consuming", zap.Strings("topics", s.topics), zap.Int("max_poll_records", s.maxPoll))

	for {
		err := group.Consume(ctx, s.topics, s)
		if fatal := s.fatalError(); fatal != nil {
			return fatal
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if stderrors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			s.logger.Error("consume session ended", zap.Error(err))
			if err := ingest.SleepContext(ctx, time.Second); err != nil {
				return nil
			}
		}
	}
}

// Setup implements sarama.ConsumerGroupHandler
func (s *KafkaSource) Setup(session sarama.ConsumerGroupSession) error {
	s.logger.Info("partitions assigned", zap.Any("claims", session.Claims()))
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler
func (s *KafkaSource) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler. Messages are
// buffered until maxPoll is reached or the flush interval elapses.
// Unflushed messages at rebalance are redelivered to the next owner.
func (s *KafkaSource) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	pending := make([]*sarama.ConsumerMessage, 0, s.maxPoll)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := s.deliver(session, pending)
		pending = pending[:0]
		return err
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return flush()
			}
			pending = append(pending, msg)
			if len(pending) >= s.maxPoll {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}

		case <-session.Context().Done():
			return nil
		}
	}
}

func (s *KafkaSource) deliver(session sarama.ConsumerGroupSession, msgs []*sarama.ConsumerMessage) error {
	records := make([]convert.SourceRecord, len(msgs))
	for i, msg := range msgs {
		records[i] = ToSourceRecord(msg, s.valueFormat, s.keyFormat)
	}

	ctx := context.WithValue(session.Context(), logger.TopicKey, msgs[0].Topic)
	ctx = context.WithValue(ctx, logger.PartitionKey, msgs[0].Partition)

	if err := s.handler(ctx, records); err != nil {
		if session.Context().Err() != nil {
			// shutting down; the uncommitted poll is redelivered
			return nil
		}
		s.setFatal(err)
		s.logger.Error("poll failed, stopping consumer",
			zap.String("topic", msgs[0].Topic),
			zap.Int32("partition", msgs[0].Partition),
			zap.Int64("first_offset", msgs[0].Offset),
			zap.Int("records", len(msgs)),
			zap.Error(err))
		return err
	}

	session.MarkMessage(msgs[len(msgs)-1], "")
	return nil
}

func (s *KafkaSource) setFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal == nil {
		s.fatal = err
	}
}

func (s *KafkaSource) fatalError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// ToSourceRecord converts a consumed message. Avro payloads become
// convert.Structured for the configured deserializer; string keys and
// values are passed as Go strings; JSON payloads stay raw bytes.
func ToSourceRecord(msg *sarama.ConsumerMessage, valueFormat, keyFormat string) convert.SourceRecord {
	rec := convert.SourceRecord{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Timestamp,
		Key:       payload(msg.Key, keyFormat),
		Value:     payload(msg.Value, valueFormat),
	}
	if len(msg.Headers) > 0 {
		rec.Headers = make([]convert.Header, 0, len(msg.Headers))
		for _, h := range msg.Headers {
			if h == nil {
				continue
			}
			rec.Headers = append(rec.Headers, convert.Header{Key: string(h.Key), Value: h.Value})
		}
	}
	return rec
}

func payload(data []byte, format string) interface{} {
	if data == nil {
		return nil
	}
	switch format {
	case config.FormatAvro:
		return convert.Structured{Payload: data}
	case config.FormatString:
		return string(data)
	default:
		return data
	}
}
