package errant

import (
	"context"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/featuresink/pkg/convert"
	"github.com/ajitpratap0/featuresink/pkg/json"
)

// Dead letter context header names
const (
	HeaderTopic     = "__featuresink.errors.topic"
	HeaderPartition = "__featuresink.errors.partition"
	HeaderOffset    = "__featuresink.errors.offset"
	HeaderClass     = "__featuresink.errors.class"
	HeaderMessage   = "__featuresink.errors.message"
)

// KafkaReporter produces errant records to a dead letter topic. The
// original key, value and headers are kept; context headers describing
// the source and the failure are appended when enabled.
type KafkaReporter struct {
	producer       sarama.SyncProducer
	topic          string
	contextHeaders bool
	codec          *json.Codec
	logger         *zap.Logger
}

// NewKafkaReporter creates a reporter that writes to topic
func NewKafkaReporter(producer sarama.SyncProducer, topic string, contextHeaders bool, logger *zap.Logger) *KafkaReporter {
	return &KafkaReporter{
		producer:       producer,
		topic:          topic,
		contextHeaders: contextHeaders,
		codec:          json.NewCodec(),
		logger:         logger.With(zap.String("component", "dlq_reporter"), zap.String("dlq_topic", topic)),
	}
}

// Report implements Reporter
func (r *KafkaReporter) Report(ctx context.Context, rec convert.SourceRecord, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := r.buildProducerMessage(rec, cause)
	if err != nil {
		return err
	}

	partition, offset, err := r.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to produce to %s: %w", r.topic, err)
	}

	r.logger.Warn("errant record sent to dead letter topic",
		zap.String("topic", rec.Topic),
		zap.Int32("partition", rec.Partition),
		zap.Int64("offset", rec.Offset),
		zap.Int32("dlq_partition", partition),
		zap.Int64("dlq_offset", offset),
		zap.Error(cause))
	return nil
}

// Close closes the producer
func (r *KafkaReporter) Close() error {
	return r.producer.Close()
}

func (r *KafkaReporter) buildProducerMessage(rec convert.SourceRecord, cause error) (*sarama.ProducerMessage, error) {
	value, err := r.encode(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode errant value: %w", err)
	}
	key, err := r.encode(rec.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode errant key: %w", err)
	}

	headers := make([]sarama.RecordHeader, 0, len(rec.Headers)+5)
	for _, h := range rec.Headers {
		headers = append(headers, sarama.RecordHeader{Key: []byte(h.Key), Value: h.Value})
	}
	if r.contextHeaders {
		headers = append(headers,
			sarama.RecordHeader{Key: []byte(HeaderTopic), Value: []byte(rec.Topic)},
			sarama.RecordHeader{Key: []byte(HeaderPartition), Value: []byte(strconv.FormatInt(int64(rec.Partition), 10))},
			sarama.RecordHeader{Key: []byte(HeaderOffset), Value: []byte(strconv.FormatInt(rec.Offset, 10))},
			sarama.RecordHeader{Key: []byte(HeaderClass), Value: []byte(Reason(cause))},
			sarama.RecordHeader{Key: []byte(HeaderMessage), Value: []byte(cause.Error())},
		)
	}

	msg := &sarama.ProducerMessage{
		Topic:   r.topic,
		Value:   sarama.ByteEncoder(value),
		Headers: headers,
	}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}
	if !rec.Timestamp.IsZero() {
		msg.Timestamp = rec.Timestamp
	}
	return msg, nil
}

// encode recovers the wire bytes of a key or value
func (r *KafkaReporter) encode(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	case convert.Structured:
		return x.Payload, nil
	default:
		return r.codec.Marshal(x)
	}
}
