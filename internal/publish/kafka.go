package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes envelopes to one topic. Messages are keyed by envelope
// key and routed with the hash balancer so one subject stays ordered.
type KafkaSink struct {
	w messageWriter
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}}, nil
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, batch []Envelope) error {
	msgs, err := toMessages(batch)
	if err != nil {
		return err
	}
	if err := k.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error { return k.w.Close() }

func toMessages(batch []Envelope) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, env := range batch {
		b, err := env.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", env.Type, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(env.Key),
			Value: b,
			Time:  env.Time,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(env.Type)},
			},
		})
	}
	return msgs, nil
}
