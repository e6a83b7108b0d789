package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig groups the consumer group settings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// messageReader is the subset of *kafka.Reader the source uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource reads from a consumer group and commits each message after it
// has been processed.
type KafkaSource struct {
	reader messageReader
	topic  string
	logger *zap.Logger
}

// NewKafkaSource creates a consumer group reader.
func NewKafkaSource(cfg KafkaConfig, logger *zap.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka group id must not be empty")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: []string{cfg.Topic},
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newKafkaSource(reader, cfg.Topic, logger), nil
}

func newKafkaSource(reader messageReader, topic string, logger *zap.Logger) *KafkaSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSource{reader: reader, topic: topic, logger: logger.Named("kafka")}
}

func (s *KafkaSource) Name() string { return "kafka" }

// Run fetches until ctx is done. Fetch errors back off from 1s up to 10s.
func (s *KafkaSource) Run(ctx context.Context, emit func(Message) error) error {
	defer func() {
		if err := s.reader.Close(); err != nil {
			s.logger.Error("reader close failed", zap.Error(err))
		}
	}()
	s.logger.Info("consumer start", zap.String("topic", s.topic))

	backoff := time.Second
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				s.logger.Info("consumer stop", zap.String("reason", "context"))
				return nil
			}
			s.logger.Error("fetch failed", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
				if backoff < 10*time.Second {
					backoff *= 2
				}
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = time.Second

		if err := emit(s.message(msg)); err != nil {
			return nil
		}
	}
}

func (s *KafkaSource) message(msg kafka.Message) Message {
	return Message{
		Key:     string(msg.Key),
		Payload: msg.Value,
		Ack: func(ctx context.Context) error {
			return s.reader.CommitMessages(ctx, msg)
		},
	}
}
