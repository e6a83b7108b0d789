package ingest

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig groups the subscription settings.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
}

// MQTTSource subscribes to a topic. Messages are acknowledged to the broker
// only after processing.
type MQTTSource struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *zap.Logger
}

// NewMQTTSource creates an unconnected client; Run connects it.
func NewMQTTSource(cfg MQTTConfig, logger *zap.Logger) (*MQTTSource, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker must not be empty")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt topic must not be empty")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", cfg.QoS)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mqtt")

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetAutoAckDisabled(true).
		SetCleanSession(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("connection lost", zap.Error(err))
		})
	return &MQTTSource{cfg: cfg, client: mqtt.NewClient(opts), logger: logger}, nil
}

func (s *MQTTSource) Name() string { return "mqtt" }

// Run connects, subscribes and blocks until ctx is done.
func (s *MQTTSource) Run(ctx context.Context, emit func(Message) error) error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to %s: %w", s.cfg.Broker, token.Error())
	}
	defer s.client.Disconnect(250)

	if token := s.client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handler(ctx, emit)); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", s.cfg.Topic, token.Error())
	}
	s.logger.Info("subscribed", zap.String("topic", s.cfg.Topic), zap.Uint8("qos", s.cfg.QoS))

	<-ctx.Done()
	if token := s.client.Unsubscribe(s.cfg.Topic); token.WaitTimeout(time.Second) && token.Error() != nil {
		s.logger.Warn("unsubscribe failed", zap.Error(token.Error()))
	}
	return nil
}

// handler forwards broker messages to emit. It blocks the paho router while
// the shard queue is full.
func (s *MQTTSource) handler(ctx context.Context, emit func(Message) error) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		msg := Message{
			Payload: m.Payload(),
			Ack: func(context.Context) error {
				m.Ack()
				return nil
			},
		}
		if err := emit(msg); err != nil && ctx.Err() == nil {
			s.logger.Warn("message dropped", zap.String("topic", m.Topic()), zap.Error(err))
		}
	}
}
