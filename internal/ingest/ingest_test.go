package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartsensor/smartsensor-ai/internal/models"
	"github.com/smartsensor/smartsensor-ai/internal/pipeline"
)

// sliceSource emits its messages once and then waits for cancellation.
type sliceSource struct {
	msgs []Message
	done chan struct{}
}

func (s *sliceSource) Name() string { return "test" }

func (s *sliceSource) Run(ctx context.Context, emit func(Message) error) error {
	for _, m := range s.msgs {
		if err := emit(m); err != nil {
			return err
		}
	}
	close(s.done)
	<-ctx.Done()
	return nil
}

type recordingProcessor struct {
	mu       sync.Mutex
	payloads map[string][]string
	fail     func(payload string) error
}

func (p *recordingProcessor) ProcessPayload(_ context.Context, payload []byte) (*pipeline.ProcessResponse, error) {
	if p.fail != nil {
		if err := p.fail(string(payload)); err != nil {
			return nil, err
		}
	}
	var device string
	_, _ = fmt.Sscanf(string(payload), `{"device_id":%q`, &device)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads[device] = append(p.payloads[device], string(payload))
	return &pipeline.ProcessResponse{}, nil
}

func payload(device string, seq int) []byte {
	return []byte(fmt.Sprintf(`{"device_id":%q,"seq":%d}`, device, seq))
}

func runUntilAcked(t *testing.T, pool *Pool, src *sliceSource, acks *atomic.Int32, want int32) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx, src) }()

	<-src.done
	require.Eventually(t, func() bool { return acks.Load() == want }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
}

func TestPoolPreservesPerDeviceOrder(t *testing.T) {
	var acks atomic.Int32
	ack := func(context.Context) error { acks.Add(1); return nil }

	src := &sliceSource{done: make(chan struct{})}
	devices := []string{"a", "b", "c", "d", "e"}
	for seq := 0; seq < 20; seq++ {
		for _, d := range devices {
			src.msgs = append(src.msgs, Message{Payload: payload(d, seq), Ack: ack})
		}
	}
	proc := &recordingProcessor{payloads: make(map[string][]string)}
	pool := NewPool(3, 4, proc, nil)

	runUntilAcked(t, pool, src, &acks, int32(len(src.msgs)))

	for _, d := range devices {
		got := proc.payloads[d]
		require.Len(t, got, 20, d)
		for seq, p := range got {
			assert.Equal(t, string(payload(d, seq)), p)
		}
	}
}

func TestPoolAcknowledgesRejectedMessages(t *testing.T) {
	var acks atomic.Int32
	ack := func(context.Context) error { acks.Add(1); return nil }

	src := &sliceSource{done: make(chan struct{}), msgs: []Message{
		{Payload: []byte(`not json`), Ack: ack},
		{Payload: payload("a", 1), Ack: ack},
		{Payload: payload("a", 2), Ack: ack},
	}}
	proc := &recordingProcessor{
		payloads: make(map[string][]string),
		fail: func(p string) error {
			switch p {
			case "not json":
				return &models.ValidationError{Field: "payload", Reason: "malformed json"}
			case string(payload("a", 2)):
				return &models.PersistenceError{Sink: "webhook", Attempts: 5, Err: errors.New("down")}
			}
			return nil
		},
	}

	runUntilAcked(t, NewPool(2, 1, proc, nil), src, &acks, 3)
	assert.Len(t, proc.payloads["a"], 1)
}

func TestPoolSurfacesSourceFailure(t *testing.T) {
	pool := NewPool(1, 1, &recordingProcessor{payloads: map[string][]string{}}, nil)
	err := pool.Run(context.Background(), failingSource{})
	assert.ErrorContains(t, err, "broker unreachable")
}

type failingSource struct{}

func (failingSource) Name() string { return "failing" }

func (failingSource) Run(context.Context, func(Message) error) error {
	return errors.New("broker unreachable")
}

func TestShardUsesKeyThenPayload(t *testing.T) {
	pool := NewPool(8, 1, nil, nil)
	byKey := pool.shard(Message{Key: "sensor-7", Payload: []byte(`{}`)})
	byPayload := pool.shard(Message{Payload: []byte(`{"device_id":"sensor-7"}`)})
	assert.Equal(t, byKey, byPayload)
	assert.Equal(t, 0, pool.shard(Message{Payload: []byte(`garbage`)}))
}

// ─── Kafka ────────────────────────────────────────────────────────────────────

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestKafkaSourceCommitsAfterProcessing(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Key: []byte("a"), Value: payload("a", 1), Offset: 10},
		{Value: []byte(`{broken`), Offset: 11},
	}}
	src := newKafkaSource(reader, "sensor-data", nil)
	assert.Equal(t, "kafka", src.Name())

	proc := &recordingProcessor{
		payloads: make(map[string][]string),
		fail: func(p string) error {
			if p == `{broken` {
				return &models.ValidationError{Field: "payload", Reason: "malformed json"}
			}
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- NewPool(2, 2, proc, nil).Run(ctx, src) }()

	require.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return len(reader.committed) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	assert.ElementsMatch(t, []int64{10, 11}, reader.committed)
	assert.True(t, reader.closed)
}

func TestNewKafkaSourceValidatesConfig(t *testing.T) {
	_, err := NewKafkaSource(KafkaConfig{Topic: "t", GroupID: "g"}, nil)
	assert.Error(t, err)
	_, err = NewKafkaSource(KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"}, nil)
	assert.Error(t, err)
}

// ─── MQTT ─────────────────────────────────────────────────────────────────────

type fakeMQTTMessage struct {
	payload []byte
	acked   atomic.Bool
}

func (m *fakeMQTTMessage) Duplicate() bool   { return false }
func (m *fakeMQTTMessage) Qos() byte         { return 1 }
func (m *fakeMQTTMessage) Retained() bool    { return false }
func (m *fakeMQTTMessage) Topic() string     { return "sensors/readings" }
func (m *fakeMQTTMessage) MessageID() uint16 { return 1 }
func (m *fakeMQTTMessage) Payload() []byte   { return m.payload }
func (m *fakeMQTTMessage) Ack()              { m.acked.Store(true) }

func TestMQTTHandlerDefersAck(t *testing.T) {
	src, err := NewMQTTSource(MQTTConfig{Broker: "tcp://localhost:1883", Topic: "sensors/readings", QoS: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mqtt", src.Name())

	var got Message
	h := src.handler(context.Background(), func(m Message) error {
		got = m
		return nil
	})
	m := &fakeMQTTMessage{payload: payload("a", 1)}
	h(nil, m)

	assert.Equal(t, payload("a", 1), got.Payload)
	assert.False(t, m.acked.Load(), "ack waits for processing")
	require.NoError(t, got.Ack(context.Background()))
	assert.True(t, m.acked.Load())
}

func TestNewMQTTSourceValidatesConfig(t *testing.T) {
	_, err := NewMQTTSource(MQTTConfig{Topic: "t"}, nil)
	assert.Error(t, err)
	_, err = NewMQTTSource(MQTTConfig{Broker: "tcp://localhost:1883", Topic: "t", QoS: 3}, nil)
	assert.Error(t, err)
}
