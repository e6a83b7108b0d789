// Package ingest consumes sensor readings from a message transport and feeds
// them through the pipeline on a pool of device-sharded workers.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smartsensor/smartsensor-ai/internal/metrics"
	"github.com/smartsensor/smartsensor-ai/internal/models"
	"github.com/smartsensor/smartsensor-ai/internal/pipeline"
)

// Message is one transport message. Ack acknowledges it to the transport and
// may be nil.
type Message struct {
	Key     string
	Payload []byte
	Ack     func(ctx context.Context) error
}

// Source produces messages until ctx is done or the transport fails.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(Message) error) error
}

// Processor handles one undecoded reading.
type Processor interface {
	ProcessPayload(ctx context.Context, payload []byte) (*pipeline.ProcessResponse, error)
}

// Pool shards messages by device onto a fixed number of workers, so each
// device's readings are processed in arrival order.
type Pool struct {
	workers   int
	queueSize int
	processor Processor
	logger    *zap.Logger
}

// NewPool creates a worker pool.
func NewPool(workers, queueSize int, processor Processor, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{workers: workers, queueSize: queueSize, processor: processor, logger: logger.Named("ingest")}
}

// Run consumes src until ctx is cancelled or src fails. Cancellation is not
// an error.
func (p *Pool) Run(ctx context.Context, src Source) error {
	g, gctx := errgroup.WithContext(ctx)

	queues := make([]chan Message, p.workers)
	for i := range queues {
		queues[i] = make(chan Message, p.queueSize)
	}
	for i := range queues {
		q := queues[i]
		g.Go(func() error {
			for {
				select {
				case msg := <-q:
					if err := p.handle(gctx, src.Name(), msg); err != nil {
						return err
					}
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	g.Go(func() error {
		p.logger.Info("consumer started", zap.String("source", src.Name()), zap.Int("workers", p.workers))
		err := src.Run(gctx, func(msg Message) error {
			select {
			case queues[p.shard(msg)] <- msg:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s source: %w", src.Name(), err)
		}
		p.logger.Info("consumer stopped", zap.String("source", src.Name()))
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shard picks a worker from the message's device, read from the key or the
// payload. Undecodable messages go to worker 0, where they are rejected.
func (p *Pool) shard(msg Message) int {
	device := msg.Key
	if device == "" {
		var head struct {
			DeviceID string `json:"device_id"`
		}
		_ = json.Unmarshal(msg.Payload, &head)
		device = head.DeviceID
	}
	if device == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(device))
	return int(h.Sum32() % uint32(p.workers))
}

// handle processes one message. Rejected and partially dispatched readings
// are still acknowledged; only cancellation leaves a message unacknowledged.
func (p *Pool) handle(ctx context.Context, source string, msg Message) error {
	_, err := p.processor.ProcessPayload(ctx, msg.Payload)

	var verr *models.ValidationError
	var perr *models.PersistenceError
	switch {
	case err == nil:
		metrics.IngestMessagesTotal.WithLabelValues(source, "processed").Inc()
	case errors.As(err, &verr):
		metrics.IngestMessagesTotal.WithLabelValues(source, "malformed").Inc()
		p.logger.Warn("dropping invalid reading", zap.String("source", source), zap.Error(err))
	case errors.As(err, &perr):
		metrics.IngestMessagesTotal.WithLabelValues(source, "failed").Inc()
		p.logger.Error("decision not fully dispatched", zap.String("source", source), zap.Error(err))
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		metrics.IngestMessagesTotal.WithLabelValues(source, "failed").Inc()
		p.logger.Error("failed to process reading", zap.String("source", source), zap.Error(err))
	}

	if msg.Ack == nil {
		return nil
	}
	if err := msg.Ack(context.WithoutCancel(ctx)); err != nil {
		p.logger.Warn("failed to acknowledge message", zap.String("source", source), zap.Error(err))
	}
	return nil
}
