package events

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperbook/pkg/app/core/engine"
	"github.com/uhyunpark/hyperbook/pkg/metrics"
)

const (
	bufferSize = 4096
	batchSize  = 256
)

// Writer is the subset of *kafka.Writer the publisher uses
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher forwards committed engine events to Kafka. Publish never blocks the
// engine: when the buffer is full the event is dropped and counted
type Publisher struct {
	w       Writer
	ch      chan kafka.Message
	ids     *IDSource
	logger  *zap.Logger
	metrics *metrics.Metrics
	done    chan struct{}
}

// NewPublisher creates a publisher for topic on brokers
func NewPublisher(brokers []string, topic string, logger *zap.Logger, m *metrics.Metrics) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newPublisher(w, logger, m)
}

func newPublisher(w Writer, logger *zap.Logger, m *metrics.Metrics) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Publisher{
		w:       w,
		ch:      make(chan kafka.Message, bufferSize),
		ids:     NewIDSource(),
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Publish encodes ev and queues it
func (p *Publisher) Publish(ev engine.Event) {
	msg := NewMessage(ev, p.ids)
	val, err := msg.Encode()
	if err != nil {
		p.logger.Error("event_encode_failed", zap.String("kind", msg.Kind), zap.Error(err))
		return
	}
	select {
	case p.ch <- kafka.Message{Key: msg.Key(), Value: val}:
	default:
		p.metrics.DroppedEvents.Inc()
		p.logger.Warn("event_dropped", zap.String("id", msg.ID), zap.String("kind", msg.Kind))
	}
}

// Run writes queued messages until ctx is done, then flushes what is left and
// closes the writer
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	batch := make([]kafka.Message, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := p.w.WriteMessages(ctx, batch...); err != nil {
			p.logger.Error("event_publish_failed", zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
		rest:
			for {
				select {
				case m := <-p.ch:
					batch = append(batch, m)
				default:
					break rest
				}
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(drainCtx)
			cancel()
			if err := p.w.Close(); err != nil {
				p.logger.Warn("event_writer_close_failed", zap.Error(err))
			}
			return
		case m := <-p.ch:
			batch = append(batch, m)
		drain:
			for len(batch) < batchSize {
				select {
				case m := <-p.ch:
					batch = append(batch, m)
				default:
					break drain
				}
			}
			flush(ctx)
		}
	}
}

// Done is closed once Run has returned
func (p *Publisher) Done() <-chan struct{} { return p.done }
