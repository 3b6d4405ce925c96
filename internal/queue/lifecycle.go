package queue

import (
	"context"
	"time"

	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/observability"
	"github.com/kursadbilgin/callback-engine/internal/store"
	"go.uber.org/zap"
)

const (
	defaultLifecycleBuffer  = 128
	lifecyclePublishTimeout = 5 * time.Second
)

// LifecyclePublisher forwards callback status changes to the broker.
// Store listeners never block: a full buffer drops the event.
type LifecyclePublisher struct {
	publisher Publisher
	events    chan CallbackEventMessage
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewLifecyclePublisher(publisher Publisher, buffer int, logger *zap.Logger) *LifecyclePublisher {
	if buffer <= 0 {
		buffer = defaultLifecycleBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LifecyclePublisher{
		publisher: publisher,
		events:    make(chan CallbackEventMessage, buffer),
		logger:    logger,
		now:       time.Now,
	}
}

func (p *LifecyclePublisher) SetMetrics(metrics *observability.Metrics) {
	p.metrics = metrics
}

// Attach subscribes to records; only status changes are published.
func (p *LifecyclePublisher) Attach(records *store.Store) (detach func()) {
	return records.Subscribe(func(change store.Change) {
		if change.Kind != store.ChangeUpserted {
			return
		}

		var previous domain.Status
		if change.Previous != nil {
			previous = change.Previous.Status
			if previous == change.Record.Status {
				return
			}
		}

		msg := CallbackEventFromRecord(change.Record, previous, p.now().UTC())
		select {
		case p.events <- msg:
		default:
			p.metrics.IncLifecycleEventDropped()
			p.logger.Warn("lifecycle buffer full, dropping event",
				zap.String("callbackId", msg.CallbackID),
				zap.String("status", msg.Status.String()),
			)
		}
	})
}

// Start publishes buffered events until ctx is cancelled.
func (p *LifecyclePublisher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-p.events:
			p.publish(ctx, msg)
		}
	}
}

func (p *LifecyclePublisher) publish(ctx context.Context, msg CallbackEventMessage) {
	publishCtx, cancel := context.WithTimeout(ctx, lifecyclePublishTimeout)
	defer cancel()

	if err := p.publisher.PublishCallbackEvent(publishCtx, msg); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("failed to publish lifecycle event",
			zap.String("callbackId", msg.CallbackID),
			zap.String("status", msg.Status.String()),
			zap.Error(err),
		)
	}
}
