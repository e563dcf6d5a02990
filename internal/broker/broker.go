// Package broker fans out execution progress events to live subscribers.
//
// Each subscription owns a bounded channel. Publishing never blocks: when a
// subscriber's queue is full the oldest queued event is discarded to make
// room. PublishComplete delivers a terminal event and then closes every
// channel of the execution, so a closed channel is the end-of-stream signal.
package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/literature-monitor-service/internal/domain"
	"github.com/helixir/literature-monitor-service/internal/observability"
)

// DefaultBufferSize is the per-subscriber queue length used when none is configured.
const DefaultBufferSize = 64

// Subscription is one reader attached to an execution's event stream.
type Subscription struct {
	executionID uuid.UUID
	ch          chan domain.StatusEvent
	closed      bool
}

// ExecutionID returns the execution the subscription is attached to.
func (s *Subscription) ExecutionID() uuid.UUID {
	return s.executionID
}

// Events returns the receive side of the subscription. The channel is closed
// after the terminal event or on Unsubscribe.
func (s *Subscription) Events() <-chan domain.StatusEvent {
	return s.ch
}

// Broker is a concurrency-safe registry of subscriptions keyed by execution id.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*Subscription]struct{}
	buffer int

	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a broker. A non-positive bufferSize selects DefaultBufferSize.
// metrics may be nil.
func New(bufferSize int, metrics *observability.Metrics, logger zerolog.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broker{
		subs:    make(map[uuid.UUID]map[*Subscription]struct{}),
		buffer:  bufferSize,
		metrics: metrics,
		logger:  observability.WithComponent(logger, "broker"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe attaches a new reader to executionID. Events published after
// Subscribe returns are delivered; earlier events are not replayed.
func (b *Broker) Subscribe(executionID uuid.UUID) *Subscription {
	sub := &Subscription{
		executionID: executionID,
		ch:          make(chan domain.StatusEvent, b.buffer),
	}

	b.mu.Lock()
	set, ok := b.subs[executionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[executionID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	b.metrics.AddBrokerSubscribers(1)
	return sub
}

// Unsubscribe detaches sub and closes its channel. It is safe to call more
// than once and after the execution has completed.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.subs[sub.executionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.executionID)
		}
	}
	b.closeLocked(sub)
}

// Publish delivers an event to every current subscriber of executionID.
// With no subscribers the event is dropped.
func (b *Broker) Publish(executionID uuid.UUID, stage, message string) {
	event := domain.StatusEvent{
		ExecutionID: executionID,
		Stage:       stage,
		Message:     message,
		Timestamp:   b.now(),
	}

	// Channels are only closed under the write lock, so sends under the read
	// lock never hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[executionID] {
		b.deliver(sub, event)
	}
}

// PublishComplete delivers the terminal event and closes every subscription
// of executionID.
func (b *Broker) PublishComplete(executionID uuid.UUID, success bool, errMsg string) {
	event := domain.StatusEvent{
		ExecutionID: executionID,
		Stage:       domain.StageCompleted,
		Message:     "execution completed",
		Timestamp:   b.now(),
	}
	if !success {
		event.Stage = domain.StageFailed
		event.Message = errMsg
		if event.Message == "" {
			event.Message = "execution failed"
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[executionID] {
		b.deliver(sub, event)
		b.closeLocked(sub)
	}
	delete(b.subs, executionID)
}

// SubscriberCount returns the number of live subscriptions for executionID.
func (b *Broker) SubscriberCount(executionID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[executionID])
}

// deliver enqueues event without blocking. On a full queue the oldest event
// is discarded first.
func (b *Broker) deliver(sub *Subscription, event domain.StatusEvent) {
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case sub.ch <- event:
			return
		default:
		}

		select {
		case <-sub.ch:
			b.metrics.RecordBrokerEventDropped()
		default:
		}
	}

	b.metrics.RecordBrokerEventDropped()
	b.logger.Warn().
		Str("execution_id", event.ExecutionID.String()).
		Str("stage", event.Stage).
		Msg("subscriber queue full, dropping event")
}

func (b *Broker) closeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	b.metrics.AddBrokerSubscribers(-1)
}
